package pool

import (
	"context"
	"log/slog"
	"sort"

	"github.com/saher228/3xui-shop/internal/db"
)

// GetAvailableServer выбирает сервер для нового клиента среди онлайн-серверов
// пула, опционально ограничиваясь локацией.
func (p *Pool) GetAvailableServer(ctx context.Context, location string) (*db.Server, error) {
	if err := p.SyncServers(ctx); err != nil {
		slog.Error("Pool sync failed before server selection", "error", err)
	}

	p.mu.Lock()
	candidates := make([]db.Server, 0, len(p.conns))
	for _, conn := range p.conns {
		server := conn.Server
		if !server.Online {
			continue
		}
		if location != "" && server.Location != location {
			continue
		}
		candidates = append(candidates, server)
	}
	p.mu.Unlock()

	// стабильный порядок для детерминированных ничьих
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	server := pickServer(candidates, p.cfg.PriorityServerName)
	if server == nil {
		slog.Error("No available servers found in pool", "location", location)
		return nil, ErrNoServerAvailable
	}
	return server, nil
}

// pickServer реализует правила выбора: приоритетный сервер со свободными
// слотами, затем наименее загруженный со свободными слотами, затем
// наименее загруженный вообще (мягкая перегрузка вместо отказа).
func pickServer(candidates []db.Server, priorityName string) *db.Server {
	if len(candidates) == 0 {
		return nil
	}

	if priorityName != "" {
		for i := range candidates {
			s := &candidates[i]
			if s.Name == priorityName && s.CurrentClients < s.MaxClients {
				slog.Debug("Selected priority server",
					"server", s.Name, "clients", s.CurrentClients, "max", s.MaxClients)
				return s
			}
		}
	}

	var best *db.Server
	for i := range candidates {
		s := &candidates[i]
		if s.CurrentClients >= s.MaxClients {
			continue
		}
		if best == nil || s.CurrentClients < best.CurrentClients {
			best = s
		}
	}
	if best != nil {
		slog.Debug("Selected least loaded server",
			"server", best.Name, "clients", best.CurrentClients, "max", best.MaxClients)
		return best
	}

	for i := range candidates {
		s := &candidates[i]
		if best == nil || s.CurrentClients < best.CurrentClients {
			best = s
		}
	}
	slog.Warn("No servers with free slots, using least loaded server",
		"server", best.Name, "clients", best.CurrentClients, "max", best.MaxClients)
	return best
}

// Locations возвращает отсортированный список уникальных локаций
// онлайн-серверов.
func (p *Pool) Locations(ctx context.Context) ([]string, error) {
	servers, err := p.dir.GetAllServers()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var locations []string
	for _, server := range servers {
		if server.Location == "" || !server.Online {
			continue
		}
		if _, ok := seen[server.Location]; ok {
			continue
		}
		seen[server.Location] = struct{}{}
		locations = append(locations, server.Location)
	}
	sort.Strings(locations)
	return locations, nil
}

// LocationByIndex возвращает локацию по ее индексу в отсортированном списке.
func (p *Pool) LocationByIndex(ctx context.Context, idx int) (string, error) {
	locations, err := p.Locations(ctx)
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(locations) {
		slog.Error("Location index out of bounds", "index", idx, "count", len(locations))
		return "", ErrNoServerAvailable
	}
	return locations[idx], nil
}
