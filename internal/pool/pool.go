package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/saher228/3xui-shop/internal/config"
	"github.com/saher228/3xui-shop/internal/db"
	"github.com/saher228/3xui-shop/internal/gates/xui"

	"golang.org/x/time/rate"
)

var (
	// ErrNotAssigned - у пользователя нет назначенного сервера (штатная ситуация)
	ErrNotAssigned = errors.New("user is not assigned to any server")
	// ErrAssignmentBroken - назначенный сервер не найден ни в пуле, ни в БД
	ErrAssignmentBroken = errors.New("assigned server is missing from pool and directory")
	// ErrNoServerAvailable - нет ни одного подходящего сервера
	ErrNoServerAvailable = errors.New("no available server")
)

// ServerDirectory - доступ к списку серверов в БД
type ServerDirectory interface {
	GetAllServers() ([]db.Server, error)
	GetServerByID(id uint) (*db.Server, error)
	SetServerOnline(id uint, online bool) error
}

// UserStore - запись назначения сервера пользователю
type UserStore interface {
	UpdateUserAssignment(tgID int64, serverID uint) error
}

// Dialer строит API-клиент панели для сервера
type Dialer func(server db.Server) (xui.API, error)

// Connection - пара "снимок сервера + аутентифицированная сессия панели".
// Живет только в пуле, при обновлении заменяется целиком.
type Connection struct {
	Server db.Server
	API    xui.API
}

// Pool держит по одному живому подключению на каждый известный сервер
// и синхронизирует их состав с БД. Карта подключений защищена мьютексом:
// sync и выборка сервера выполняются под эксклюзивным доступом.
type Pool struct {
	cfg     *config.Config
	dir     ServerDirectory
	users   UserStore
	dial    Dialer
	limiter *rate.Limiter

	mu    sync.Mutex
	conns map[uint]*Connection
}

func New(cfg *config.Config, dir ServerDirectory, users UserStore, dial Dialer) *Pool {
	if dial == nil {
		dial = func(server db.Server) (xui.API, error) {
			return xui.NewClient(xui.Config{
				Host:     server.Host,
				Username: cfg.XUIUsername,
				Password: cfg.XUIPassword,
				Token:    cfg.XUIToken,
				Timeout:  cfg.XUIRequestTimeout,
			})
		}
	}

	return &Pool{
		cfg:   cfg,
		dir:   dir,
		users: users,
		dial:  dial,
		// не чаще 10 логинов в секунду, чтобы sync не долбил офлайн-панели
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		conns:   make(map[uint]*Connection),
	}
}

// AddServer подключает сервер к пулу. Повторный вызов для уже
// подключенного сервера - no-op. При неудачном логине сервер помечается
// офлайн в БД и в пул не попадает.
func (p *Pool) AddServer(ctx context.Context, server db.Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addServerLocked(ctx, server)
}

func (p *Pool) addServerLocked(ctx context.Context, server db.Server) error {
	if _, ok := p.conns[server.ID]; ok {
		return nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	api, err := p.dial(server)
	if err == nil {
		err = api.Login(ctx)
	}

	if err != nil {
		server.Online = false
		slog.Error("Failed to add server to pool", "server", server.Name, "host", server.Host, "error", err)
	} else {
		server.Online = true
		p.conns[server.ID] = &Connection{Server: server, API: api}
		slog.Info("Server added to pool", "server", server.Name, "host", server.Host)
	}

	if dbErr := p.dir.SetServerOnline(server.ID, server.Online); dbErr != nil {
		slog.Error("Failed to persist server online flag", "server", server.Name, "error", dbErr)
	}

	if err != nil {
		return fmt.Errorf("add server %s: %w", server.Name, err)
	}
	return nil
}

// RemoveServer убирает подключение из пула; запись в БД не трогает.
func (p *Pool) RemoveServer(server db.Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, server.ID)
}

// RefreshServer пересоздает подключение к серверу.
func (p *Pool) RefreshServer(ctx context.Context, server db.Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, server.ID)
	return p.addServerLocked(ctx, server)
}

// SyncServers приводит пул в соответствие с БД: убирает удаленные серверы,
// переподключает оставшиеся со свежими данными и добавляет новые.
func (p *Pool) SyncServers(ctx context.Context) error {
	dbServers, err := p.dir.GetAllServers()
	if err != nil {
		return fmt.Errorf("sync servers: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(dbServers) == 0 && len(p.conns) == 0 {
		slog.Warn("No servers found in the database")
		return nil
	}

	known := make(map[uint]db.Server, len(dbServers))
	for _, server := range dbServers {
		known[server.ID] = server
	}

	pooled := make([]uint, 0, len(p.conns))
	for id := range p.conns {
		pooled = append(pooled, id)
	}

	// удаленные из БД серверы выбывают, остальные переподключаются
	// со свежим снимком из БД
	for _, id := range pooled {
		fresh, ok := known[id]
		delete(p.conns, id)
		if !ok {
			continue
		}
		if err := p.addServerLocked(ctx, fresh); err != nil {
			slog.Warn("Server went offline during sync", "server", fresh.Name, "error", err)
		}
	}

	for _, server := range dbServers {
		if _, ok := p.conns[server.ID]; !ok {
			if err := p.addServerLocked(ctx, server); err != nil {
				slog.Warn("Server unavailable during sync", "server", server.Name, "error", err)
			}
		}
	}

	slog.Info("Server pool synced", "active", len(p.conns), "known", len(dbServers))
	return nil
}

// GetConnection возвращает подключение к серверу пользователя.
// ErrNotAssigned - пользователь без сервера, ErrAssignmentBroken -
// назначение указывает на несуществующий сервер; вызывающие обязаны
// различать эти случаи.
func (p *Pool) GetConnection(ctx context.Context, user *db.User) (*Connection, error) {
	if err := p.SyncServers(ctx); err != nil {
		slog.Error("Pool sync failed before connection lookup", "error", err)
	}

	if user.ServerID == nil {
		slog.Debug("User not assigned to any server", "tg_id", user.TgID)
		return nil, ErrNotAssigned
	}
	serverID := *user.ServerID

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[serverID]; !ok {
		slog.Warn("Server not found in active pool, attempting reconnect", "server_id", serverID)
		server, err := p.dir.GetServerByID(serverID)
		if err != nil {
			return nil, fmt.Errorf("lookup server %d: %w", serverID, err)
		}
		if server == nil {
			slog.Error("Assigned server not found in DB", "server_id", serverID, "tg_id", user.TgID)
			return nil, ErrAssignmentBroken
		}
		if err := p.addServerLocked(ctx, *server); err != nil {
			slog.Error("Reconnect to assigned server failed", "server_id", serverID, "error", err)
		}
	}

	conn, ok := p.conns[serverID]
	if !ok {
		slog.Error("Server missing from pool even after reconnect attempt",
			"server_id", serverID, "tg_id", user.TgID, "pooled", len(p.conns))
		return nil, ErrAssignmentBroken
	}

	// копия данных сервера из БД авторитетна для емкости и локации
	if fresh, err := p.dir.GetServerByID(serverID); err == nil && fresh != nil {
		conn.Server = *fresh
	} else if err != nil {
		slog.Error("Could not refresh server data from DB", "server_id", serverID, "error", err)
	}

	snapshot := *conn
	return &snapshot, nil
}

// DirectConnection подключается к конкретному серверу в обход назначения
// пользователя. Используется при удалении клиента со старого сервера
// после миграции. Подключение в пуле не сохраняется.
func (p *Pool) DirectConnection(ctx context.Context, serverID uint) (*Connection, error) {
	server, err := p.dir.GetServerByID(serverID)
	if err != nil {
		return nil, fmt.Errorf("lookup server %d: %w", serverID, err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %d: %w", serverID, ErrAssignmentBroken)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	api, err := p.dial(*server)
	if err == nil {
		err = api.Login(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to server %s: %w", server.Name, err)
	}

	return &Connection{Server: *server, API: api}, nil
}

// AssignServerToUser выбирает сервер и записывает назначение в БД.
// При неудаче выбора никакие данные пользователя не меняются.
func (p *Pool) AssignServerToUser(ctx context.Context, user *db.User, location string) error {
	server, err := p.GetAvailableServer(ctx, location)
	if err != nil {
		slog.Error("Failed to assign server to user", "tg_id", user.TgID, "location", location, "error", err)
		return err
	}

	if err := p.users.UpdateUserAssignment(user.TgID, server.ID); err != nil {
		return fmt.Errorf("persist assignment for user %d: %w", user.TgID, err)
	}

	id := server.ID
	user.ServerID = &id
	slog.Info("User assigned to server", "tg_id", user.TgID, "server", server.Name, "location", location)
	return nil
}

// Stats возвращает число подключенных и известных серверов.
func (p *Pool) Stats() (online int, total int) {
	servers, err := p.dir.GetAllServers()
	if err == nil {
		total = len(servers)
	}

	p.mu.Lock()
	online = len(p.conns)
	p.mu.Unlock()
	return online, total
}
