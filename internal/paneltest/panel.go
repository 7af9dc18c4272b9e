// Package paneltest содержит панель 3x-ui в памяти для тестов пула,
// движка подписок и оркестратора.
package paneltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/saher228/3xui-shop/internal/gates/xui"
)

// Panel реализует xui.API поверх состояния в памяти.
type Panel struct {
	mu sync.Mutex

	// Инъекция ошибок
	LoginErr  error
	CallErr   error
	DeleteErr error

	Logins  int
	Adds    int
	Updates int
	Deletes int

	inbounds []xui.Inbound
	traffic  map[string]*xui.ClientTraffic
}

// NewPanel создает панель с одним настроенным inbound-ом.
func NewPanel() *Panel {
	return &Panel{
		inbounds: []xui.Inbound{
			{
				ID:       1,
				Port:     443,
				Protocol: "vless",
				StreamSettings: xui.StreamSettings{
					Network:  "tcp",
					Security: "reality",
				},
			},
		},
		traffic: make(map[string]*xui.ClientTraffic),
	}
}

func (p *Panel) Login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Logins++
	return p.LoginErr
}

func (p *Panel) ListInbounds(ctx context.Context) ([]xui.Inbound, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CallErr != nil {
		return nil, p.CallErr
	}

	out := make([]xui.Inbound, len(p.inbounds))
	for i, inbound := range p.inbounds {
		clients := make([]xui.Client, len(inbound.Settings.Clients))
		copy(clients, inbound.Settings.Clients)
		inbound.Settings.Clients = clients
		out[i] = inbound
	}
	return out, nil
}

func (p *Panel) GetClientByEmail(ctx context.Context, email string) (*xui.ClientTraffic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CallErr != nil {
		return nil, p.CallErr
	}

	traffic, ok := p.traffic[email]
	if !ok {
		return nil, nil
	}
	clone := *traffic
	return &clone, nil
}

func (p *Panel) AddClient(ctx context.Context, inboundID int, client xui.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CallErr != nil {
		return p.CallErr
	}
	p.Adds++

	for i := range p.inbounds {
		if p.inbounds[i].ID != inboundID {
			continue
		}
		p.inbounds[i].Settings.Clients = append(p.inbounds[i].Settings.Clients, client)
		p.traffic[client.Email] = &xui.ClientTraffic{
			InboundID:  inboundID,
			Email:      client.Email,
			Enable:     client.Enable,
			Total:      client.TotalGB,
			ExpiryTime: client.ExpiryTime,
		}
		return nil
	}
	return fmt.Errorf("paneltest: inbound %d not found", inboundID)
}

func (p *Panel) UpdateClient(ctx context.Context, inboundID int, clientID string, client xui.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CallErr != nil {
		return p.CallErr
	}
	p.Updates++

	for i := range p.inbounds {
		for j, existing := range p.inbounds[i].Settings.Clients {
			if existing.ID != clientID {
				continue
			}
			p.inbounds[i].Settings.Clients[j] = client
			if traffic, ok := p.traffic[existing.Email]; ok {
				traffic.Enable = client.Enable
				traffic.ExpiryTime = client.ExpiryTime
			}
			return nil
		}
	}
	return fmt.Errorf("paneltest: client %s not found", clientID)
}

func (p *Panel) DeleteClient(ctx context.Context, inboundID int, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CallErr != nil {
		return p.CallErr
	}
	if p.DeleteErr != nil {
		return p.DeleteErr
	}

	for i := range p.inbounds {
		if p.inbounds[i].ID != inboundID {
			continue
		}
		clients := p.inbounds[i].Settings.Clients
		for j, existing := range clients {
			if existing.ID == clientID {
				p.inbounds[i].Settings.Clients = append(clients[:j], clients[j+1:]...)
				delete(p.traffic, existing.Email)
				p.Deletes++
				return nil
			}
		}
	}
	// панель не ругается на удаление несуществующего клиента,
	// но и в Deletes такой вызов не попадает
	return nil
}

// Client возвращает клиентскую запись по email или nil.
func (p *Panel) Client(email string) *xui.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inbound := range p.inbounds {
		for _, client := range inbound.Settings.Clients {
			if client.Email == email {
				clone := client
				return &clone
			}
		}
	}
	return nil
}

// ClientCount возвращает общее число клиентов на панели.
func (p *Panel) ClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, inbound := range p.inbounds {
		count += len(inbound.Settings.Clients)
	}
	return count
}

// SeedTraffic подкладывает запись трафика без клиентской записи в inbound-е.
// Используется для воспроизведения зомби-состояния.
func (p *Panel) SeedTraffic(traffic xui.ClientTraffic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := traffic
	p.traffic[traffic.Email] = &clone
}

// SetTraffic выставляет статистику существующему клиенту.
func (p *Panel) SetTraffic(email string, up, down, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if traffic, ok := p.traffic[email]; ok {
		traffic.Up = up
		traffic.Down = down
		traffic.Total = total
	}
}
