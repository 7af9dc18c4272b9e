package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/saher228/3xui-shop/internal/config"
	"github.com/saher228/3xui-shop/internal/db"
	"github.com/saher228/3xui-shop/internal/gates/xui"
	"github.com/saher228/3xui-shop/internal/paneltest"
)

type testEnv struct {
	repo   *db.Repository
	panels map[string]*paneltest.Panel
	pool   *Pool
}

func setupTestPool(t *testing.T, cfg *config.Config, servers ...db.Server) *testEnv {
	t.Helper()

	repo, err := db.NewRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	panels := make(map[string]*paneltest.Panel)
	for i := range servers {
		if err := repo.DB().Create(&servers[i]).Error; err != nil {
			t.Fatalf("failed to create test server: %v", err)
		}
		panels[servers[i].Host] = paneltest.NewPanel()
	}

	dial := func(server db.Server) (xui.API, error) {
		panel, ok := panels[server.Host]
		if !ok {
			return nil, fmt.Errorf("no panel for host %s", server.Host)
		}
		return panel, nil
	}

	if cfg == nil {
		cfg = &config.Config{}
	}

	return &testEnv{
		repo:   repo,
		panels: panels,
		pool:   New(cfg, repo, repo, dial),
	}
}

func TestSyncServersAddsAll(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
		db.Server{Name: "de-1", Host: "http://de1.example.com:2053", Location: "DE", MaxClients: 10},
	)

	if err := env.pool.SyncServers(context.Background()); err != nil {
		t.Fatalf("SyncServers() error = %v", err)
	}

	online, total := env.pool.Stats()
	if online != 2 || total != 2 {
		t.Errorf("Stats() = (%d, %d), want (2, 2)", online, total)
	}

	servers, err := env.repo.GetAllServers()
	if err != nil {
		t.Fatalf("GetAllServers() error = %v", err)
	}
	for _, server := range servers {
		if !server.Online {
			t.Errorf("server %s online = false, want true", server.Name)
		}
	}
}

func TestSyncServersMarksOffline(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
		db.Server{Name: "de-1", Host: "http://de1.example.com:2053", Location: "DE", MaxClients: 10},
	)
	env.panels["http://de1.example.com:2053"].LoginErr = errors.New("connection refused")

	if err := env.pool.SyncServers(context.Background()); err != nil {
		t.Fatalf("SyncServers() error = %v", err)
	}

	online, total := env.pool.Stats()
	if online != 1 || total != 2 {
		t.Errorf("Stats() = (%d, %d), want (1, 2)", online, total)
	}

	var server db.Server
	if err := env.repo.DB().Where("name = ?", "de-1").First(&server).Error; err != nil {
		t.Fatalf("failed to load server: %v", err)
	}
	if server.Online {
		t.Error("offline server persisted as online")
	}
}

func TestSyncServersRemovesDeleted(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
		db.Server{Name: "de-1", Host: "http://de1.example.com:2053", Location: "DE", MaxClients: 10},
	)

	ctx := context.Background()
	if err := env.pool.SyncServers(ctx); err != nil {
		t.Fatalf("SyncServers() error = %v", err)
	}

	if err := env.repo.DB().Where("name = ?", "de-1").Delete(&db.Server{}).Error; err != nil {
		t.Fatalf("failed to delete server: %v", err)
	}

	if err := env.pool.SyncServers(ctx); err != nil {
		t.Fatalf("SyncServers() error = %v", err)
	}

	online, total := env.pool.Stats()
	if online != 1 || total != 1 {
		t.Errorf("Stats() = (%d, %d), want (1, 1)", online, total)
	}
}

func TestAddServerIdempotent(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
	)

	servers, _ := env.repo.GetAllServers()
	ctx := context.Background()

	if err := env.pool.AddServer(ctx, servers[0]); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}
	if err := env.pool.AddServer(ctx, servers[0]); err != nil {
		t.Fatalf("second AddServer() error = %v", err)
	}

	if logins := env.panels[servers[0].Host].Logins; logins != 1 {
		t.Errorf("logins = %d, want 1 (second add must be a no-op)", logins)
	}
}

func TestGetConnectionDistinguishesFailureModes(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
	)

	ctx := context.Background()

	unassigned := &db.User{TgID: 100}
	if _, err := env.pool.GetConnection(ctx, unassigned); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("GetConnection(unassigned) error = %v, want ErrNotAssigned", err)
	}

	missing := uint(999)
	broken := &db.User{TgID: 101, ServerID: &missing}
	if _, err := env.pool.GetConnection(ctx, broken); !errors.Is(err, ErrAssignmentBroken) {
		t.Errorf("GetConnection(broken) error = %v, want ErrAssignmentBroken", err)
	}

	servers, _ := env.repo.GetAllServers()
	assigned := &db.User{TgID: 102, ServerID: &servers[0].ID}
	conn, err := env.pool.GetConnection(ctx, assigned)
	if err != nil {
		t.Fatalf("GetConnection(assigned) error = %v", err)
	}
	if conn.Server.ID != servers[0].ID {
		t.Errorf("connection server id = %d, want %d", conn.Server.ID, servers[0].ID)
	}
}

func TestAssignServerToUserPersists(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
	)

	user := db.User{TgID: 100, Username: "testuser"}
	if err := env.repo.DB().Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	if err := env.pool.AssignServerToUser(context.Background(), &user, "NL"); err != nil {
		t.Fatalf("AssignServerToUser() error = %v", err)
	}
	if user.ServerID == nil {
		t.Fatal("user.ServerID not set after assignment")
	}

	stored, err := env.repo.GetUserByTgID(100)
	if err != nil {
		t.Fatalf("GetUserByTgID() error = %v", err)
	}
	if stored.ServerID == nil || *stored.ServerID != *user.ServerID {
		t.Error("assignment not persisted to database")
	}
}

func TestAssignServerToUserNoLocation(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
	)

	user := db.User{TgID: 100}
	if err := env.repo.DB().Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	err := env.pool.AssignServerToUser(context.Background(), &user, "US")
	if !errors.Is(err, ErrNoServerAvailable) {
		t.Errorf("AssignServerToUser() error = %v, want ErrNoServerAvailable", err)
	}
	if user.ServerID != nil {
		t.Error("user mutated after failed assignment")
	}
}

func TestRemoveAndRefreshServer(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
	)

	servers, _ := env.repo.GetAllServers()
	ctx := context.Background()

	if err := env.pool.AddServer(ctx, servers[0]); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}
	if online, _ := env.pool.Stats(); online != 1 {
		t.Fatalf("Stats() online = %d after add, want 1", online)
	}

	env.pool.RemoveServer(servers[0])
	if online, _ := env.pool.Stats(); online != 0 {
		t.Fatalf("Stats() online = %d after remove, want 0", online)
	}

	if err := env.pool.RefreshServer(ctx, servers[0]); err != nil {
		t.Fatalf("RefreshServer() error = %v", err)
	}
	if online, _ := env.pool.Stats(); online != 1 {
		t.Errorf("Stats() online = %d after refresh, want 1", online)
	}
	if logins := env.panels[servers[0].Host].Logins; logins != 2 {
		t.Errorf("logins = %d, want 2 (refresh re-authenticates)", logins)
	}
}

func TestConcurrentSyncAndLookup(t *testing.T) {
	env := setupTestPool(t, nil,
		db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10},
	)

	// единственное соединение: каждая новая сессия к :memory: - пустая БД
	sqlDB, err := env.repo.DB().DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := env.pool.SyncServers(ctx); err != nil {
		t.Fatalf("SyncServers() error = %v", err)
	}

	servers, _ := env.repo.GetAllServers()
	user := &db.User{TgID: 100, ServerID: &servers[0].ID}
	if err := env.repo.DB().Create(user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := env.pool.SyncServers(ctx); err != nil {
				errCh <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := env.pool.GetConnection(ctx, user); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent pool access error: %v", err)
	}

	online, total := env.pool.Stats()
	if online != 1 || total != 1 {
		t.Errorf("Stats() = (%d, %d) after concurrent access, want (1, 1)", online, total)
	}
}
