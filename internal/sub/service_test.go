package sub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/saher228/3xui-shop/internal/config"
	"github.com/saher228/3xui-shop/internal/db"
	"github.com/saher228/3xui-shop/internal/gates/xui"
	"github.com/saher228/3xui-shop/internal/paneltest"
	"github.com/saher228/3xui-shop/internal/pool"
	"github.com/saher228/3xui-shop/internal/vpn"
)

type testEnv struct {
	repo   *db.Repository
	panels map[string]*paneltest.Panel
	svc    *Service
	user   *db.User
}

func setupTestService(t *testing.T, cfg *config.Config, servers ...db.Server) *testEnv {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.XUIRequestTimeout == 0 {
		cfg.XUIRequestTimeout = 10 * time.Second
	}

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

	serverPool := pool.New(cfg, repo, repo, dial)
	vpnSvc := vpn.New(cfg, serverPool, repo, repo, repo)
	svc := New(cfg, vpnSvc, serverPool, repo, repo, repo)

	user := &db.User{TgID: 100, Username: "testuser"}
	if err := repo.DB().Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	return &testEnv{repo: repo, panels: panels, svc: svc, user: user}
}

func nlServer() db.Server {
	return db.Server{Name: "nl-1", Host: "http://nl1.example.com:2053", Location: "NL", MaxClients: 10}
}

func deServer() db.Server {
	return db.Server{Name: "de-1", Host: "http://de1.example.com:2053", Location: "DE", MaxClients: 10}
}

// expiryWithin сравнивает момент истечения с ожидаемым сдвигом от текущего
// времени с запасом на длительность теста.
func expiryWithin(t *testing.T, gotMS int64, wantDays int) {
	t.Helper()
	want := time.Now().AddDate(0, 0, wantDays).UnixMilli()
	diff := gotMS - want
	if diff < -int64(time.Minute/time.Millisecond) || diff > int64(time.Minute/time.Millisecond) {
		t.Errorf("expiry = %d, want about now + %d days (%d)", gotMS, wantDays, want)
	}
}

func TestCreateSubscriptionFirstTime(t *testing.T) {
	env := setupTestService(t, nil, nlServer())
	ctx := context.Background()

	if err := env.svc.CreateSubscription(ctx, env.user, 3, 30, "NL"); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}

	panel := env.panels["http://nl1.example.com:2053"]
	client := panel.Client("100")
	if client == nil {
		t.Fatal("client not created on panel")
	}
	if client.LimitIP != 3 {
		t.Errorf("limit_ip = %d, want 3", client.LimitIP)
	}
	if !client.Enable {
		t.Error("client created disabled")
	}
	expiryWithin(t, client.ExpiryTime, 30)
}

func TestCreateSubscriptionSameServerUpdates(t *testing.T) {
	env := setupTestService(t, nil, nlServer())
	ctx := context.Background()

	if err := env.svc.CreateSubscription(ctx, env.user, 3, 30, "NL"); err != nil {
		t.Fatalf("first CreateSubscription() error = %v", err)
	}
	if err := env.svc.CreateSubscription(ctx, env.user, 5, 60, "NL"); err != nil {
		t.Fatalf("second CreateSubscription() error = %v", err)
	}

	panel := env.panels["http://nl1.example.com:2053"]
	if panel.Adds != 1 {
		t.Errorf("panel adds = %d, want 1 (repeat purchase must update, not re-create)", panel.Adds)
	}
	client := panel.Client("100")
	if client.LimitIP != 5 {
		t.Errorf("limit_ip = %d, want 5 after repeat purchase", client.LimitIP)
	}
	expiryWithin(t, client.ExpiryTime, 60)
}

func TestCreateSubscriptionMigratesOnLocationChange(t *testing.T) {
	env := setupTestService(t, nil, nlServer(), deServer())
	ctx := context.Background()

	if err := env.svc.CreateSubscription(ctx, env.user, 3, 30, "NL"); err != nil {
		t.Fatalf("CreateSubscription(NL) error = %v", err)
	}
	if err := env.svc.CreateSubscription(ctx, env.user, 3, 30, "DE"); err != nil {
		t.Fatalf("CreateSubscription(DE) error = %v", err)
	}

	if env.panels["http://nl1.example.com:2053"].ClientCount() != 0 {
		t.Error("client left behind on old server after migration")
	}
	if env.panels["http://de1.example.com:2053"].Client("100") == nil {
		t.Fatal("client not created on destination server")
	}

	server, err := env.repo.GetServerByID(*env.user.ServerID)
	if err != nil || server == nil {
		t.Fatalf("GetServerByID() error = %v", err)
	}
	if server.Location != "DE" {
		t.Errorf("user assigned to %s, want DE", server.Location)
	}
}

func TestExtendSubscriptionAdditive(t *testing.T) {
	env := setupTestService(t, nil, nlServer())
	ctx := context.Background()

	if err := env.svc.CreateSubscription(ctx, env.user, 3, 30, "NL"); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if err := env.svc.ExtendSubscription(ctx, env.user, 3, 15); err != nil {
		t.Fatalf("ExtendSubscription() error = %v", err)
	}

	client := env.panels["http://nl1.example.com:2053"].Client("100")
	expiryWithin(t, client.ExpiryTime, 45)
}

func TestGiftTrial(t *testing.T) {
	cfg := &config.Config{TrialEnabled: true, TrialPeriodDays: 3, BonusDevices: 1}
	env := setupTestService(t, cfg, nlServer())
	ctx := context.Background()

	if !env.svc.IsTrialAvailable(ctx, env.user) {
		t.Fatal("IsTrialAvailable() = false for a fresh user")
	}

	if err := env.svc.GiftTrial(ctx, env.user); err != nil {
		t.Fatalf("GiftTrial() error = %v", err)
	}

	if !env.user.TrialUsed {
		t.Error("trial flag not set after gifting")
	}
	stored, _ := env.repo.GetUserByTgID(100)
	if !stored.TrialUsed {
		t.Error("trial flag not persisted")
	}

	client := env.panels["http://nl1.example.com:2053"].Client("100")
	if client == nil {
		t.Fatal("trial client not created")
	}
	expiryWithin(t, client.ExpiryTime, 3)

	if err := env.svc.GiftTrial(ctx, env.user); !errors.Is(err, ErrTrialUnavailable) {
		t.Errorf("second GiftTrial() error = %v, want ErrTrialUnavailable", err)
	}
}

func TestGiftTrialRollsBackOnFailure(t *testing.T) {
	// серверов нет - провижининг обречен
	cfg := &config.Config{TrialEnabled: true, TrialPeriodDays: 3, BonusDevices: 1}
	env := setupTestService(t, cfg)
	ctx := context.Background()

	if err := env.svc.GiftTrial(ctx, env.user); err == nil {
		t.Fatal("GiftTrial() expected error when no server is available")
	}

	if env.user.TrialUsed {
		t.Error("trial flag not rolled back after failed provisioning")
	}
	stored, _ := env.repo.GetUserByTgID(100)
	if stored.TrialUsed {
		t.Error("persisted trial flag not rolled back")
	}
	if env.svc.IsTrialAvailable(ctx, env.user) == false {
		t.Error("trial must stay available after rollback")
	}
}

func TestActivatePromocode(t *testing.T) {
	env := setupTestService(t, nil, nlServer())
	ctx := context.Background()

	if err := env.repo.DB().Create(&db.Promocode{Code: "BONUS7", DurationDays: 7}).Error; err != nil {
		t.Fatalf("failed to create promocode: %v", err)
	}

	if err := env.svc.CreateSubscription(ctx, env.user, 3, 30, "NL"); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if err := env.svc.ActivatePromocode(ctx, env.user, "BONUS7"); err != nil {
		t.Fatalf("ActivatePromocode() error = %v", err)
	}

	client := env.panels["http://nl1.example.com:2053"].Client("100")
	expiryWithin(t, client.ExpiryTime, 37)
	if client.LimitIP != 3 {
		t.Errorf("limit_ip = %d, want preserved 3", client.LimitIP)
	}

	promo, _ := env.repo.GetPromocode("BONUS7")
	if promo == nil || !promo.Used {
		t.Error("promocode not marked as used")
	}
	if err := env.svc.ActivatePromocode(ctx, env.user, "BONUS7"); !errors.Is(err, ErrPromocodeInvalid) {
		t.Errorf("re-activation error = %v, want ErrPromocodeInvalid", err)
	}
}

func TestActivatePromocodeUnknownCode(t *testing.T) {
	env := setupTestService(t, nil, nlServer())
	ctx := context.Background()

	if err := env.svc.CreateSubscription(ctx, env.user, 3, 30, "NL"); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if err := env.svc.ActivatePromocode(ctx, env.user, "NOPE"); !errors.Is(err, ErrPromocodeInvalid) {
		t.Errorf("ActivatePromocode() error = %v, want ErrPromocodeInvalid", err)
	}
}
