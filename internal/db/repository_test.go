package db

import "testing"

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return repo
}

func TestGetServerByIDMissingIsNil(t *testing.T) {
	repo := setupTestRepo(t)

	server, err := repo.GetServerByID(42)
	if err != nil {
		t.Fatalf("GetServerByID() error = %v", err)
	}
	if server != nil {
		t.Errorf("server = %+v, want nil for missing id", server)
	}
}

func TestCurrentClientsSubquery(t *testing.T) {
	repo := setupTestRepo(t)

	server := Server{Name: "nl-1", Host: "http://nl1.example.com", Location: "NL", MaxClients: 10}
	if err := repo.DB().Create(&server).Error; err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	for tgID := int64(1); tgID <= 3; tgID++ {
		if err := repo.DB().Create(&User{TgID: tgID, ServerID: &server.ID}).Error; err != nil {
			t.Fatalf("failed to create user: %v", err)
		}
	}
	// пользователь без назначения не учитывается
	if err := repo.DB().Create(&User{TgID: 99}).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	got, err := repo.GetServerByID(server.ID)
	if err != nil {
		t.Fatalf("GetServerByID() error = %v", err)
	}
	if got.CurrentClients != 3 {
		t.Errorf("current_clients = %d, want 3", got.CurrentClients)
	}
}

func TestCleanupTaskLifecycle(t *testing.T) {
	repo := setupTestRepo(t)

	if err := repo.AddCleanupTask(CleanupTask{UserTgID: 100, ServerID: 1, VpnID: "uuid-1", Reason: "migration"}); err != nil {
		t.Fatalf("AddCleanupTask() error = %v", err)
	}

	tasks, err := repo.PendingCleanupTasks()
	if err != nil {
		t.Fatalf("PendingCleanupTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(tasks))
	}

	if err := repo.CompleteCleanupTask(tasks[0].ID); err != nil {
		t.Fatalf("CompleteCleanupTask() error = %v", err)
	}
	tasks, err = repo.PendingCleanupTasks()
	if err != nil {
		t.Fatalf("PendingCleanupTasks() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("pending tasks after completion = %d, want 0", len(tasks))
	}
}

func TestMarkPromocodeUsed(t *testing.T) {
	repo := setupTestRepo(t)

	if err := repo.DB().Create(&Promocode{Code: "BONUS7", DurationDays: 7}).Error; err != nil {
		t.Fatalf("failed to create promocode: %v", err)
	}

	if err := repo.MarkPromocodeUsed("BONUS7", 100); err != nil {
		t.Fatalf("MarkPromocodeUsed() error = %v", err)
	}

	promo, err := repo.GetPromocode("BONUS7")
	if err != nil {
		t.Fatalf("GetPromocode() error = %v", err)
	}
	if promo == nil || !promo.Used {
		t.Fatalf("promocode = %+v, want used", promo)
	}
	if promo.UsedBy == nil || *promo.UsedBy != 100 {
		t.Errorf("used_by = %v, want 100", promo.UsedBy)
	}
}
