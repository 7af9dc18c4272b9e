package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/saher228/3xui-shop/internal/db"
	"github.com/saher228/3xui-shop/internal/notify"
	"github.com/saher228/3xui-shop/internal/pool"
	"github.com/saher228/3xui-shop/internal/vpn"
)

type Scheduler struct {
	cron     *cron.Cron
	repo     *db.Repository
	pool     *pool.Pool
	vpn      *vpn.Service
	notifier *notify.Notifier
}

func New(repo *db.Repository, p *pool.Pool, vpnSvc *vpn.Service, notifier *notify.Notifier) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		repo:     repo,
		pool:     p,
		vpn:      vpnSvc,
		notifier: notifier,
	}
}

func (s *Scheduler) Start() error {
	// Cron-задача: синхронизация пула серверов (каждые 5 минут)
	if _, err := s.cron.AddFunc("*/5 * * * *", s.syncPool); err != nil {
		return fmt.Errorf("failed to add pool sync job: %w", err)
	}

	// Cron-задача: повтор отложенных зачисток зомби-клиентов (каждые 10 минут)
	if _, err := s.cron.AddFunc("*/10 * * * *", s.retryCleanupTasks); err != nil {
		return fmt.Errorf("failed to add cleanup retry job: %w", err)
	}

	// Cron-задача: отключение истекших клиентов (ежедневно в 00:10)
	if _, err := s.cron.AddFunc("10 0 * * *", s.disableExpiredClients); err != nil {
		return fmt.Errorf("failed to add expired clients job: %w", err)
	}

	s.cron.Start()
	slog.Info("Cron scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	slog.Info("Cron scheduler stopped")
}

// syncPool переподключает пул и сообщает админу о выпавших серверах.
func (s *Scheduler) syncPool() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := s.pool.SyncServers(ctx); err != nil {
		slog.Error("Scheduled pool sync failed", "error", err)
		s.notifier.Alert(fmt.Sprintf("Синхронизация пула серверов не удалась: %v", err))
		return
	}

	online, total := s.pool.Stats()
	if online < total {
		s.notifier.Alert(fmt.Sprintf("Серверы офлайн: %d из %d недоступны", total-online, total))
	}
	slog.Info("Scheduled pool sync completed", "online", online, "total", total)
}

// retryCleanupTasks добивает зомби-клиентов, которых не удалось удалить
// при миграции.
func (s *Scheduler) retryCleanupTasks() {
	tasks, err := s.repo.PendingCleanupTasks()
	if err != nil {
		slog.Error("Error fetching pending cleanup tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	slog.Info("Retrying pending cleanup tasks", "count", len(tasks))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	done := 0
	for _, task := range tasks {
		if err := s.vpn.RunCleanupTask(ctx, task); err != nil {
			slog.Warn("Cleanup task still failing", "task_id", task.ID,
				"tg_id", task.UserTgID, "server_id", task.ServerID, "error", err)
			continue
		}
		if err := s.repo.CompleteCleanupTask(task.ID); err != nil {
			slog.Error("Failed to mark cleanup task done", "task_id", task.ID, "error", err)
			continue
		}
		done++
	}

	if done > 0 {
		s.notifier.Report(fmt.Sprintf("🗑 Зачистка зомби-клиентов: выполнено %d из %d", done, len(tasks)))
	}
}

// disableExpiredClients выключает на панелях клиентов с истекшим сроком.
func (s *Scheduler) disableExpiredClients() {
	slog.Info("Running expired clients sweep...")

	var users []db.User
	if err := s.repo.DB().Where("server_id IS NOT NULL AND vpn_id != ''").Find(&users).Error; err != nil {
		slog.Error("Error fetching provisioned users", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	disabled := 0
	for i := range users {
		user := &users[i]

		data, err := s.vpn.GetClientData(ctx, user)
		if err != nil || !data.HasExpired() || !data.Enabled {
			continue
		}

		if err := s.vpn.DisableClient(ctx, user); err != nil {
			slog.Error("Failed to disable expired client", "tg_id", user.TgID, "error", err)
			continue
		}
		disabled++
	}

	slog.Info("Expired clients sweep completed", "disabled", disabled)
	if disabled > 0 {
		s.notifier.Report(fmt.Sprintf("🕒 Автоматическая очистка: отключено %d истекших клиентов", disabled))
	}
}
