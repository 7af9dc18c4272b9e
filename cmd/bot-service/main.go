package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/saher228/3xui-shop/internal/config"
	"github.com/saher228/3xui-shop/internal/db"
	"github.com/saher228/3xui-shop/internal/health"
	"github.com/saher228/3xui-shop/internal/notify"
	"github.com/saher228/3xui-shop/internal/pool"
	"github.com/saher228/3xui-shop/internal/scheduler"
	"github.com/saher228/3xui-shop/internal/vpn"
)

func main() {
	// Настраиваем структурированное логирование
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: true,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting bot-service", "version", "1.0.0", "pid", os.Getpid())

	// Загружаем конфигурацию
	cfg := config.Load()
	slog.Info("Configuration loaded",
		"db_dsn", cfg.DBDsn,
		"health_addr", cfg.HealthAddr,
		"priority_server", cfg.PriorityServerName,
		"trial_enabled", cfg.TrialEnabled,
		"has_bot_token", cfg.BotToken != "",
		"has_xui_credentials", cfg.XUIUsername != "",
	)

	// Инициализируем репозиторий
	repo, err := db.NewRepository(cfg.DBDsn)
	if err != nil {
		slog.Error("Failed to initialize database repository", "error", err, "dsn", cfg.DBDsn)
		os.Exit(1)
	}
	slog.Info("Database repository initialized successfully")

	// Выполняем миграции
	if err := repo.AutoMigrate(); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations completed successfully")

	// Собираем сервисы: пул подключений, движок провижининга
	serverPool := pool.New(cfg, repo, repo, nil)
	vpnService := vpn.New(cfg, serverPool, repo, repo, repo)

	notifier := notify.New(cfg)

	// Первичная синхронизация пула при старте
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serverPool.SyncServers(ctx); err != nil {
		slog.Warn("Initial pool sync failed, continuing", "error", err)
	}
	online, total := serverPool.Stats()
	slog.Info("Initial pool sync completed", "online", online, "total", total)

	// Создаем планировщик
	sched := scheduler.New(repo, serverPool, vpnService, notifier)
	if err := sched.Start(); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		slog.Warn("Continuing without scheduler - background tasks will not work")
	} else {
		defer func() {
			slog.Info("Stopping scheduler")
			sched.Stop()
		}()
	}

	// Создаем health сервер
	healthServer := health.NewServer(cfg.HealthAddr, serverPool)
	go func() {
		slog.Info("Starting health server")
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server failed", "error", err)
		}
	}()
	defer func() {
		slog.Info("Stopping health server")
		if err := healthServer.Stop(); err != nil {
			slog.Error("Failed to stop health server", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Bot service shutdown completed")
}
