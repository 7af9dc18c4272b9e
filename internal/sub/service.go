package sub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/saher228/3xui-shop/internal/config"
	"github.com/saher228/3xui-shop/internal/db"
	"github.com/saher228/3xui-shop/internal/pool"
	"github.com/saher228/3xui-shop/internal/vpn"
)

var (
	// ErrTrialUnavailable - пробный период недоступен пользователю
	ErrTrialUnavailable = errors.New("trial is not available")
	// ErrPromocodeInvalid - промокод не найден или уже использован
	ErrPromocodeInvalid = errors.New("promocode is invalid or already used")
)

type ServerDirectory interface {
	GetServerByID(id uint) (*db.Server, error)
}

type UserStore interface {
	UpdateUserTrialUsed(tgID int64, used bool) error
}

type PromoStore interface {
	GetPromocode(code string) (*db.Promocode, error)
	MarkPromocodeUsed(code string, tgID int64) error
}

// Service - тонкий слой оркестровки поверх движка: выбирает между
// созданием, обновлением и миграцией, следит за бизнес-инвариантами
// (пробный период, промокоды). Нового алгоритмического содержания нет.
type Service struct {
	cfg    *config.Config
	vpn    *vpn.Service
	pool   *pool.Pool
	dir    ServerDirectory
	users  UserStore
	promos PromoStore
}

func New(cfg *config.Config, vpnSvc *vpn.Service, p *pool.Pool, dir ServerDirectory, users UserStore, promos PromoStore) *Service {
	return &Service{
		cfg:    cfg,
		vpn:    vpnSvc,
		pool:   p,
		dir:    dir,
		users:  users,
		promos: promos,
	}
}

// CreateSubscription оформляет подписку: для нового пользователя - создание
// клиента, для существующего - обновление на том же сервере либо миграция
// при смене локации.
func (s *Service) CreateSubscription(ctx context.Context, user *db.User, devices, duration int, location string) error {
	slog.Info("Processing subscription creation", "tg_id", user.TgID, "location", location)

	existing, err := s.vpn.IsClientExists(ctx, user)
	if err != nil && !errors.Is(err, vpn.ErrNotFound) {
		return err
	}

	if existing == nil {
		return s.vpn.CreateClient(ctx, user, vpn.CreateOptions{
			Devices:  devices,
			Duration: duration,
			Location: location,
			Enable:   true,
		})
	}

	current, err := s.currentServer(user)
	if err != nil {
		return err
	}

	if location != "" && current != nil && current.Location != location {
		slog.Info("Migrating user to new location", "tg_id", user.TgID,
			"from", current.Location, "to", location)
		return s.migrateAndCreate(ctx, user, devices, duration, location, true)
	}

	slog.Info("Reactivating subscription on the same server", "tg_id", user.TgID)
	enable := true
	return s.vpn.UpdateClient(ctx, user, vpn.UpdateOptions{
		Devices:         &devices,
		Duration:        &duration,
		ReplaceDevices:  true,
		ReplaceDuration: true,
		Enable:          &enable,
	})
}

// ExtendSubscription продлевает срок: дни прибавляются к неистекшему
// остатку, лимит устройств заменяется.
func (s *Service) ExtendSubscription(ctx context.Context, user *db.User, devices, duration int) error {
	return s.vpn.UpdateClient(ctx, user, vpn.UpdateOptions{
		Devices:         &devices,
		Duration:        &duration,
		ReplaceDevices:  true,
		ReplaceDuration: false,
	})
}

// ChangeSubscription меняет параметры подписки; смена локации выполняется
// миграцией с сохранением признака активности.
func (s *Service) ChangeSubscription(ctx context.Context, user *db.User, devices, duration int, location string) error {
	slog.Info("Changing subscription", "tg_id", user.TgID,
		"devices", devices, "duration", duration, "location", location)

	current, err := s.currentServer(user)
	if err != nil {
		return err
	}

	if location != "" && current != nil && current.Location != location {
		data, err := s.vpn.GetClientData(ctx, user)
		if err != nil {
			slog.Error("Cannot get current client data to migrate", "tg_id", user.TgID, "error", err)
			return err
		}
		return s.migrateAndCreate(ctx, user, devices, duration, location, !data.HasExpired())
	}

	return s.vpn.UpdateClient(ctx, user, vpn.UpdateOptions{
		Devices:         &devices,
		Duration:        &duration,
		ReplaceDevices:  true,
		ReplaceDuration: false,
	})
}

// migrateAndCreate - ветка смены локации: зачистка старого сервера
// best-effort, назначение нового - обязательное, создание на новом -
// фатальное при неудаче.
func (s *Service) migrateAndCreate(ctx context.Context, user *db.User, devices, duration int, location string, enable bool) error {
	oldServerID := user.ServerID
	oldVpnID := user.VpnID

	if err := s.pool.AssignServerToUser(ctx, user, location); err != nil {
		slog.Error("Failed to assign server in new location", "tg_id", user.TgID, "location", location)
		return err
	}

	if oldServerID != nil && *oldServerID != *user.ServerID && oldVpnID != "" {
		doomed := &db.User{TgID: user.TgID, VpnID: oldVpnID}
		if err := s.vpn.DeleteClient(ctx, doomed, oldServerID); err != nil {
			slog.Warn("Failed to delete client from old server, a zombie may be left",
				"tg_id", user.TgID, "server_id", *oldServerID, "error", err)
		}
	}

	// остаточная запись на сервере назначения помешает созданию
	if zombie, err := s.vpn.IsClientExists(ctx, user); err == nil && zombie != nil {
		slog.Warn("Found zombie client on destination server, deleting", "tg_id", user.TgID)
		doomed := &db.User{TgID: user.TgID, VpnID: zombie.ID, ServerID: user.ServerID}
		if err := s.vpn.DeleteClient(ctx, doomed, nil); err != nil {
			slog.Error("Failed to delete zombie from destination, creation might fail",
				"tg_id", user.TgID, "error", err)
		}
	}

	return s.vpn.CreateClient(ctx, user, vpn.CreateOptions{
		Devices:  devices,
		Duration: duration,
		Location: location,
		Enable:   enable,
	})
}

// ProcessBonusDays начисляет бонусные дни: добавлением к существующему
// клиенту или созданием нового.
func (s *Service) ProcessBonusDays(ctx context.Context, user *db.User, duration, devices int) error {
	existing, err := s.vpn.IsClientExists(ctx, user)
	if err != nil && !errors.Is(err, vpn.ErrNotFound) {
		return err
	}

	if existing != nil {
		if err := s.vpn.UpdateClient(ctx, user, vpn.UpdateOptions{
			Devices:         &devices,
			Duration:        &duration,
			ReplaceDevices:  true,
			ReplaceDuration: false,
		}); err != nil {
			return err
		}
		slog.Info("Added bonus days to existing client", "tg_id", user.TgID, "days", duration)
		return nil
	}

	if err := s.vpn.CreateClient(ctx, user, vpn.CreateOptions{
		Devices:  devices,
		Duration: duration,
		Enable:   true,
	}); err != nil {
		return err
	}
	slog.Info("Created client with bonus days", "tg_id", user.TgID, "days", duration)
	return nil
}

// IsTrialAvailable проверяет право на пробный период: он включен,
// не использован и у пользователя еще нет клиента.
func (s *Service) IsTrialAvailable(ctx context.Context, user *db.User) bool {
	if !s.cfg.TrialEnabled || user.TrialUsed {
		return false
	}

	existing, err := s.vpn.IsClientExists(ctx, user)
	if err == nil && existing != nil {
		return false
	}
	return true
}

// GiftTrial выдает пробный период. Флаг использования выставляется до
// провижининга и откатывается при его неудаче.
func (s *Service) GiftTrial(ctx context.Context, user *db.User) error {
	if !s.IsTrialAvailable(ctx, user) {
		slog.Warn("Trial period is not available", "tg_id", user.TgID)
		return ErrTrialUnavailable
	}

	if err := s.users.UpdateUserTrialUsed(user.TgID, true); err != nil {
		slog.Error("Failed to update trial status", "tg_id", user.TgID, "error", err)
		return err
	}
	user.TrialUsed = true

	slog.Info("Gifting trial period", "tg_id", user.TgID, "days", s.cfg.TrialPeriodDays)
	if err := s.ProcessBonusDays(ctx, user, s.cfg.TrialPeriodDays, s.cfg.BonusDevices); err != nil {
		if rbErr := s.users.UpdateUserTrialUsed(user.TgID, false); rbErr != nil {
			slog.Error("Failed to roll back trial status", "tg_id", user.TgID, "error", rbErr)
		} else {
			user.TrialUsed = false
		}
		slog.Warn("Failed to apply trial period", "tg_id", user.TgID, "error", err)
		return err
	}

	slog.Info("Trial period granted", "tg_id", user.TgID, "days", s.cfg.TrialPeriodDays)
	return nil
}

// ActivatePromocode начисляет дни промокода действующей подписке.
func (s *Service) ActivatePromocode(ctx context.Context, user *db.User, code string) error {
	promo, err := s.promos.GetPromocode(code)
	if err != nil {
		return err
	}
	if promo == nil || promo.Used {
		return fmt.Errorf("%w: %s", ErrPromocodeInvalid, code)
	}

	data, err := s.vpn.GetClientData(ctx, user)
	if err != nil {
		slog.Error("Failed to activate promocode: no client data", "tg_id", user.TgID, "error", err)
		return err
	}
	if data.HasExpired() {
		slog.Error("Failed to activate promocode: subscription expired", "tg_id", user.TgID)
		return fmt.Errorf("%w: subscription expired", ErrPromocodeInvalid)
	}

	devices := data.MaxDevices
	if devices == -1 {
		devices = 0
	}

	if err := s.ProcessBonusDays(ctx, user, promo.DurationDays, devices); err != nil {
		return err
	}

	if err := s.promos.MarkPromocodeUsed(code, user.TgID); err != nil {
		slog.Error("Promocode applied but not marked as used", "code", code, "error", err)
		return err
	}

	slog.Info("Promocode activated", "tg_id", user.TgID, "code", code, "days", promo.DurationDays)
	return nil
}

func (s *Service) currentServer(user *db.User) (*db.Server, error) {
	if user.ServerID == nil {
		return nil, nil
	}
	return s.dir.GetServerByID(*user.ServerID)
}
