package vpn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saher228/3xui-shop/internal/config"
	"github.com/saher228/3xui-shop/internal/db"
	"github.com/saher228/3xui-shop/internal/gates/xui"
	"github.com/saher228/3xui-shop/internal/pool"
)

const lockStripes = 64

// ServerDirectory - чтение серверов из БД
type ServerDirectory interface {
	GetServerByID(id uint) (*db.Server, error)
}

// UserStore - запись идентификатора VPN-клиента пользователя
type UserStore interface {
	UpdateUserVpnID(tgID int64, vpnID string) error
}

// CleanupStore - регистрация отложенных задач зачистки
type CleanupStore interface {
	AddCleanupTask(task db.CleanupTask) error
}

// Service - движок управления клиентскими записями на удаленных панелях.
// Создание, обновление, удаление и миграция клиента между серверами с
// согласованием локального состояния пользователя.
type Service struct {
	cfg     *config.Config
	pool    *pool.Pool
	dir     ServerDirectory
	users   UserStore
	cleanup CleanupStore

	now func() time.Time

	// Страйп-блокировки по tg_id: два конкурентных потока одного
	// пользователя не должны гонять create/update/migrate параллельно.
	locks [lockStripes]sync.Mutex
}

func New(cfg *config.Config, p *pool.Pool, dir ServerDirectory, users UserStore, cleanup CleanupStore) *Service {
	return &Service{
		cfg:     cfg,
		pool:    p,
		dir:     dir,
		users:   users,
		cleanup: cleanup,
		now:     time.Now,
	}
}

func (s *Service) lockUser(tgID int64) func() {
	m := &s.locks[uint64(tgID)%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *Service) nowMS() int64 {
	return s.now().UnixMilli()
}

func email(user *db.User) string {
	return strconv.FormatInt(user.TgID, 10)
}

// IsClientExists - канонический признак существования клиента: скан всех
// inbound-ов по полю email. Поля трафика здесь могут быть несвежими,
// за точными значениями нужно идти в GetClientData.
func (s *Service) IsClientExists(ctx context.Context, user *db.User) (*xui.Client, error) {
	conn, err := s.pool.GetConnection(ctx, user)
	if err != nil {
		if errors.Is(err, pool.ErrNotAssigned) || errors.Is(err, pool.ErrAssignmentBroken) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	client, _, err := s.findClient(ctx, conn, user)
	return client, err
}

func (s *Service) findClient(ctx context.Context, conn *pool.Connection, user *db.User) (*xui.Client, int, error) {
	inbounds, err := conn.API.ListInbounds(ctx)
	if err != nil {
		slog.Error("Failed to fetch inbounds", "tg_id", user.TgID, "server", conn.Server.Name, "error", err)
		return nil, 0, fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}
	if len(inbounds) == 0 {
		slog.Error("No inbounds found on server", "server", conn.Server.Name)
		return nil, 0, fmt.Errorf("%w: server %s has no inbounds", ErrRemoteFault, conn.Server.Name)
	}

	target := email(user)
	for _, inbound := range inbounds {
		for _, client := range inbound.Settings.Clients {
			if client.Email == target {
				clone := client
				return &clone, inbound.ID, nil
			}
		}
	}

	return nil, 0, fmt.Errorf("%w: client %s not in any inbound on %s", ErrNotFound, target, conn.Server.Name)
}

// GetClientData забирает точную статистику клиента и переводит ее в
// снимок с сентинелами: 0 в лимите устройств и бессрочности становится -1.
func (s *Service) GetClientData(ctx context.Context, user *db.User) (*ClientData, error) {
	conn, err := s.pool.GetConnection(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	traffic, err := conn.API.GetClientByEmail(ctx, email(user))
	if err != nil {
		slog.Error("Error retrieving client data", "tg_id", user.TgID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}
	if traffic == nil {
		slog.Error("Client not found on server", "tg_id", user.TgID, "server", conn.Server.Name)
		return nil, fmt.Errorf("%w: client %d on %s", ErrNotFound, user.TgID, conn.Server.Name)
	}

	limitIP := 0
	if client, _, err := s.findClient(ctx, conn, user); err == nil {
		limitIP = client.LimitIP
	}

	maxDevices := limitIP
	if maxDevices == 0 {
		maxDevices = -1
	}

	expiry := traffic.ExpiryTime
	if expiry == 0 {
		expiry = -1
	}

	total := traffic.Total
	used := traffic.Up + traffic.Down
	remaining := int64(-1)
	if total > 0 {
		remaining = total - used
	} else {
		total = -1
	}

	data := &ClientData{
		MaxDevices:       maxDevices,
		TrafficTotal:     total,
		TrafficRemaining: remaining,
		TrafficUsed:      used,
		TrafficUp:        traffic.Up,
		TrafficDown:      traffic.Down,
		ExpiryTimestamp:  expiry,
		ExpiryText:       formatRemainingTime(expiry),
		Enabled:          traffic.Enable,
	}
	slog.Debug("Retrieved client data", "tg_id", user.TgID, "data", data.String())
	return data, nil
}

// GetKey строит URI подключения из первого inbound-а сервера пользователя:
// protocol://vpn_id@host:port?type=network&security=security#label
func (s *Service) GetKey(ctx context.Context, user *db.User) (string, error) {
	if user.ServerID == nil {
		slog.Debug("User has no assigned server for key generation", "tg_id", user.TgID)
		return "", fmt.Errorf("%w: user %d has no server", ErrNotFound, user.TgID)
	}

	server, err := s.dir.GetServerByID(*user.ServerID)
	if err != nil {
		return "", err
	}
	if server == nil {
		slog.Error("Server not found for key generation", "server_id", *user.ServerID, "tg_id", user.TgID)
		return "", fmt.Errorf("%w: server %d", ErrNotFound, *user.ServerID)
	}

	conn, err := s.pool.GetConnection(ctx, user)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	inbounds, err := conn.API.ListInbounds(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}
	if len(inbounds) == 0 {
		slog.Error("No inbounds found on server for key generation", "server", server.Name)
		return "", fmt.Errorf("%w: server %s has no inbounds", ErrRemoteFault, server.Name)
	}

	inbound := inbounds[0]
	network := inbound.StreamSettings.Network
	if network == "" {
		network = "tcp"
	}
	security := inbound.StreamSettings.Security
	if security == "" {
		security = "none"
	}

	host := server.Host
	if parsed, err := url.Parse(server.Host); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	}

	remark := fmt.Sprintf("%s-%d", s.cfg.KeyRemarkPrefix, user.TgID)
	key := fmt.Sprintf("%s://%s@%s:%d?type=%s&security=%s#%s",
		inbound.Protocol, user.VpnID, host, inbound.Port, network, security, url.QueryEscape(remark))

	slog.Debug("Generated key", "tg_id", user.TgID)
	return key, nil
}

// CreateOptions - параметры создания клиента. Duration в днях, 0 означает
// бессрочную подписку. ExpiryOverrideMS (>0) задает точный момент истечения
// вместо пересчета из Duration - используется миграцией.
type CreateOptions struct {
	Devices          int
	Duration         int
	Location         string
	Enable           bool
	Flow             string
	TotalGB          int64
	ExpiryOverrideMS int64
}

// CreateClient создает клиента на назначенном (или только что выбранном)
// сервере. Повторный вызов для существующего клиента уходит в ветку
// обновления, а не плодит дубликат.
func (s *Service) CreateClient(ctx context.Context, user *db.User, opts CreateOptions) error {
	defer s.lockUser(user.TgID)()
	return s.createClient(ctx, user, opts)
}

func (s *Service) createClient(ctx context.Context, user *db.User, opts CreateOptions) error {
	slog.Info("Creating client", "tg_id", user.TgID, "location", opts.Location)

	if user.ServerID == nil {
		if err := s.pool.AssignServerToUser(ctx, user, opts.Location); err != nil {
			return err
		}
	}

	conn, err := s.pool.GetConnection(ctx, user)
	if err != nil {
		slog.Error("Failed to get connection to assigned server", "tg_id", user.TgID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	existing, _, err := s.findClient(ctx, conn, user)
	switch {
	case err == nil:
		// идемпотентный повторный вход: обновление вместо создания
		slog.Info("Client already exists, updating instead", "tg_id", user.TgID)
		devices, duration, enable := opts.Devices, opts.Duration, true
		if err := s.updateClient(ctx, user, UpdateOptions{
			Devices:         &devices,
			Duration:        &duration,
			ReplaceDevices:  true,
			ReplaceDuration: true,
			Enable:          &enable,
		}); err != nil {
			return err
		}
		if existing.ID != "" && existing.ID != user.VpnID {
			if err := s.users.UpdateUserVpnID(user.TgID, existing.ID); err != nil {
				return err
			}
			user.VpnID = existing.ID
		}
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}

	// скан inbound-ов клиента не нашел; проверяем зомби по прямой выборке
	if traffic, err := conn.API.GetClientByEmail(ctx, email(user)); err != nil {
		slog.Warn("Zombie check failed, proceeding with create", "tg_id", user.TgID, "error", err)
	} else if traffic != nil {
		s.deleteZombie(ctx, conn, user)
	}

	clientID := uuid.NewString()

	expiry := int64(0)
	switch {
	case opts.ExpiryOverrideMS > 0:
		expiry = opts.ExpiryOverrideMS
	case opts.Duration > 0:
		expiry = addDaysToTimestamp(s.nowMS(), opts.Duration)
	}

	client := xui.Client{
		ID:         clientID,
		Email:      email(user),
		Enable:     opts.Enable,
		Flow:       opts.Flow,
		LimitIP:    opts.Devices,
		TotalGB:    opts.TotalGB,
		ExpiryTime: expiry,
	}

	inbounds, err := conn.API.ListInbounds(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}
	if len(inbounds) == 0 {
		slog.Error("No inbounds found to create the client in", "server", conn.Server.Name)
		return fmt.Errorf("%w: server %s has no inbounds", ErrRemoteFault, conn.Server.Name)
	}

	if err := conn.API.AddClient(ctx, inbounds[0].ID, client); err != nil {
		slog.Error("Error creating client", "tg_id", user.TgID, "server", conn.Server.Name, "error", err)
		return fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}

	if err := s.users.UpdateUserVpnID(user.TgID, clientID); err != nil {
		slog.Error("Client created remotely but vpn_id not persisted", "tg_id", user.TgID, "error", err)
		return err
	}
	user.VpnID = clientID

	slog.Info("Client created", "tg_id", user.TgID, "server", conn.Server.Name, "inbound", inbounds[0].ID)
	return nil
}

// deleteZombie убирает остаточную запись, найденную прямой выборкой,
// но отсутствующую в списке клиентов inbound-ов.
func (s *Service) deleteZombie(ctx context.Context, conn *pool.Connection, user *db.User) {
	slog.Warn("Found a zombie client, deleting before create", "tg_id", user.TgID, "server", conn.Server.Name)

	if user.VpnID == "" {
		slog.Error("Cannot delete zombie client: vpn_id is not set", "tg_id", user.TgID)
		return
	}

	inbounds, err := conn.API.ListInbounds(ctx)
	if err != nil || len(inbounds) == 0 {
		slog.Error("Cannot delete zombie client: no inbounds", "tg_id", user.TgID, "error", err)
		return
	}

	if err := conn.API.DeleteClient(ctx, inbounds[0].ID, user.VpnID); err != nil {
		slog.Error("Failed to delete zombie client", "tg_id", user.TgID, "error", err)
		return
	}
	slog.Info("Zombie client deleted", "tg_id", user.TgID, "inbound", inbounds[0].ID)
}

// UpdateOptions - параметры обновления. nil-поля не меняются.
// Duration == 0 делает подписку бессрочной; положительный Duration при
// ReplaceDuration отсчитывается от текущего момента, без ReplaceDuration -
// прибавляется к еще не истекшему сроку (истекший срок не досчитывается).
// Количество устройств меняется только целиком при ReplaceDevices.
type UpdateOptions struct {
	Devices         *int
	Duration        *int
	ReplaceDevices  bool
	ReplaceDuration bool
	Enable          *bool
	Flow            string
	TotalGB         *int64
}

// UpdateClient обновляет существующего клиента. Отсутствие клиента на
// сервере здесь жесткая ошибка, в отличие от CreateClient.
func (s *Service) UpdateClient(ctx context.Context, user *db.User, opts UpdateOptions) error {
	defer s.lockUser(user.TgID)()
	return s.updateClient(ctx, user, opts)
}

func (s *Service) updateClient(ctx context.Context, user *db.User, opts UpdateOptions) error {
	slog.Info("Updating client", "tg_id", user.TgID)

	conn, err := s.pool.GetConnection(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	existing, inboundID, err := s.findClient(ctx, conn, user)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Error("Client not found in any inbound for update", "tg_id", user.TgID)
		}
		return err
	}

	updated := *existing
	if opts.Enable != nil {
		updated.Enable = *opts.Enable
	}
	if opts.Flow != "" {
		updated.Flow = opts.Flow
	}
	if opts.ReplaceDevices && opts.Devices != nil {
		updated.LimitIP = *opts.Devices
	}
	if opts.TotalGB != nil {
		updated.TotalGB = *opts.TotalGB
	}

	if opts.Duration != nil {
		duration := *opts.Duration
		if duration == 0 {
			updated.ExpiryTime = 0
		} else {
			nowMS := s.nowMS()
			base := existing.ExpiryTime
			if base <= nowMS {
				base = nowMS
			}
			if opts.ReplaceDuration {
				updated.ExpiryTime = addDaysToTimestamp(nowMS, duration)
			} else {
				updated.ExpiryTime = addDaysToTimestamp(base, duration)
			}
		}
	}

	if err := conn.API.UpdateClient(ctx, inboundID, existing.ID, updated); err != nil {
		slog.Error("Error updating client", "tg_id", user.TgID, "error", err)
		return fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}
	slog.Info("Client updated", "tg_id", user.TgID, "inbound", inboundID)

	// панель могла выдать клиенту другой id - чиним локальную запись
	if existing.ID != "" && existing.ID != user.VpnID {
		if err := s.users.UpdateUserVpnID(user.TgID, existing.ID); err != nil {
			slog.Error("Failed to persist corrected vpn_id", "tg_id", user.TgID, "error", err)
			return err
		}
		user.VpnID = existing.ID
		slog.Info("Corrected vpn_id persisted", "tg_id", user.TgID, "vpn_id", existing.ID)
	}
	return nil
}

// DeleteClient удаляет клиента с назначенного сервера либо с явно
// указанного (после миграции server_id пользователя уже смотрит на новый
// сервер). Отсутствие клиента считается успехом. Локальные server_id и
// vpn_id здесь не очищаются - это дело вызывающего потока.
func (s *Service) DeleteClient(ctx context.Context, user *db.User, serverOverride *uint) error {
	defer s.lockUser(user.TgID)()
	return s.deleteClient(ctx, user, serverOverride)
}

func (s *Service) deleteClient(ctx context.Context, user *db.User, serverOverride *uint) error {
	slog.Info("Deleting client", "tg_id", user.TgID, "vpn_id", user.VpnID)

	var (
		conn *pool.Connection
		err  error
	)
	switch {
	case serverOverride != nil:
		conn, err = s.pool.DirectConnection(ctx, *serverOverride)
	case user.ServerID != nil:
		conn, err = s.pool.GetConnection(ctx, user)
	default:
		slog.Warn("Cannot delete client: no server associated or provided", "tg_id", user.TgID)
		return fmt.Errorf("%w: no target server", ErrInvalidInput)
	}
	if err != nil {
		slog.Warn("Cannot delete client: no connection", "tg_id", user.TgID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	traffic, err := conn.API.GetClientByEmail(ctx, email(user))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}
	if traffic == nil {
		slog.Info("Client not found on server, nothing to delete", "tg_id", user.TgID, "server", conn.Server.Name)
		return nil
	}

	if user.VpnID == "" {
		return fmt.Errorf("%w: vpn_id is not set for user %d", ErrInvalidInput, user.TgID)
	}

	inbounds, err := conn.API.ListInbounds(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}
	if len(inbounds) == 0 {
		return fmt.Errorf("%w: server %s has no inbounds", ErrRemoteFault, conn.Server.Name)
	}

	if err := conn.API.DeleteClient(ctx, inbounds[0].ID, user.VpnID); err != nil {
		slog.Error("Error deleting client", "tg_id", user.TgID, "server", conn.Server.Name, "error", err)
		return fmt.Errorf("%w: %v", ErrRemoteFault, err)
	}

	slog.Info("Client deleted", "tg_id", user.TgID, "server", conn.Server.Name)
	return nil
}

// ChangeClientLocation переносит клиента на сервер новой локации с
// сохранением срока, состояния и лимита устройств. Двухфазный перенос без
// отката: неудача зачистки старого сервера терпима (фиксируется задачей
// зачистки), неудача создания на новом - фатальна для всей миграции.
func (s *Service) ChangeClientLocation(ctx context.Context, user *db.User, newLocation string, currentDevices int) error {
	defer s.lockUser(user.TgID)()

	slog.Info("Initiating location change", "tg_id", user.TgID, "location", newLocation)

	if user.ServerID == nil {
		slog.Warn("User has no server, cannot change location", "tg_id", user.TgID)
		return fmt.Errorf("%w: user %d has no server", ErrInvalidInput, user.TgID)
	}

	data, err := s.GetClientData(ctx, user)
	if err != nil {
		slog.Error("Could not get client data for location change", "tg_id", user.TgID, "error", err)
		return err
	}

	oldServerID := *user.ServerID
	oldVpnID := user.VpnID

	devices := currentDevices
	if devices == -1 {
		devices = 0
	}

	expiryOverride := int64(0)
	if data.ExpiryTimestamp > 0 {
		expiryOverride = data.ExpiryTimestamp
	}

	if err := s.pool.AssignServerToUser(ctx, user, newLocation); err != nil {
		slog.Warn("No server available in target location, location change failed",
			"tg_id", user.TgID, "location", newLocation)
		return err
	}

	if oldServerID != *user.ServerID && oldVpnID != "" {
		doomed := &db.User{TgID: user.TgID, VpnID: oldVpnID}
		if err := s.deleteClient(ctx, doomed, &oldServerID); err != nil {
			slog.Warn("Failed to delete client from old server, scheduling cleanup",
				"tg_id", user.TgID, "server_id", oldServerID, "error", err)
			s.recordCleanup(user.TgID, oldServerID, oldVpnID, "migration old-server delete failed")
		}
	}

	if err := s.createClient(ctx, user, CreateOptions{
		Devices:          devices,
		Location:         newLocation,
		Enable:           data.Enabled,
		ExpiryOverrideMS: expiryOverride,
	}); err != nil {
		slog.Error("Failed to create client on new server, migration failed",
			"tg_id", user.TgID, "server_id", *user.ServerID, "error", err)
		return err
	}

	slog.Info("Location changed", "tg_id", user.TgID, "location", newLocation)
	return nil
}

func (s *Service) recordCleanup(tgID int64, serverID uint, vpnID string, reason string) {
	task := db.CleanupTask{
		UserTgID: tgID,
		ServerID: serverID,
		VpnID:    vpnID,
		Reason:   reason,
	}
	if err := s.cleanup.AddCleanupTask(task); err != nil {
		slog.Error("Failed to record cleanup task", "tg_id", tgID, "server_id", serverID, "error", err)
	}
}

// RunCleanupTask повторяет отложенное удаление зомби-клиента.
func (s *Service) RunCleanupTask(ctx context.Context, task db.CleanupTask) error {
	defer s.lockUser(task.UserTgID)()

	user := &db.User{TgID: task.UserTgID, VpnID: task.VpnID}
	serverID := task.ServerID
	return s.deleteClient(ctx, user, &serverID)
}

// EnableClient включает клиента на его сервере.
func (s *Service) EnableClient(ctx context.Context, user *db.User) error {
	enable := true
	return s.UpdateClient(ctx, user, UpdateOptions{Enable: &enable})
}

// DisableClient выключает клиента на его сервере.
func (s *Service) DisableClient(ctx context.Context, user *db.User) error {
	enable := false
	return s.UpdateClient(ctx, user, UpdateOptions{Enable: &enable})
}
