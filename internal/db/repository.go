package db

import (
	"errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// подзапрос для вычисляемого поля current_clients
const serverColumns = "servers.*, (SELECT COUNT(*) FROM users WHERE users.server_id = servers.id) AS current_clients"

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&Server{},
		&User{},
		&Promocode{},
		&CleanupTask{},
	)
}

func (r *Repository) GetAllServers() ([]Server, error) {
	var servers []Server
	err := r.db.Model(&Server{}).
		Select(serverColumns).
		Order("servers.id").
		Find(&servers).Error
	return servers, err
}

func (r *Repository) GetServerByID(id uint) (*Server, error) {
	var server Server
	err := r.db.Model(&Server{}).
		Select(serverColumns).
		Where("servers.id = ?", id).
		First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (r *Repository) SetServerOnline(id uint, online bool) error {
	return r.db.Model(&Server{}).Where("id = ?", id).Update("online", online).Error
}

func (r *Repository) GetUserByTgID(tgID int64) (*User, error) {
	var user User
	err := r.db.Where("tg_id = ?", tgID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *Repository) UpdateUserAssignment(tgID int64, serverID uint) error {
	return r.db.Model(&User{}).Where("tg_id = ?", tgID).Update("server_id", serverID).Error
}

func (r *Repository) UpdateUserVpnID(tgID int64, vpnID string) error {
	return r.db.Model(&User{}).Where("tg_id = ?", tgID).Update("vpn_id", vpnID).Error
}

func (r *Repository) UpdateUserTrialUsed(tgID int64, used bool) error {
	return r.db.Model(&User{}).Where("tg_id = ?", tgID).Update("trial_used", used).Error
}

func (r *Repository) GetPromocode(code string) (*Promocode, error) {
	var promo Promocode
	err := r.db.Where("code = ?", code).First(&promo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &promo, nil
}

func (r *Repository) MarkPromocodeUsed(code string, tgID int64) error {
	return r.db.Model(&Promocode{}).Where("code = ?", code).
		Updates(map[string]interface{}{"used": true, "used_by": tgID}).Error
}

func (r *Repository) AddCleanupTask(task CleanupTask) error {
	return r.db.Create(&task).Error
}

func (r *Repository) PendingCleanupTasks() ([]CleanupTask, error) {
	var tasks []CleanupTask
	err := r.db.Where("done = false").Order("id").Find(&tasks).Error
	return tasks, err
}

func (r *Repository) CompleteCleanupTask(id uint) error {
	return r.db.Model(&CleanupTask{}).Where("id = ?", id).Update("done", true).Error
}
