package db

import "time"

// Server - VPN-серверы с панелью 3x-ui
type Server struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"unique;not null"`
	Host       string `gorm:"not null"`
	Location   string
	MaxClients int       `gorm:"not null"`
	Online     bool      `gorm:"default:false"`
	CreatedAt  time.Time `gorm:"default:CURRENT_TIMESTAMP"`

	// Заполняется подзапросом при чтении, в таблице не хранится
	CurrentClients int `gorm:"->;-:migration"`
}

// User - пользователи
type User struct {
	TgID      int64 `gorm:"primaryKey"`
	Username  string
	VpnID     string
	ServerID  *uint
	TrialUsed bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`

	Server *Server `gorm:"foreignKey:ServerID"`
}

// Promocode - промокоды на бонусные дни
type Promocode struct {
	ID           uint   `gorm:"primaryKey"`
	Code         string `gorm:"unique;not null"`
	DurationDays int    `gorm:"not null"`
	Used         bool   `gorm:"default:false"`
	UsedBy       *int64
	CreatedAt    time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

// CleanupTask - отложенная зачистка клиента на удаленной панели.
// Создается, когда best-effort удаление при миграции не удалось,
// чтобы зомби-клиент не остался незамеченным.
type CleanupTask struct {
	ID        uint   `gorm:"primaryKey"`
	UserTgID  int64  `gorm:"not null"`
	ServerID  uint   `gorm:"not null"`
	VpnID     string `gorm:"not null"`
	Reason    string
	Done      bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}
