package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	BotToken     string
	SuperAdminID string

	DBDsn string

	// Доступ к панелям 3x-ui (общие учетные данные для всех серверов)
	XUIUsername       string
	XUIPassword       string
	XUIToken          string
	XUIRequestTimeout time.Duration

	// Имя сервера, который выдается первым при наличии свободных слотов
	PriorityServerName string

	KeyRemarkPrefix string

	TrialEnabled    bool
	TrialPeriodDays int
	BonusDevices    int

	HealthAddr string
}

func Load() *Config {
	return &Config{
		BotToken:     os.Getenv("BOT_TOKEN"),
		SuperAdminID: os.Getenv("SUPER_ADMIN_ID"),

		DBDsn: getEnvOrDefault("DB_DSN", "/data/3xui-shop.db"),

		XUIUsername:       os.Getenv("XUI_USERNAME"),
		XUIPassword:       os.Getenv("XUI_PASSWORD"),
		XUIToken:          os.Getenv("XUI_TOKEN"),
		XUIRequestTimeout: getEnvDuration("XUI_REQUEST_TIMEOUT", 10*time.Second),

		PriorityServerName: os.Getenv("PRIORITY_SERVER_NAME"),

		KeyRemarkPrefix: getEnvOrDefault("KEY_REMARK_PREFIX", "3XUI-SHOP"),

		TrialEnabled:    getEnvBool("TRIAL_ENABLED", false),
		TrialPeriodDays: getEnvInt("TRIAL_PERIOD_DAYS", 3),
		BonusDevices:    getEnvInt("BONUS_DEVICES", 1),

		HealthAddr: getEnvOrDefault("HEALTH_ADDR", "0.0.0.0:8080"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
