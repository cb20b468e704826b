package app

import (
	"os"
	"strconv"
	"time"
)

// Config описывает настройки запуска сервиса покупок.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	// PostgresDSN пустой — используется in-memory хранилище.
	PostgresDSN string

	// RedisAddr пустой — pending guard отключён.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KafkaBrokers пустой — события публикуются только через outbox worker.
	KafkaBrokers string

	// SyncThreshold — возраст pending-попытки, после которого чтение статуса
	// и фоновая сверка опрашивают процессор.
	SyncThreshold time.Duration

	ChargePollInterval    time.Duration
	OutboxPollInterval    time.Duration
	ReconcilePollInterval time.Duration
}

// DefaultConfig возвращает базовые настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:              ":8080",
		MetricsAddr:           ":9090",
		SyncThreshold:         100 * time.Second,
		ChargePollInterval:    500 * time.Millisecond,
		OutboxPollInterval:    time.Second,
		ReconcilePollInterval: 30 * time.Second,
	}
}

// ReadConfig собирает конфигурацию из PURCHASE_* переменных окружения
// поверх значений по умолчанию.
func ReadConfig() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PURCHASE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("PURCHASE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("PURCHASE_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("PURCHASE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PURCHASE_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PURCHASE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			cfg.RedisDB = db
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = v
	}
	if d := readDuration("PURCHASE_SYNC_THRESHOLD"); d > 0 {
		cfg.SyncThreshold = d
	}
	if d := readDuration("PURCHASE_CHARGE_POLL_INTERVAL"); d > 0 {
		cfg.ChargePollInterval = d
	}
	if d := readDuration("PURCHASE_OUTBOX_POLL_INTERVAL"); d > 0 {
		cfg.OutboxPollInterval = d
	}
	if d := readDuration("PURCHASE_RECONCILE_POLL_INTERVAL"); d > 0 {
		cfg.ReconcilePollInterval = d
	}

	return cfg
}

func readDuration(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
