package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/messaging/kafka"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverBadger   = "badger"
)

// Config описывает настройки запуска сервиса пакетных заданий.
type Config struct {
	HTTPAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	BadgerDir           string

	KafkaBrokers    []string
	JobEventsTopic  string
	MaxItemFailures int
	ItemRetries     int

	RetentionInterval  time.Duration
	RetentionTTL       time.Duration
	RetentionBatchSize int

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска в памяти.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		JobEventsTopic:      kafka.TopicJobEvents,
		MaxItemFailures:     0,
		ItemRetries:         3,
		RetentionInterval:   10 * time.Minute,
		RetentionTTL:        168 * time.Hour,
		RetentionBatchSize:  500,
		ShutdownTimeout:     15 * time.Second,
	}
}

// ConfigFromEnv накладывает переменные окружения на DefaultConfig.
// lookup обычно os.LookupEnv.
func ConfigFromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("OMS_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := get("OMS_STORAGE_DRIVER"); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	if v, ok := get("OMS_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := get("OMS_BADGER_DIR"); ok {
		cfg.BadgerDir = v
	}
	if v, ok := get("KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	if v, ok := get("OMS_JOB_EVENTS_TOPIC"); ok {
		cfg.JobEventsTopic = v
	}

	var err error
	if v, ok := get("OMS_POSTGRES_AUTO_MIGRATE"); ok {
		if cfg.PostgresAutoMigrate, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("OMS_POSTGRES_AUTO_MIGRATE: %w", err)
		}
	}
	if v, ok := get("OMS_JOB_MAX_ITEM_FAILURES"); ok {
		if cfg.MaxItemFailures, err = parseNonNegative(v); err != nil {
			return Config{}, fmt.Errorf("OMS_JOB_MAX_ITEM_FAILURES: %w", err)
		}
	}
	if v, ok := get("OMS_ITEM_RETRY_ATTEMPTS"); ok {
		if cfg.ItemRetries, err = parseNonNegative(v); err != nil {
			return Config{}, fmt.Errorf("OMS_ITEM_RETRY_ATTEMPTS: %w", err)
		}
	}
	if v, ok := get("OMS_RETENTION_BATCH_SIZE"); ok {
		if cfg.RetentionBatchSize, err = parseNonNegative(v); err != nil {
			return Config{}, fmt.Errorf("OMS_RETENTION_BATCH_SIZE: %w", err)
		}
	}
	if v, ok := get("OMS_RETENTION_INTERVAL"); ok {
		if cfg.RetentionInterval, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("OMS_RETENTION_INTERVAL: %w", err)
		}
	}
	if v, ok := get("OMS_RETENTION_TTL"); ok {
		if cfg.RetentionTTL, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("OMS_RETENTION_TTL: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек хранилища.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("storage driver %q requires OMS_POSTGRES_DSN", c.StorageDriver)
		}
	case StorageDriverBadger:
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseNonNegative(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must be >= 0, got %d", n)
	}
	return n, nil
}
