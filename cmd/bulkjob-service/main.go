package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/app"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/version"
)

// loadDotEnv подхватывает .env, если он есть. Уже заданные переменные не перезаписываются.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("не удалось прочитать .env")
	}
}

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup func(string) (string, bool)) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if format, ok := lookup("OMS_LOG_FORMAT"); ok && strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}

	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup("OMS_LOG_LEVEL"); ok && strings.TrimSpace(raw) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			log.WithError(err).Warn("unknown OMS_LOG_LEVEL, using info")
			return
		}
		log.SetLevel(level)
	}
}

func main() {
	loadDotEnv()
	setupLogger(os.LookupEnv)

	cfg, err := app.ConfigFromEnv(os.LookupEnv)
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka_enabled":  len(cfg.KafkaBrokers) > 0,
		"version":        version.GetVersion(),
	}).Info("запускаем bulkjob-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("bulkjob-service остановлен")
}
