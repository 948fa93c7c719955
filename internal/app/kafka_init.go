package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/messaging/kafka"
)

// initEventPublisher создаёт Kafka producer, если brokers заданы. Ошибка
// подключения не фатальна: сервис продолжает работу с noop publisher.
func initEventPublisher(cfg Config, logger *log.Entry) (domain.JobEventPublisher, func() error, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return kafka.NoopPublisher{}, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.JobEventsTopic)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return kafka.NoopPublisher{}, nil, err
	}

	logger.WithFields(log.Fields{
		"brokers": cfg.KafkaBrokers,
		"topic":   cfg.JobEventsTopic,
	}).Info("kafka producer initialized")

	closeFn := func() error {
		if err := producer.Close(); err != nil {
			return err
		}
		logger.Info("kafka producer closed")
		return nil
	}
	return producer, closeFn, nil
}
