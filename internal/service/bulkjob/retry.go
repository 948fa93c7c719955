package bulkjob

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryingProcessor повторяет обработку элемента при временных ошибках
// (domain.ErrItemTemporary). Остальные ошибки возвращаются сразу.
type RetryingProcessor struct {
	inner  domain.ItemProcessor
	config RetryConfig
	logger *log.Entry
	sleep  func(ctx context.Context, d time.Duration) error
}

type retryingCompensator struct {
	*RetryingProcessor
	compensator domain.ItemCompensator
}

func (rc *retryingCompensator) Compensate(ctx context.Context, item domain.ItemRef) error {
	return rc.compensator.Compensate(ctx, item)
}

// NewRetryingProcessor оборачивает inner retry логикой. Если inner умеет
// компенсировать элементы, результат тоже реализует domain.ItemCompensator.
func NewRetryingProcessor(inner domain.ItemProcessor, config RetryConfig, logger *log.Entry) domain.ItemProcessor {
	if logger == nil {
		logger = log.WithField("component", "retrying-processor")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}

	rp := &RetryingProcessor{
		inner:  inner,
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
	if compensator, ok := inner.(domain.ItemCompensator); ok {
		return &retryingCompensator{RetryingProcessor: rp, compensator: compensator}
	}
	return rp
}

// Process выполняет inner.Process с экспоненциальной задержкой между попытками.
func (rp *RetryingProcessor) Process(ctx context.Context, item domain.ItemRef) error {
	var lastErr error
	delay := rp.config.InitialDelay

	for attempt := 1; attempt <= rp.config.MaxAttempts; attempt++ {
		err := rp.inner.Process(ctx, item)
		if err == nil {
			if attempt > 1 {
				rp.logger.WithFields(log.Fields{
					"item":    item,
					"attempt": attempt,
				}).Info("Item processed after retry")
			}
			return nil
		}
		lastErr = err

		if !domain.IsTemporary(err) {
			return err
		}
		if attempt == rp.config.MaxAttempts {
			break
		}

		rp.logger.WithFields(log.Fields{
			"item":    item,
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		}).Warn("Item processing failed, retrying")

		if err := rp.sleep(ctx, delay); err != nil {
			return lastErr
		}

		// Экспоненциальная задержка с ограничением
		delay = time.Duration(float64(delay) * rp.config.BackoffFactor)
		if rp.config.MaxDelay > 0 && delay > rp.config.MaxDelay {
			delay = rp.config.MaxDelay
		}
	}

	rp.logger.WithFields(log.Fields{
		"item":         item,
		"max_attempts": rp.config.MaxAttempts,
		"error":        lastErr,
	}).Error("Item processing failed after all retry attempts")
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
