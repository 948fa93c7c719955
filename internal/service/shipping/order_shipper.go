// Package shipping содержит обработчик элементов для пакетной отгрузки заказов.
package shipping

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

const defaultVersionConflictRetries = 3

// OrderShipper переводит заказ в processing; используется как ItemProcessor
// для заданий "отгрузить N заказов".
type OrderShipper struct {
	repo    domain.OrderRepository
	logger  *log.Entry
	now     func() time.Time
	retries int
}

// NewOrderShipper создаёт обработчик отгрузки поверх репозитория заказов.
func NewOrderShipper(repo domain.OrderRepository, logger *log.Entry) *OrderShipper {
	if logger == nil {
		logger = log.WithField("component", "order-shipper")
	}
	return &OrderShipper{
		repo:    repo,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		retries: defaultVersionConflictRetries,
	}
}

// Process берёт заказ в отгрузку. Повторная обработка уже взятого заказа ничего не меняет.
func (s *OrderShipper) Process(ctx context.Context, item domain.ItemRef) error {
	return s.update(ctx, item, func(order *domain.Order) (bool, error) {
		return order.MarkProcessing(s.now())
	})
}

// Compensate возвращает заказ из processing в pending.
func (s *OrderShipper) Compensate(ctx context.Context, item domain.ItemRef) error {
	return s.update(ctx, item, func(order *domain.Order) (bool, error) {
		return order.RevertProcessing(s.now()), nil
	})
}

// update применяет mutate с optimistic locking и повторяет при конфликте версий.
func (s *OrderShipper) update(ctx context.Context, item domain.ItemRef, mutate func(order *domain.Order) (bool, error)) error {
	orderID := item.String()

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		order, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}

		changed, err := mutate(&order)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		err = s.repo.Save(ctx, order)
		if err == nil {
			s.logger.WithFields(log.Fields{
				"order_id": orderID,
				"status":   order.Status,
			}).Debug("статус заказа обновлён")
			return nil
		}
		if !domain.IsVersionConflict(err) {
			return fmt.Errorf("save order %s: %w", orderID, err)
		}

		lastErr = err
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt,
		}).Warn("конфликт версий заказа, повторяем")
	}

	return fmt.Errorf("save order %s after %d attempts: %w", orderID, s.retries, lastErr)
}

var (
	_ domain.ItemProcessor   = (*OrderShipper)(nil)
	_ domain.ItemCompensator = (*OrderShipper)(nil)
)
