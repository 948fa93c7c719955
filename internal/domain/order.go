package domain

import (
	"fmt"
	"time"
)

// OrderStatus описывает жизненный цикл заказа в части отгрузки.
type OrderStatus string

const (
	// OrderStatusPending: заказ оформлен и ждёт отгрузки.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing: заказ взят в пакетную отгрузку.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped: заказ передан перевозчику.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCanceled: заказ отменён, отгружать нельзя.
	OrderStatusCanceled OrderStatus = "canceled"
)

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ID         string
	SKU        string
	Qty        int32
	PriceMinor int64
	CreatedAt  time.Time
}

// Order: агрегат заказа; сумма хранится в минимальных денежных единицах.
type Order struct {
	ID          string
	CustomerID  string
	Status      OrderStatus
	Currency    string
	AmountMinor int64
	Items       []OrderItem
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MarkProcessing берёт заказ в отгрузку. Повторный вызов для уже взятого
// или отгруженного заказа ничего не меняет и возвращает false.
func (o *Order) MarkProcessing(now time.Time) (bool, error) {
	switch o.Status {
	case OrderStatusPending:
		o.Status = OrderStatusProcessing
		o.UpdatedAt = now
		return true, nil
	case OrderStatusProcessing, OrderStatusShipped:
		return false, nil
	default:
		return false, fmt.Errorf("%w: order %s in status %s", ErrOrderNotShippable, o.ID, o.Status)
	}
}

// RevertProcessing возвращает заказ из отгрузки в pending (компенсация).
func (o *Order) RevertProcessing(now time.Time) bool {
	if o.Status != OrderStatusProcessing {
		return false
	}
	o.Status = OrderStatusPending
	o.UpdatedAt = now
	return true
}
