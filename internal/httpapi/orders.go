package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

// CreateOrderRequest: тело запроса на регистрацию заказа для отгрузки.
type CreateOrderRequest struct {
	ID         string                   `json:"id"`
	CustomerID string                   `json:"customer_id"`
	Currency   string                   `json:"currency"`
	Items      []CreateOrderItemRequest `json:"items"`
}

// CreateOrderItemRequest: позиция заказа в запросе.
type CreateOrderItemRequest struct {
	SKU        string `json:"sku"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

// OrderView: JSON-представление заказа.
type OrderView struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	Status      string          `json:"status"`
	Currency    string          `json:"currency"`
	AmountMinor int64           `json:"amount_minor"`
	Version     int64           `json:"version"`
	Items       []OrderItemView `json:"items"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OrderItemView: позиция заказа.
type OrderItemView struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

// NewOrderView переводит заказ в JSON-представление.
func NewOrderView(order domain.Order) OrderView {
	items := make([]OrderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemView{ID: item.ID, SKU: item.SKU, Qty: item.Qty, PriceMinor: item.PriceMinor})
	}
	return OrderView{
		ID:          order.ID,
		CustomerID:  order.CustomerID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		AmountMinor: order.AmountMinor,
		Version:     order.Version,
		Items:       items,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
}

// toOrder проверяет запрос и собирает pending-заказ.
func (req CreateOrderRequest) toOrder(now time.Time) (domain.Order, error) {
	if strings.TrimSpace(req.ID) == "" {
		return domain.Order{}, domain.NewValidationError("id", "must not be empty")
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return domain.Order{}, domain.NewValidationError("customer_id", "must not be empty")
	}
	if len(req.Currency) != 3 {
		return domain.Order{}, domain.NewValidationError("currency", "must be a 3-letter code")
	}
	if len(req.Items) == 0 {
		return domain.Order{}, domain.NewValidationError("items", "must not be empty")
	}

	order := domain.Order{
		ID:         req.ID,
		CustomerID: req.CustomerID,
		Status:     domain.OrderStatusPending,
		Currency:   strings.ToUpper(req.Currency),
		Items:      make([]domain.OrderItem, 0, len(req.Items)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, item := range req.Items {
		if item.SKU == "" || item.Qty <= 0 || item.PriceMinor < 0 {
			return domain.Order{}, domain.NewValidationError("items", "sku is required, qty must be positive, price must not be negative")
		}
		order.Items = append(order.Items, domain.OrderItem{
			ID:         uuid.NewString(),
			SKU:        item.SKU,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
			CreatedAt:  now,
		})
		order.AmountMinor += int64(item.Qty) * item.PriceMinor
	}
	return order, nil
}

func (h *handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := req.toOrder(time.Now().UTC())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if err := h.orders.Create(r.Context(), order); err != nil {
		if errors.Is(err, domain.ErrOrderVersionConflict) {
			writeError(w, http.StatusConflict, "order "+order.ID+" already exists")
			return
		}
		h.logger.WithError(err).WithField("order_id", order.ID).Error("не удалось создать заказ")
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"items":    len(order.Items),
	}).Info("заказ зарегистрирован")

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSON(w, http.StatusCreated, NewOrderView(order))
}

func (h *handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) {
			h.logger.WithError(err).WithField("order_id", orderID).Error("не удалось прочитать заказ")
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewOrderView(order))
}
