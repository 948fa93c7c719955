// Package httpapi отдаёт HTTP API пакетных заданий поверх chi.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/health"
)

// JobStarter запускает задание в фоне и сразу возвращает снимок записи.
type JobStarter interface {
	RunAsync(ctx context.Context, jobID string, items []domain.ItemRef) (domain.JobProgress, error)
}

// Deps: зависимости роутера.
type Deps struct {
	Store   domain.ProgressStore
	Starter JobStarter
	// Orders включает маршруты /api/v1/orders; nil их отключает.
	Orders  domain.OrderRepository
	Health  *health.Handler
	// Metrics по умолчанию promhttp.Handler().
	Metrics http.Handler
	// BaseContext живёт дольше запроса: фоновые запуски отменяются вместе с ним.
	BaseContext context.Context
	Logger      *log.Entry
}

// NewRouter собирает роутер API, метрик и health-проверок.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "http-api")
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}

	h := &handlers{
		store:   deps.Store,
		starter: deps.Starter,
		orders:  deps.Orders,
		baseCtx: deps.BaseContext,
		logger:  deps.Logger,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", deps.Metrics)
	r.Get("/livez", health.LivenessHandler)
	if deps.Health != nil {
		r.Handle("/healthz", deps.Health)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.Get("/{jobID}", h.GetJob)
		r.Post("/{jobID}/ship-orders", h.ShipOrders)
	})

	if deps.Orders != nil {
		r.Route("/api/v1/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{orderID}", h.GetOrder)
		})
	}

	return r
}

// requestLogger пишет access-лог через logrus вместо стандартного log.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("http request")
				return
			}
			entry.Debug("http request")
		})
	}
}
