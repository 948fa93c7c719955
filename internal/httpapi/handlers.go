package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

type handlers struct {
	store   domain.ProgressStore
	starter JobStarter
	orders  domain.OrderRepository
	baseCtx context.Context
	logger  *log.Entry
}

// JobView: JSON-представление записи прогресса.
type JobView struct {
	JobID       string     `json:"job_id"`
	RunID       string     `json:"run_id,omitempty"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	Total       int        `json:"total"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJobView переводит запись прогресса в JSON-представление.
func NewJobView(progress domain.JobProgress) JobView {
	return JobView{
		JobID:       progress.JobID,
		RunID:       progress.RunID,
		Status:      string(progress.Status),
		Attempt:     progress.Attempt,
		Processed:   progress.ProcessedCount,
		Failed:      progress.FailedCount,
		Total:       progress.TotalCount,
		LastError:   progress.LastError,
		CreatedAt:   progress.CreatedAt,
		StartedAt:   optionalTime(progress.StartedAt),
		UpdatedAt:   progress.UpdatedAt,
		CompletedAt: optionalTime(progress.CompletedAt),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ShipOrdersRequest: тело запроса на пакетную отгрузку.
type ShipOrdersRequest struct {
	OrderIDs []string `json:"order_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := domain.ProgressFilter{Limit: defaultListLimit}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.JobStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		filter.Status = status
	}

	records, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("не удалось получить список заданий")
		writeError(w, statusFor(err), err.Error())
		return
	}

	views := make([]JobView, 0, len(records))
	for _, record := range records {
		views = append(views, NewJobView(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

func (h *handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	progress, err := h.store.Find(r.Context(), jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			h.logger.WithError(err).WithField("job_id", jobID).Error("не удалось прочитать задание")
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(progress))
}

func (h *handlers) ShipOrders(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req ShipOrdersRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]domain.ItemRef, len(req.OrderIDs))
	for i, id := range req.OrderIDs {
		items[i] = domain.ItemRef(id)
	}

	progress, err := h.starter.RunAsync(h.baseCtx, jobID, items)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.WithError(err).WithField("job_id", jobID).Error("не удалось запустить задание")
		}
		writeError(w, status, err.Error())
		return
	}

	h.logger.WithFields(log.Fields{
		"job_id": jobID,
		"run_id": progress.RunID,
		"total":  len(items),
	}).Info("задание отгрузки принято")

	w.Header().Set("Location", "/api/v1/jobs/"+jobID)
	writeJSON(w, http.StatusAccepted, NewJobView(progress))
}

// statusFor сопоставляет доменные ошибки HTTP-статусам.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrProgressOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobInFlight), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
