package mailqueue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/signupdesk/mailroom/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrEntryNotFound, Status: http.StatusNotFound, Message: "queue entry not found"},
	{Error: ErrInvalidInput, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the email queue admin surface.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Get("/", h.ListEntries)
		r.Get("/stats", h.GetStats)
		r.Get("/{id}", h.GetEntry)
		r.Post("/{id}/retry", h.RetryEntry)
		r.Post("/{id}/cancel", h.CancelEntry)
	})
}

// EnqueueRequest represents request body for enqueueing an email.
type EnqueueRequest struct {
	RecipientEmail string `json:"recipient_email" validate:"required,email"`
	RecipientName  string `json:"recipient_name" validate:"max=200"`
	Subject        string `json:"subject" validate:"required,max=500"`
	Body           string `json:"body" validate:"required"`
	EmailType      string `json:"email_type" validate:"required"`
	ScheduledAt    string `json:"scheduled_at,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
}

// Enqueue handles POST /queue.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	var scheduledAt time.Time
	if req.ScheduledAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "scheduled_at must be RFC3339")
			return
		}
		scheduledAt = parsed
	}

	entry, err := h.service.Enqueue(r.Context(), EnqueueInput{
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		Subject:        req.Subject,
		Body:           req.Body,
		EmailType:      EmailType(req.EmailType),
		ScheduledAt:    scheduledAt,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, entry)
}

// ListEntries handles GET /queue?status=pending&limit=50&offset=0.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusPending
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.service.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}

// GetStats handles GET /queue/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetEntry handles GET /queue/{id}.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// RetryEntry handles POST /queue/{id}/retry.
func (h *Handler) RetryEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.service.Retry(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if !ok {
		entry, getErr := h.service.GetByID(r.Context(), id)
		if getErr != nil {
			httputil.HandleError(r.Context(), w, getErr, errorMappings)
			return
		}
		httputil.Error(w, http.StatusConflict, "only failed entries can be retried, current status is "+string(entry.Status))
		return
	}

	entry, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// CancelEntry handles POST /queue/{id}/cancel.
func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if !ok {
		entry, getErr := h.service.GetByID(r.Context(), id)
		if getErr != nil {
			httputil.HandleError(r.Context(), w, getErr, errorMappings)
			return
		}
		if entry.Status == StatusCancelled {
			// Repeated cancel is a no-op.
			httputil.Success(w, http.StatusOK, entry)
			return
		}
		httputil.Error(w, http.StatusConflict, "only pending entries can be cancelled, current status is "+string(entry.Status))
		return
	}

	entry, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}
