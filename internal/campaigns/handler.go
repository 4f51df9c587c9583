package campaigns

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/signupdesk/mailroom/internal/mailqueue"
	"github.com/signupdesk/mailroom/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrCampaignNotFound, Status: http.StatusNotFound, Message: "campaign not found"},
	{Error: ErrNotSendable, Status: http.StatusConflict},
	{Error: ErrNotPaused, Status: http.StatusConflict, Message: "campaign is not paused"},
	{Error: ErrNoRecipients, Status: http.StatusUnprocessableEntity},
	{Error: ErrInvalidCampaign, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the campaigns module.
type Handler struct {
	dispatcher *Dispatcher
	queue      *mailqueue.Service
	validator  *validator.Validate
}

// NewHandler creates a new campaigns handler.
func NewHandler(dispatcher *Dispatcher, queue *mailqueue.Service) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		queue:      queue,
		validator:  validator.New(),
	}
}

// RegisterRoutes registers campaign routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/", h.ListCampaigns)
		r.Get("/{id}", h.GetCampaign)
		r.Get("/{id}/emails", h.ListCampaignEmails)
		r.Post("/{id}/send", h.SendCampaign)
		r.Post("/{id}/schedule", h.ScheduleCampaign)
		r.Post("/{id}/cancel", h.CancelCampaign)
		r.Post("/{id}/pause", h.PauseCampaign)
		r.Post("/{id}/resume", h.ResumeCampaign)
	})
}

// CreateCampaignRequest represents request body for creating a campaign.
type CreateCampaignRequest struct {
	Name             string `json:"name" validate:"required,max=200"`
	Subject          string `json:"subject" validate:"required,max=500"`
	Body             string `json:"body" validate:"required"`
	CampaignType     string `json:"campaign_type" validate:"max=100"`
	TargetAudience   string `json:"target_audience" validate:"required,oneof=all individual_registrations team_registrations"`
	Priority         int    `json:"priority" validate:"omitempty,min=1,max=10"`
	MaxRetryAttempts int    `json:"max_retry_attempts" validate:"omitempty,min=1,max=10"`
}

// ScheduleCampaignRequest represents request body for scheduling a campaign.
type ScheduleCampaignRequest struct {
	ScheduledAt string `json:"scheduled_at" validate:"required"`
}

// CreateCampaign handles POST /campaigns.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	campaign, err := h.dispatcher.CreateCampaign(r.Context(), CreateInput{
		Name:             req.Name,
		Subject:          req.Subject,
		Body:             req.Body,
		CampaignType:     req.CampaignType,
		TargetAudience:   Audience(req.TargetAudience),
		Priority:         req.Priority,
		MaxRetryAttempts: req.MaxRetryAttempts,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, campaign)
}

// ListCampaigns handles GET /campaigns?limit=50&offset=0.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	campaigns, err := h.dispatcher.ListCampaigns(r.Context(), limit, offset)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, campaigns)
}

// GetCampaign handles GET /campaigns/{id}.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	campaign, err := h.dispatcher.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, campaign)
}

// ListCampaignEmails handles GET /campaigns/{id}/emails.
func (h *Handler) ListCampaignEmails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 404 for unknown campaigns rather than an empty list.
	if _, err := h.dispatcher.GetCampaign(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	entries, err := h.queue.ListByCampaign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}

// SendCampaign handles POST /campaigns/{id}/send.
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.dispatcher.SendCampaign(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	campaign, err := h.dispatcher.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, campaign)
}

// ScheduleCampaign handles POST /campaigns/{id}/schedule.
func (h *Handler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ScheduleCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	when, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "scheduled_at must be RFC3339")
		return
	}

	if err := h.dispatcher.ScheduleCampaign(r.Context(), id, when); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	campaign, err := h.dispatcher.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, campaign)
}

// CancelCampaign handles POST /campaigns/{id}/cancel.
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.dispatcher.CancelCampaign(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	campaign, err := h.dispatcher.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, campaign)
}

// PauseCampaign handles POST /campaigns/{id}/pause.
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.dispatcher.PauseCampaign(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	campaign, err := h.dispatcher.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, campaign)
}

// ResumeCampaign handles POST /campaigns/{id}/resume.
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.dispatcher.ResumeCampaign(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	campaign, err := h.dispatcher.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, campaign)
}
