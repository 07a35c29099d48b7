package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/comparisonguide/clicktrack/internal/handler/dto"
	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/repository"
	"github.com/comparisonguide/clicktrack/internal/service"
)

// ClickHandler serves the click REST API.
type ClickHandler struct {
	svc    *service.ClickService
	logger *slog.Logger
}

// NewClickHandler creates a new ClickHandler.
func NewClickHandler(svc *service.ClickService, logger *slog.Logger) *ClickHandler {
	return &ClickHandler{
		svc:    svc,
		logger: logger.With("component", "click_handler"),
	}
}

// Create handles POST /api/clicks.
func (h *ClickHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	click, err := h.svc.CreateClick(r.Context(), req.ToInput())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.logger.Info("click_created",
		"click_id", click.ClickID,
		"provider_id", click.ProviderID,
		"source", click.Source,
	)
	writeJSON(w, http.StatusOK, dto.ClickResponse{Success: true, Click: click})
}

// Get handles GET /api/clicks. The query selects one of three views: a
// single click by clickId, stats for a timeframe, or a filtered listing.
func (h *ClickHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("clickId") != "":
		click, err := h.svc.GetClick(r.Context(), q.Get("clickId"))
		if err != nil {
			h.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, click)

	case q.Get("timeframe") != "":
		stats, err := h.svc.ClickStats(r.Context(), q.Get("timeframe"), q.Get("providerId"))
		if err != nil {
			h.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	default:
		h.list(w, r)
	}
}

func (h *ClickHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := service.ListClicksInput{
		Source:     q.Get("source"),
		ProviderID: q.Get("providerId"),
		Status:     q.Get("status"),
	}

	var err error
	if in.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FROM", "from must be an RFC 3339 timestamp")
		return
	}
	if in.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TO", "to must be an RFC 3339 timestamp")
		return
	}
	if in.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
		return
	}
	if in.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_OFFSET", "offset must be a non-negative integer")
		return
	}

	clicks, opts, err := h.svc.ListClicks(r.Context(), in)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if clicks == nil {
		clicks = []*model.Click{}
	}

	writeJSON(w, http.StatusOK, dto.ClickListResponse{
		Clicks: clicks,
		Total:  len(clicks),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// Update handles PUT /api/clicks.
func (h *ClickHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req dto.UpdateClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}
	if req.ClickID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CLICK_ID", "clickId is required")
		return
	}

	click, err := h.svc.UpdateClick(r.Context(), req.ToInput())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.logger.Info("click_updated",
		"click_id", click.ClickID,
		"status", click.Status,
	)
	writeJSON(w, http.StatusOK, dto.ClickResponse{Success: true, Click: click})
}

// Recent handles GET /api/clicks/recent.
func (h *ClickHandler) Recent(w http.ResponseWriter, r *http.Request) {
	clicks, err := h.svc.RecentClicks(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if clicks == nil {
		clicks = []*model.Click{}
	}
	writeJSON(w, http.StatusOK, clicks)
}

// handleServiceError maps service errors to HTTP responses.
func (h *ClickHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, model.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, repository.ErrClickNotFound):
		writeError(w, http.StatusNotFound, "CLICK_NOT_FOUND", "Click not found")
	case errors.Is(err, repository.ErrClickExists):
		writeError(w, http.StatusConflict, "CLICK_EXISTS", "Click id already exists")
	case errors.Is(err, repository.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", "Status transition not allowed")
	default:
		h.logger.Error("internal_error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseIntParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
