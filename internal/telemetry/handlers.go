package telemetry

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mes/internal/middleware"
	"mes/internal/models"
	"mes/internal/repo"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Handler struct {
	pipeline *Pipeline
	events   *repo.EventStore
	maxBody  int64
}

func NewHandler(p *Pipeline, events *repo.EventStore, maxBody int64) *Handler {
	return &Handler{pipeline: p, events: events, maxBody: maxBody}
}

// Ingest: POST /api/v1/telemetry/events. Роль не проверяется: пишет устройство.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			models.WriteError(w, ErrBodyTooLarge)
			return
		}
		models.WriteError(w, models.ErrValidation.WithMessage("cannot read request body"))
		return
	}

	acc, err := h.pipeline.Ingest(r.Context(), Request{
		TenantID:  middleware.GetTenant(r),
		ActorRole: middleware.GetRole(r),
		Headers:   HeadersFrom(r.Header.Get),
		Body:      body,
	})
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteOK(w, http.StatusCreated, acc)
}

// List: GET /api/v1/telemetry/events?since=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			models.WriteError(w, ErrLimitInvalid)
			return
		}
		limit = n
	}

	var since *time.Time
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			models.WriteError(w, models.ErrValidation.WithMessage("since must be an RFC3339 timestamp"))
			return
		}
		since = &t
	}

	events, err := h.events.List(r.Context(), middleware.GetTenant(r), since, limit)
	if err != nil {
		h.pipeline.log.WithError(err).Error("list telemetry events")
		models.WriteError(w, models.ErrServer)
		return
	}
	if events == nil {
		events = []models.TelemetryEvent{}
	}
	models.WriteOK(w, http.StatusOK, events)
}
