package telemetry

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes вешает обработчики на подроутер /api/v1 (тенант уже проверен).
func RegisterRoutes(r *mux.Router, h *Handler) {
	r.HandleFunc("/telemetry/events", h.Ingest).Methods(http.MethodPost)
	r.HandleFunc("/telemetry/events", h.List).Methods(http.MethodGet)
}
