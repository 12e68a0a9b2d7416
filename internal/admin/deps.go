package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mes/internal/middleware"
	"mes/internal/repo"
	"mes/internal/secrets"
)

type Dependencies struct {
	Store *repo.Store
	Keys  *secrets.Directory
	// StaleAfter: после скольких минут тишины telemetryStatus становится WARNING.
	StaleAfter time.Duration
}

// Attach вешает операторский API на r. Тенант и роль уже в контексте (middleware.Tenant).
func Attach(r *mux.Router, d Dependencies) {
	h := &Handler{d: d, now: time.Now}

	r.HandleFunc("/equipments", h.List).Methods(http.MethodGet)
	r.HandleFunc("/equipments/{id:[0-9]+}", h.Get).Methods(http.MethodGet)

	write := func(path string, fn http.HandlerFunc) {
		r.Handle(path, middleware.RequireWriter(fn)).Methods(http.MethodPost)
	}
	write("/equipments", h.Create)
	write("/equipments/{id:[0-9]+}/device-key/issue", h.IssueKey)
	write("/equipments/{id:[0-9]+}/device-key/rotate", h.RotateKey)
	write("/equipments/{id:[0-9]+}/device-key/revoke", h.RevokeKey)
}
