package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mes/internal/logs"
	"mes/internal/models"
)

// Check: проверка зависимости для /readyz.
type Check struct {
	Name string
	// Required=false: сбой попадает в ответ, но не делает сервис неготовым (кэш).
	Required bool
	Ping     func(ctx context.Context) error
}

type result struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

const checkTimeout = 2 * time.Second

// RegisterRoutes: liveness + readiness по списку проверок.
func RegisterRoutes(r *mux.Router, checks ...Check) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readiness(checks)).Methods(http.MethodGet)
}

func readiness(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		status := http.StatusOK
		out := make([]result, 0, len(checks))
		for _, c := range checks {
			res := result{Name: c.Name, OK: true}
			if err := c.Ping(ctx); err != nil {
				res.OK = false
				res.Error = err.Error()
				logs.With("health").WithError(err).WithField("check", c.Name).Warn("readiness check failed")
				if c.Required {
					status = http.StatusServiceUnavailable
				}
			}
			out = append(out, res)
		}
		models.WriteJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": out})
	}
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
