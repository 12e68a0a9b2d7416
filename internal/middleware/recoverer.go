package middleware

import (
	"net/http"
	"runtime/debug"

	"mes/internal/logs"
	"mes/internal/models"
)

// Recoverer перехватывает панику в обработчике, пишет лог со стеком
// и отвечает SERVER_ERROR в общем конверте.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logs.Logger.Errorf("panic: %v reqid=%s uri=%s method=%s\nstack:\n%s",
					rec, GetRequestID(r), r.RequestURI, r.Method, string(debug.Stack()))
				models.WriteError(w, models.ErrServer)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
