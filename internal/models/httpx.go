package models

import (
	"encoding/json"
	"errors"
	"net/http"
)

// APIError: стабильная пара code/message для внешнего ответа.
// Внутренние подробности в неё не кладём, только в лог.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

// Is: ошибки с одинаковым кодом считаются одной ошибкой, даже после WithMessage.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.Code == e.Code
}

// WithMessage: та же ошибка (тот же code/status) с уточнённым текстом.
func (e *APIError) WithMessage(msg string) *APIError {
	return &APIError{Status: e.Status, Code: e.Code, Message: msg}
}

var (
	ErrValidation    = &APIError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: "invalid input"}
	ErrNotFound      = &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "requested data not found"}
	ErrForbidden     = &APIError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "permission denied"}
	ErrCompanyNeeded = &APIError{Status: http.StatusBadRequest, Code: "COMPANY_REQUIRED", Message: "x-company-id header is required"}
	ErrServer        = &APIError{Status: http.StatusInternalServerError, Code: "SERVER_ERROR", Message: "internal server error"}
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteOK: {"success":true,"data":...}
func WriteOK(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, envelope{Success: true, Data: data})
}

// WriteError: {"success":false,"error":{"code":...,"message":...}}.
// Всё, что не *APIError, превращается в SERVER_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	var ae *APIError
	if !errors.As(err, &ae) {
		ae = ErrServer
	}
	WriteJSON(w, ae.Status, envelope{Success: false, Error: ae})
}
