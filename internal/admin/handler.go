package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"mes/internal/logs"
	"mes/internal/middleware"
	"mes/internal/models"
	"mes/internal/repo"
	"mes/internal/secrets"
	"mes/internal/telemetry"
)

const (
	maxCodeLen = 64
	maxNameLen = 255
)

var (
	errCodeTaken    = &models.APIError{Status: http.StatusConflict, Code: "EQUIPMENT_CODE_TAKEN", Message: "equipment code already exists"}
	errKeyNotIssued = &models.APIError{Status: http.StatusConflict, Code: "DEVICE_KEY_NOT_ISSUED", Message: "device key was never issued"}
)

type Handler struct {
	d   Dependencies
	now func() time.Time
}

// equipmentView: запись оборудования плюс вычисленный статус телеметрии.
type equipmentView struct {
	models.Equipment
	TelemetryStatus string `json:"telemetryStatus"`
}

func (h *Handler) view(e models.Equipment) equipmentView {
	return equipmentView{Equipment: e, TelemetryStatus: telemetry.Status(e.LastSeenAt, h.d.StaleAfter, h.now())}
}

type createRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Create: POST /equipments {code, name}
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteError(w, models.ErrValidation.WithMessage("body must be a JSON object"))
		return
	}
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if in.Code == "" || len(in.Code) > maxCodeLen {
		models.WriteError(w, models.ErrValidation.WithMessage("code is required (max 64 chars)"))
		return
	}
	if in.Name == "" {
		in.Name = in.Code
	}
	if len(in.Name) > maxNameLen {
		models.WriteError(w, models.ErrValidation.WithMessage("name is too long"))
		return
	}

	tenant := middleware.GetTenant(r)
	var eq *models.Equipment
	err := h.d.Store.InTx(r.Context(), func(tx *repo.Store) error {
		var err error
		eq, err = tx.Equipments.Create(r.Context(), repo.CreateEquipmentInput{TenantID: tenant, Code: in.Code, Name: in.Name})
		if err != nil {
			return err
		}
		return tx.Audit.Append(r.Context(), repo.AuditEntry{
			TenantID:  tenant,
			ActorRole: middleware.GetRole(r),
			Action:    models.AuditEquipmentCreate,
			Entity:    models.AuditEntityEquipments,
			EntityID:  eq.ID,
			Payload:   map[string]any{"code": eq.Code, "name": eq.Name},
		})
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteOK(w, http.StatusCreated, h.view(*eq))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.d.Store.Equipments.List(r.Context(), middleware.GetTenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]equipmentView, 0, len(rows))
	for _, e := range rows {
		out = append(out, h.view(e))
	}
	models.WriteOK(w, http.StatusOK, out)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := equipmentID(w, r)
	if !ok {
		return
	}
	eq, err := h.d.Store.Equipments.Get(r.Context(), middleware.GetTenant(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteOK(w, http.StatusOK, h.view(*eq))
}

// IssueKey: секрет возвращается только в этом ответе.
func (h *Handler) IssueKey(w http.ResponseWriter, r *http.Request) {
	h.assign(w, r, h.d.Keys.Issue)
}

func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	h.assign(w, r, h.d.Keys.Rotate)
}

type assignFunc func(ctx context.Context, tenantID string, equipmentID uint, actor string) (*secrets.Credentials, error)

func (h *Handler) assign(w http.ResponseWriter, r *http.Request, fn assignFunc) {
	id, ok := equipmentID(w, r)
	if !ok {
		return
	}
	creds, err := fn(r.Context(), middleware.GetTenant(r), id, middleware.GetRole(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	models.WriteOK(w, http.StatusOK, creds)
}

func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := equipmentID(w, r)
	if !ok {
		return
	}
	tenant := middleware.GetTenant(r)
	if err := h.d.Keys.Revoke(r.Context(), tenant, id, middleware.GetRole(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	eq, err := h.d.Store.Equipments.Get(r.Context(), tenant, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteOK(w, http.StatusOK, h.view(*eq))
}

func equipmentID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil || id == 0 {
		models.WriteError(w, models.ErrValidation.WithMessage("invalid equipment id"))
		return 0, false
	}
	return uint(id), true
}

// fail переводит ошибки хранилища в API-коды; всё неизвестное логируется и отдаётся как 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		models.WriteError(w, models.ErrNotFound.WithMessage("equipment not found"))
	case errors.Is(err, repo.ErrDuplicateCode):
		models.WriteError(w, errCodeTaken)
	case errors.Is(err, secrets.ErrKeyNotIssued):
		models.WriteError(w, errKeyNotIssued)
	default:
		logs.With("admin").WithError(err).WithFields(logrus.Fields{
			"tenant": middleware.GetTenant(r),
			"path":   r.URL.Path,
		}).Error("operator request failed")
		models.WriteError(w, models.ErrServer)
	}
}
