package telemetry

import (
	"net/http"

	"mes/internal/models"
)

// Внешние коды отказа. Неизвестный ключ, отозванный ключ и чужой equipmentCode
// намеренно дают один и тот же ErrDeviceKeyInvalid.
var (
	ErrAuthRequired          = &models.APIError{Status: http.StatusUnauthorized, Code: "TELEMETRY_AUTH_REQUIRED", Message: "device authentication headers are required"}
	ErrTimestampInvalid      = &models.APIError{Status: http.StatusBadRequest, Code: "TELEMETRY_TS_INVALID", Message: "x-ts must be unix seconds"}
	ErrTimestampExpired      = &models.APIError{Status: http.StatusUnauthorized, Code: "TELEMETRY_TS_EXPIRED", Message: "request timestamp is outside the allowed window"}
	ErrDeviceKeyInvalid      = &models.APIError{Status: http.StatusUnauthorized, Code: "TELEMETRY_DEVICE_KEY_INVALID", Message: "device key is invalid"}
	ErrSignatureInvalid      = &models.APIError{Status: http.StatusUnauthorized, Code: "TELEMETRY_SIGNATURE_INVALID", Message: "signature is invalid"}
	ErrNonceReplay           = &models.APIError{Status: http.StatusConflict, Code: "TELEMETRY_NONCE_REPLAY", Message: "nonce has already been used"}
	ErrEquipmentCodeRequired = &models.APIError{Status: http.StatusBadRequest, Code: "TELEMETRY_EQUIPMENT_CODE_REQUIRED", Message: "equipmentCode is required"}
	ErrLimitInvalid          = &models.APIError{Status: http.StatusBadRequest, Code: "TELEMETRY_LIMIT_INVALID", Message: "limit must be an integer between 1 and 200"}
	ErrBodyTooLarge          = &models.APIError{Status: http.StatusRequestEntityTooLarge, Code: "TELEMETRY_BODY_TOO_LARGE", Message: "request body is too large"}
)

type Stage string

const (
	StageParseHeaders          Stage = "ParseHeaders"
	StageResolveKey            Stage = "ResolveKey"
	StageCheckKeyStatus        Stage = "CheckKeyStatus"
	StageVerifyTimestampWindow Stage = "VerifyTimestampWindow"
	StageVerifySignature       Stage = "VerifySignature"
	StageCheckNonce            Stage = "CheckNonce"
	StagePersist               Stage = "Persist"
)

// Rejection: терминальный отказ конвейера. Reason уходит клиенту,
// Cause только в лог.
type Rejection struct {
	Stage  Stage
	Reason *models.APIError
	Cause  error
}

func (r *Rejection) Error() string {
	msg := string(r.Stage) + ": " + r.Reason.Code
	if r.Cause != nil {
		msg += ": " + r.Cause.Error()
	}
	return msg
}

func (r *Rejection) Unwrap() []error {
	if r.Cause == nil {
		return []error{r.Reason}
	}
	return []error{r.Reason, r.Cause}
}

func reject(stage Stage, reason *models.APIError, cause error) *Rejection {
	return &Rejection{Stage: stage, Reason: reason, Cause: cause}
}
