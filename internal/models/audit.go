package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog: журнал действий оператора. Секреты сюда не попадают, только id ключей.
type AuditLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  string         `gorm:"column:company_id;size:64;not null;index" json:"tenantId"`
	ActorRole string         `gorm:"size:32" json:"actorRole"`
	Action    string         `gorm:"size:64;not null" json:"action"`
	Entity    string         `gorm:"size:64;not null" json:"entity"`
	EntityID  uint           `gorm:"index" json:"entityId"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (AuditLog) TableName() string { return "audit_logs" }

const (
	AuditEquipmentCreate  = "EQUIPMENT_CREATE"
	AuditDeviceKeyIssue   = "DEVICE_KEY_ISSUE"
	AuditDeviceKeyRotate  = "DEVICE_KEY_ROTATE"
	AuditDeviceKeyRevoke  = "DEVICE_KEY_REVOKE"
	AuditEntityEquipments = "equipments"

	// приём телеметрии: успех и отказ
	AuditTelemetryCreate     = "CREATE"
	AuditTelemetryCreateFail = "CREATE_FAIL"
	AuditEntityTelemetry     = "telemetry_events"
)
