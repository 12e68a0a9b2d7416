package models

import (
	"time"

	"gorm.io/datatypes"
)

// TelemetryNonce: запись журнала использованных nonce.
// Уникальность (company_id, equipment_id, nonce) держит БД, а не приложение.
type TelemetryNonce struct {
	ID          uint      `gorm:"primaryKey"`
	TenantID    string    `gorm:"column:company_id;size:64;not null;uniqueIndex:uniq_company_equipment_nonce,priority:1;index:idx_telemetry_nonce_company_equipment_ts,priority:1"`
	EquipmentID uint      `gorm:"not null;uniqueIndex:uniq_company_equipment_nonce,priority:2;index:idx_telemetry_nonce_company_equipment_ts,priority:2"`
	Nonce       string    `gorm:"size:128;not null;uniqueIndex:uniq_company_equipment_nonce,priority:3"`
	Timestamp   int64     `gorm:"column:ts;not null;index:idx_telemetry_nonce_company_equipment_ts,priority:3;index:idx_telemetry_nonce_ts"` // заявленное устройством время, unix seconds
	RecordedAt  time.Time `gorm:"column:created_at;not null"`
}

func (TelemetryNonce) TableName() string { return "telemetry_nonces" }

type TelemetryEvent struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	TenantID      string         `gorm:"column:company_id;size:64;not null;index:idx_telemetry_company_ts,priority:1;index:idx_telemetry_company_equipment,priority:1" json:"tenantId"`
	EquipmentID   uint           `gorm:"not null;index:idx_telemetry_company_equipment,priority:2" json:"equipmentId"`
	EquipmentCode string         `gorm:"size:64;not null" json:"equipmentCode"`
	EventType     string         `gorm:"size:64;not null" json:"eventType"`
	EventTS       time.Time      `gorm:"column:event_ts;not null;index:idx_telemetry_company_ts,priority:2" json:"eventTs"`
	Payload       datatypes.JSON `gorm:"column:payload_json;not null" json:"payload"`
	ReceivedAt    time.Time      `gorm:"not null" json:"receivedAt"`
}

func (TelemetryEvent) TableName() string { return "telemetry_events" }
