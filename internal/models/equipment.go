package models

import "time"

type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "ACTIVE"
	KeyStatusRevoked KeyStatus = "REVOKED"
)

// Equipment: единица оборудования тенанта и её единственный слот ключа устройства.
// Истории ключей нет: issue/rotate перезаписывают слот, revoke только меняет статус.
type Equipment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	TenantID string `gorm:"column:company_id;size:64;not null;uniqueIndex:uniq_equipment_code,priority:1;uniqueIndex:uniq_equipment_device_key,priority:1" json:"tenantId"`
	Code     string `gorm:"size:64;not null;uniqueIndex:uniq_equipment_code,priority:2" json:"code"`
	Name     string `gorm:"size:255;not null" json:"name"`
	IsActive bool   `gorm:"not null;default:true" json:"isActive"`

	DeviceKeyID     *string    `gorm:"column:device_key_id;size:64;uniqueIndex:uniq_equipment_device_key,priority:2" json:"deviceKeyId"`
	DeviceSecretEnc string     `gorm:"column:device_key_secret_enc;type:text" json:"-"` // base64(iv|tag|data), см. internal/vault
	KeyStatus       KeyStatus  `gorm:"column:device_key_status;size:16" json:"deviceKeyStatus,omitempty"`
	KeyIssuedAt     *time.Time `gorm:"column:device_key_issued_at" json:"deviceKeyIssuedAt"`
	LastSeenAt      *time.Time `gorm:"column:device_key_last_seen_at" json:"lastSeenAt"`
}

func (Equipment) TableName() string { return "equipments" }

// KeyID: пустая строка, если ключ ещё не выпускался.
func (e *Equipment) KeyID() string {
	if e.DeviceKeyID == nil {
		return ""
	}
	return *e.DeviceKeyID
}

func (e *Equipment) HasKey() bool { return e.KeyID() != "" && e.DeviceSecretEnc != "" }
