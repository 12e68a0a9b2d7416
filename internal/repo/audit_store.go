package repo

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mes/internal/models"
)

type AuditStore struct{ db *gorm.DB }

type AuditEntry struct {
	TenantID  string
	ActorRole string
	Action    string
	Entity    string
	EntityID  uint
	Payload   map[string]any
}

func (s *AuditStore) Append(ctx context.Context, e AuditEntry) error {
	row := models.AuditLog{
		TenantID:  e.TenantID,
		ActorRole: e.ActorRole,
		Action:    e.Action,
		Entity:    e.Entity,
		EntityID:  e.EntityID,
	}
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		row.Payload = datatypes.JSON(b)
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *AuditStore) List(ctx context.Context, tenantID, entity string, entityID uint) ([]models.AuditLog, error) {
	var out []models.AuditLog
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND entity = ? AND entity_id = ?", tenantID, entity, entityID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
