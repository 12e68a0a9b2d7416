package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"mes/internal/models"
)

type EventStore struct{ db *gorm.DB }

func (s *EventStore) Create(ctx context.Context, ev *models.TelemetryEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// List: события тенанта, новые первыми. since == nil значит без нижней границы.
func (s *EventStore) List(ctx context.Context, tenantID string, since *time.Time, limit int) ([]models.TelemetryEvent, error) {
	q := s.db.WithContext(ctx).Where("company_id = ?", tenantID)
	if since != nil {
		q = q.Where("event_ts >= ?", since.UTC())
	}
	var out []models.TelemetryEvent
	err := q.Order("event_ts DESC").Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
