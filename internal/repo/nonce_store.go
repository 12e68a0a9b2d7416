package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"mes/internal/models"
)

// NonceStore: журнал использованных nonce. Уникальность держит индекс
// uniq_company_equipment_nonce, поэтому Record безопасен при гонке.
type NonceStore struct{ db *gorm.DB }

func (s *NonceStore) HasSeen(ctx context.Context, tenantID string, equipmentID uint, nonce string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.TelemetryNonce{}).
		Where("company_id = ? AND equipment_id = ? AND nonce = ?", tenantID, equipmentID, nonce).
		Count(&n).Error
	return n > 0, err
}

// Record вставляет запись; повтор кортежа, ErrDuplicateNonce.
func (s *NonceStore) Record(ctx context.Context, tenantID string, equipmentID uint, nonce string, ts int64) error {
	row := models.TelemetryNonce{
		TenantID:    tenantID,
		EquipmentID: equipmentID,
		Nonce:       nonce,
		Timestamp:   ts,
		RecordedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateNonce
		}
		return err
	}
	return nil
}

// Sweep удаляет записи строго старше cutoff (unix seconds) одним DELETE.
func (s *NonceStore) Sweep(ctx context.Context, cutoff int64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("ts < ?", cutoff).
		Delete(&models.TelemetryNonce{})
	return res.RowsAffected, res.Error
}

func (s *NonceStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.TelemetryNonce{}).Count(&n).Error
	return n, err
}
