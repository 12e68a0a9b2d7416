package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"mes/internal/models"
)

type EquipmentStore struct{ db *gorm.DB }

type CreateEquipmentInput struct {
	TenantID string
	Code     string
	Name     string
}

func (s *EquipmentStore) Create(ctx context.Context, in CreateEquipmentInput) (*models.Equipment, error) {
	e := models.Equipment{
		TenantID: in.TenantID,
		Code:     strings.TrimSpace(in.Code),
		Name:     strings.TrimSpace(in.Name),
		IsActive: true,
	}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCode
		}
		return nil, err
	}
	return &e, nil
}

// Get: оборудование только своего тенанта; чужое выглядит как отсутствующее.
func (s *EquipmentStore) Get(ctx context.Context, tenantID string, id uint) (*models.Equipment, error) {
	var e models.Equipment
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND id = ?", tenantID, id).
		First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *EquipmentStore) List(ctx context.Context, tenantID string) ([]models.Equipment, error) {
	var out []models.Equipment
	err := s.db.WithContext(ctx).
		Where("company_id = ?", tenantID).
		Order("code ASC").
		Find(&out).Error
	return out, err
}

// FindByKey: поиск по публичному id ключа. Статус ключа не проверяется,
// это делает вызывающий.
func (s *EquipmentStore) FindByKey(ctx context.Context, tenantID, keyID string) (*models.Equipment, error) {
	var e models.Equipment
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND device_key_id = ?", tenantID, keyID).
		First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

type KeySlot struct {
	KeyID         string
	SecretEnc     string
	IssuedAt      time.Time
	ClearLastSeen bool
}

// SetKey перезаписывает единственный слот ключа и делает его ACTIVE.
// Прежний ключ после этого не восстановить.
func (s *EquipmentStore) SetKey(ctx context.Context, tenantID string, id uint, slot KeySlot) error {
	upd := map[string]any{
		"device_key_id":         slot.KeyID,
		"device_key_secret_enc": slot.SecretEnc,
		"device_key_status":     models.KeyStatusActive,
		"device_key_issued_at":  slot.IssuedAt,
	}
	if slot.ClearLastSeen {
		upd["device_key_last_seen_at"] = nil
	}
	err := s.db.WithContext(ctx).Model(&models.Equipment{}).
		Where("company_id = ? AND id = ?", tenantID, id).
		Updates(upd).Error
	if isUniqueViolation(err) {
		return ErrDuplicateKeyID
	}
	return err
}

// SetStatus меняет только статус; материал ключа остаётся для аудита.
func (s *EquipmentStore) SetStatus(ctx context.Context, tenantID string, id uint, status models.KeyStatus) error {
	return s.db.WithContext(ctx).Model(&models.Equipment{}).
		Where("company_id = ? AND id = ?", tenantID, id).
		Update("device_key_status", status).Error
}

func (s *EquipmentStore) TouchLastSeen(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Equipment{}).
		Where("id = ?", id).
		Update("device_key_last_seen_at", at).Error
}

// KeyIDTaken: занят ли id ключа в тенанте (для повторной генерации при коллизии).
func (s *EquipmentStore) KeyIDTaken(ctx context.Context, tenantID, keyID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Equipment{}).
		Where("company_id = ? AND device_key_id = ?", tenantID, keyID).
		Count(&n).Error
	return n > 0, err
}
