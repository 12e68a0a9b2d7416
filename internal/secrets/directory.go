// Package secrets, справочник ключей устройств: поиск по id ключа и
// жизненный цикл issue/rotate/revoke. Секрет хранится зашифрованным (internal/vault),
// в открытом виде отдаётся только один раз, в ответе на issue/rotate.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"mes/internal/logs"
	"mes/internal/models"
	"mes/internal/repo"
	"mes/internal/vault"
)

const (
	keyIDPrefix   = "dk_"
	keyIDBytes    = 12
	secretBytes   = 32
	keyIDAttempts = 3
)

var (
	ErrKeyNotIssued = errors.New("device key was never issued")
	ErrKeyIDSpace   = errors.New("could not allocate a unique device key id")
)

type Directory struct {
	store *repo.Store
	vault *vault.Vault
	now   func() time.Time
	rand  io.Reader
}

func NewDirectory(store *repo.Store, v *vault.Vault) *Directory {
	return &Directory{
		store: store,
		vault: v,
		now:   func() time.Time { return time.Now().UTC() },
		rand:  rand.Reader,
	}
}

// Credentials: результат issue/rotate. DeviceSecret больше нигде не сохраняется.
type Credentials struct {
	EquipmentID   uint             `json:"equipmentId"`
	EquipmentCode string           `json:"equipmentCode"`
	DeviceKeyID   string           `json:"deviceKeyId"`
	DeviceSecret  string           `json:"deviceSecret"`
	Status        models.KeyStatus `json:"deviceKeyStatus"`
	IssuedAt      time.Time        `json:"deviceKeyIssuedAt"`
}

// Lookup: запись оборудования по id ключа в тенанте; repo.ErrNotFound, если нет.
// Статус не проверяется.
func (d *Directory) Lookup(ctx context.Context, tenantID, deviceKeyID string) (*models.Equipment, error) {
	return d.store.Equipments.FindByKey(ctx, tenantID, deviceKeyID)
}

// Secret расшифровывает секрет устройства. vault.ErrIntegrity, повреждённый шифртекст.
func (d *Directory) Secret(eq *models.Equipment) ([]byte, error) {
	if !eq.HasKey() {
		return nil, ErrKeyNotIssued
	}
	plain, err := d.vault.Decrypt(eq.DeviceSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("equipment %d key %s: %w", eq.ID, eq.KeyID(), err)
	}
	return []byte(plain), nil
}

// Issue выдаёт новый ключ и сбрасывает last-seen.
func (d *Directory) Issue(ctx context.Context, tenantID string, equipmentID uint, actor string) (*Credentials, error) {
	return d.assign(ctx, tenantID, equipmentID, actor, models.AuditDeviceKeyIssue)
}

// Rotate: как Issue, но last-seen сохраняется, а в аудит пишется прежний id ключа.
// Старый ключ перестаёт проходить проверку сразу после коммита.
func (d *Directory) Rotate(ctx context.Context, tenantID string, equipmentID uint, actor string) (*Credentials, error) {
	return d.assign(ctx, tenantID, equipmentID, actor, models.AuditDeviceKeyRotate)
}

func (d *Directory) assign(ctx context.Context, tenantID string, equipmentID uint, actor, action string) (*Credentials, error) {
	secret, err := d.randomHex(secretBytes)
	if err != nil {
		return nil, err
	}
	enc, err := d.vault.Encrypt(secret)
	if err != nil {
		return nil, err
	}

	var creds *Credentials
	err = d.store.InTx(ctx, func(tx *repo.Store) error {
		eq, err := tx.Equipments.Get(ctx, tenantID, equipmentID)
		if err != nil {
			return err
		}
		keyID, err := d.allocateKeyID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		issuedAt := d.now()
		if err := tx.Equipments.SetKey(ctx, tenantID, eq.ID, repo.KeySlot{
			KeyID:         keyID,
			SecretEnc:     enc,
			IssuedAt:      issuedAt,
			ClearLastSeen: action == models.AuditDeviceKeyIssue,
		}); err != nil {
			return err
		}

		payload := map[string]any{"deviceKeyId": keyID}
		if action == models.AuditDeviceKeyRotate {
			payload["previousKeyId"] = nullable(eq.KeyID())
		}
		if err := tx.Audit.Append(ctx, repo.AuditEntry{
			TenantID:  tenantID,
			ActorRole: actor,
			Action:    action,
			Entity:    models.AuditEntityEquipments,
			EntityID:  eq.ID,
			Payload:   payload,
		}); err != nil {
			return err
		}

		creds = &Credentials{
			EquipmentID:   eq.ID,
			EquipmentCode: eq.Code,
			DeviceKeyID:   keyID,
			DeviceSecret:  secret,
			Status:        models.KeyStatusActive,
			IssuedAt:      issuedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logs.With("secrets").WithFields(logrus.Fields{
		"tenant":       tenantID,
		"equipment_id": equipmentID,
		"device_key":   creds.DeviceKeyID,
		"action":       action,
	}).Info("device key assigned")
	return creds, nil
}

// Revoke переводит ключ в REVOKED. Материал ключа остаётся в записи.
func (d *Directory) Revoke(ctx context.Context, tenantID string, equipmentID uint, actor string) error {
	err := d.store.InTx(ctx, func(tx *repo.Store) error {
		eq, err := tx.Equipments.Get(ctx, tenantID, equipmentID)
		if err != nil {
			return err
		}
		if eq.KeyID() == "" {
			return ErrKeyNotIssued
		}
		if err := tx.Equipments.SetStatus(ctx, tenantID, eq.ID, models.KeyStatusRevoked); err != nil {
			return err
		}
		return tx.Audit.Append(ctx, repo.AuditEntry{
			TenantID:  tenantID,
			ActorRole: actor,
			Action:    models.AuditDeviceKeyRevoke,
			Entity:    models.AuditEntityEquipments,
			EntityID:  eq.ID,
			Payload:   map[string]any{"deviceKeyId": eq.KeyID()},
		})
	})
	if err != nil {
		return err
	}
	logs.With("secrets").WithFields(logrus.Fields{
		"tenant":       tenantID,
		"equipment_id": equipmentID,
	}).Info("device key revoked")
	return nil
}

func (d *Directory) allocateKeyID(ctx context.Context, tx *repo.Store, tenantID string) (string, error) {
	for i := 0; i < keyIDAttempts; i++ {
		suffix, err := d.randomHex(keyIDBytes)
		if err != nil {
			return "", err
		}
		id := keyIDPrefix + suffix
		taken, err := tx.Equipments.KeyIDTaken(ctx, tenantID, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrKeyIDSpace
}

func (d *Directory) randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.rand, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
