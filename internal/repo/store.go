package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateNonce = errors.New("nonce already used")
	ErrDuplicateCode  = errors.New("equipment code already exists")
	ErrDuplicateKeyID = errors.New("device key id already exists")
)

// Store: набор хранилищ поверх одного *gorm.DB (или транзакции).
// Передаётся явно; глобального хендла БД нет.
type Store struct {
	db *gorm.DB

	Equipments *EquipmentStore
	Nonces     *NonceStore
	Events     *EventStore
	Audit      *AuditStore
}

func New(db *gorm.DB) *Store {
	return &Store{
		db:         db,
		Equipments: &EquipmentStore{db: db},
		Nonces:     &NonceStore{db: db},
		Events:     &EventStore{db: db},
		Audit:      &AuditStore{db: db},
	}
}

func (s *Store) DB() *gorm.DB { return s.db }

// InTx выполняет fn в одной транзакции; ошибка fn или отмена ctx, откат.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

// Ping: для /readyz.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// isUniqueViolation: с TranslateError gorm отдаёт ErrDuplicatedKey, но не для
// всех драйверов и версий, поэтому дополнительно смотрим текст ошибки.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
