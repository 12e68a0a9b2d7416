// Package dbtest поднимает изолированную in-memory sqlite-базу со схемой ядра для тестов.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mes/internal/db"
)

func New(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	d, err := db.Open("sqlite", dsn)
	if err != nil {
		tb.Fatalf("open test database: %v", err)
	}
	if err := db.Migrate(d); err != nil {
		tb.Fatalf("migrate test database: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close(d) })
	return d
}
