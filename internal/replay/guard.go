// Package replay, защита от повторной отправки подписанного события.
//
// Источник истины, журнал nonce в БД с уникальным индексом
// (tenant, equipment, nonce). Redis, если настроен, только ускоряет
// отказ для уже виденных nonce и общий для всех экземпляров сервиса.
package replay

import (
	"context"
	"fmt"
	"time"

	"mes/internal/logs"
	"mes/internal/repo"
)

// Cache: быстрый общий признак «nonce уже был». Ошибки кэша не фатальны.
type Cache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

const defaultCacheTTL = 24 * time.Hour

type Guard struct {
	nonces *repo.NonceStore
	cache  Cache
	ttl    time.Duration
}

// NewGuard: cache может быть nil. ttl, срок хранения nonce (он же TTL в кэше).
func NewGuard(nonces *repo.NonceStore, cache Cache, ttl time.Duration) *Guard {
	return &Guard{nonces: nonces, cache: cache, ttl: ttl}
}

// Within: тот же guard поверх транзакции.
func (g *Guard) Within(tx *repo.Store) *Guard {
	return &Guard{nonces: tx.Nonces, cache: g.cache, ttl: g.ttl}
}

func (g *Guard) HasSeen(ctx context.Context, tenantID string, equipmentID uint, nonce string) (bool, error) {
	if g.cache != nil {
		seen, err := g.cache.Seen(ctx, cacheKey(tenantID, equipmentID, nonce))
		if err != nil {
			logs.With("replay").WithError(err).Warn("nonce cache lookup failed, using ledger")
		} else if seen {
			return true, nil
		}
	}
	return g.nonces.HasSeen(ctx, tenantID, equipmentID, nonce)
}

// Record: атомарная запись; при гонке второй получает repo.ErrDuplicateNonce.
func (g *Guard) Record(ctx context.Context, tenantID string, equipmentID uint, nonce string, ts int64) error {
	return g.nonces.Record(ctx, tenantID, equipmentID, nonce, ts)
}

// Remember помечает nonce в кэше после коммита. Best effort.
func (g *Guard) Remember(ctx context.Context, tenantID string, equipmentID uint, nonce string) {
	if g.cache == nil {
		return
	}
	ttl := g.ttl
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if err := g.cache.Mark(ctx, cacheKey(tenantID, equipmentID, nonce), ttl); err != nil {
		logs.With("replay").WithError(err).Warn("nonce cache mark failed")
	}
}

// Sweep удаляет записи журнала с ts < cutoff.
func (g *Guard) Sweep(ctx context.Context, cutoff int64) (int64, error) {
	return g.nonces.Sweep(ctx, cutoff)
}

// cacheKey: тенант приходит из заголовка и может содержать ':', поэтому
// перед ним стоит его длина, иначе ("a:1",2,"x") и ("a",1,"2:x") совпали бы.
func cacheKey(tenantID string, equipmentID uint, nonce string) string {
	return fmt.Sprintf("%d:%s:%d:%s", len(tenantID), tenantID, equipmentID, nonce)
}
