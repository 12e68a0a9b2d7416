package replay

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mes/internal/logs"
)

// Sweeper периодически чистит журнал nonce. Работает отдельно от приёма
// событий и не берёт никаких блокировок в процессе: один DELETE по индексу ts.
type Sweeper struct {
	guard    *Guard
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

func NewSweeper(g *Guard, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{
		guard:    g,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		log:      logs.With("nonce-sweeper"),
	}
}

// SweepOnce удаляет записи старше now-ttl. ttl <= 0, хранить вечно.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl).Unix()
	return s.guard.Sweep(ctx, cutoff)
}

// Run крутится до отмены ctx. При interval <= 0 или ttl <= 0 сразу возвращает nil.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 || s.ttl <= 0 {
		s.log.Info("nonce sweeper disabled")
		return nil
	}
	s.log.WithFields(logrus.Fields{"interval": s.interval, "ttl": s.ttl}).Info("nonce sweeper started")

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("nonce sweeper stopped")
			return nil
		case <-t.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.WithError(err).Error("nonce sweep failed")
				continue
			}
			if n > 0 {
				s.log.WithField("removed", n).Info("expired nonces removed")
			} else {
				s.log.Debug("nonce sweep: nothing to remove")
			}
		}
	}
}
