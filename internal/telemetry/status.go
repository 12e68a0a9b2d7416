package telemetry

import "time"

const (
	StatusNever   = "NEVER"
	StatusOK      = "OK"
	StatusWarning = "WARNING"
)

// Status считает состояние связи по last-seen: NEVER, если событий не было,
// WARNING, если тишина дольше stale, иначе OK.
func Status(lastSeen *time.Time, stale time.Duration, now time.Time) string {
	if lastSeen == nil || lastSeen.IsZero() {
		return StatusNever
	}
	if now.Sub(*lastSeen) > stale {
		return StatusWarning
	}
	return StatusOK
}
