package lockmgr

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/telemetry"
)

// RunTTLSweeper releases locks whose absolute TTL has passed. Cadence is
// modest (~5 min); the admission path already ignores expired locks, so the
// sweeper only reclaims rows and emits the lock.expired event.
func (m *Manager) RunTTLSweeper(ctx context.Context) error {
	return m.runSweeper(ctx, "ttl", m.cfg.TTLSweepInterval, func(l model.Lock, now time.Time) (bool, string) {
		if !now.Before(l.ExpiresAt) {
			return true, model.ReleaseReasonTTLExpired
		}
		return false, ""
	})
}

// RunHeartbeatSweeper releases locks whose holder went silent for more than
// the grace window. Tighter cadence (~30 s) so dead holders free their
// resources quickly.
func (m *Manager) RunHeartbeatSweeper(ctx context.Context) error {
	return m.runSweeper(ctx, "heartbeat", m.cfg.HeartbeatSweep, func(l model.Lock, now time.Time) (bool, string) {
		if l.HeartbeatIntervalS == nil {
			return false, ""
		}
		last := l.AcquiredAt
		if l.LastHeartbeat != nil {
			last = *l.LastHeartbeat
		}
		grace := time.Duration(*l.HeartbeatIntervalS*m.cfg.HeartbeatGraceFactor) * time.Second
		if now.Sub(last) > grace {
			return true, model.ReleaseReasonHeartbeatMissed
		}
		return false, ""
	})
}

func (m *Manager) runSweeper(ctx context.Context, name string, interval time.Duration, expired func(model.Lock, time.Time) (bool, string)) error {
	meter := telemetry.Meter("ramus/lockmgr")
	swept, _ := meter.Int64Counter("ramus.locks.swept",
		metric.WithDescription("Expired locks released by sweepers"))

	m.logger.Info("lock sweeper starting", "sweeper", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lock sweeper stopping", "sweeper", name)
			return ctx.Err()
		case <-ticker.C:
		}

		candidates, err := m.db.ListSweepCandidates(ctx, m.cfg.HeartbeatGraceFactor)
		if err != nil {
			m.logger.Error("lock sweep listing failed", "sweeper", name, "error", err)
			continue
		}
		now := time.Now().UTC()
		for _, l := range candidates {
			isExpired, reason := expired(l, now)
			if !isExpired {
				continue
			}
			if err := m.release(ctx, l.ID, model.LockAuditExpiredSweep, reason, "system:sweeper"); err != nil {
				if errors.Is(err, ErrLockGone) {
					continue
				}
				m.logger.Error("lock sweep release failed",
					"sweeper", name, "lock_id", l.ID, "error", err)
				continue
			}
			swept.Add(ctx, 1)
			m.logger.Warn("expired lock released",
				"sweeper", name,
				"lock_id", l.ID,
				"branch", l.Branch,
				"holder", l.Holder,
				"reason", reason)
		}
	}
}
