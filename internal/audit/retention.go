package audit

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// RetentionPolicy keeps records matching ActionPattern for RetentionDays.
// The first matching policy wins; unmatched actions fall through to the
// default policy.
type RetentionPolicy struct {
	Name          string
	ActionPattern string
	RetentionDays int

	re *regexp.Regexp
}

// DefaultRetentionDays applies to actions no policy matches.
const DefaultRetentionDays = 365

// CompilePolicies validates and compiles the action patterns.
func CompilePolicies(policies []RetentionPolicy) ([]RetentionPolicy, error) {
	out := make([]RetentionPolicy, len(policies))
	for i, p := range policies {
		re, err := regexp.Compile(p.ActionPattern)
		if err != nil {
			return nil, fmt.Errorf("audit: retention policy %q pattern: %w", p.Name, err)
		}
		p.re = re
		out[i] = p
	}
	return out, nil
}

// RetentionFor returns the retention for an action under the policy set.
func RetentionFor(policies []RetentionPolicy, action string) time.Duration {
	for _, p := range policies {
		if p.re != nil && p.re.MatchString(action) {
			return time.Duration(p.RetentionDays) * 24 * time.Hour
		}
	}
	return DefaultRetentionDays * 24 * time.Hour
}

// RunRetention purges expired records on a fixed cadence. Only records at or
// below the latest sealed checkpoint are eligible, so every kept record
// remains verifiable. The shortest configured retention governs the purge
// horizon; per-action refinement happens at query time.
func (r *Recorder) RunRetention(ctx context.Context, interval time.Duration, policies []RetentionPolicy) error {
	retention := time.Duration(DefaultRetentionDays) * 24 * time.Hour
	for _, p := range policies {
		if d := time.Duration(p.RetentionDays) * 24 * time.Hour; d < retention {
			retention = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.db.PurgeAudit(ctx, retention)
			if err != nil {
				r.logger.Error("audit retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("audit records purged", "count", n, "retention", retention)
			}
		}
	}
}
