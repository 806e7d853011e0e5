// Package scheduler drives active claims toward release when abandoned and
// issues periodic reminder nudges, on policy thresholds supplied by the
// operator.
package scheduler

import (
	"fmt"
	"time"

	"claimflow/claim"
)

// Policy holds the staleness thresholds. Both values are required
// configuration with no built-in defaults.
type Policy struct {
	// NudgeIntervalDays is the number of whole days since the last nudge
	// (or creation) before a reminder goes out.
	NudgeIntervalDays int
	// ClaimExpiryDays is the number of whole days without activity before a
	// claim is auto-released.
	ClaimExpiryDays int
}

// Validate rejects unusable threshold values.
func (p Policy) Validate() error {
	if p.NudgeIntervalDays <= 0 {
		return fmt.Errorf("scheduler: nudge interval must be positive, got %d", p.NudgeIntervalDays)
	}
	if p.ClaimExpiryDays <= 0 {
		return fmt.Errorf("scheduler: claim expiry must be positive, got %d", p.ClaimExpiryDays)
	}
	return nil
}

// NeedsNudge reports whether a reminder is due. The interval is measured
// from the last nudge, falling back to creation for never-nudged claims.
func (p Policy) NeedsNudge(c claim.Claim, now time.Time) bool {
	if c.Status != claim.StatusActive {
		return false
	}
	return daysSince(c.NudgeBasis(), now) >= p.NudgeIntervalDays
}

// IsStale reports whether the claim has gone without activity long enough
// to be auto-released. Evaluated independently of NeedsNudge: a claim can
// be nudged and released in the same pass.
func (p Policy) IsStale(c claim.Claim, now time.Time) bool {
	return daysSince(c.LastActivityDate, now) >= p.ClaimExpiryDays
}

// daysSince counts whole elapsed days; partial days do not count.
func daysSince(t, now time.Time) int {
	elapsed := now.Sub(t)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / (24 * time.Hour))
}
