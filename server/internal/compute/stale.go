package compute

import (
	"time"

	"github.com/backupbeacon/backupbeacon/pkg/types"
	"github.com/backupbeacon/backupbeacon/server/internal/status"
)

// Thresholds configures the staleness rule.
type Thresholds struct {
	// BackupStale is how long an error state may last before the backups
	// are stale.
	BackupStale time.Duration

	// LongTermStale is the grace period after the next scheduled backup.
	LongTermStale time.Duration
}

// IsStale reports whether rep describes backups that have likely failed or
// are overdue at now.
func IsStale(rep *status.Report, now time.Time, th Thresholds) bool {
	if rep.FirstSync {
		return false
	}
	if rep.HasError() {
		return !now.Before(rep.LastSuccess.Add(th.BackupStale))
	}
	if rep.NextScheduled == nil {
		return false
	}
	return !now.Before(rep.NextScheduled.Add(th.LongTermStale))
}

// OverallState maps a report and its staleness to the state sent in
// backup_state.
func OverallState(rep *status.Report, stale bool) types.State {
	switch {
	case stale:
		return types.StateError
	case rep.FirstSync:
		return types.StateWaiting
	default:
		return types.StateBackedUp
	}
}
