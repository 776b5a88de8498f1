package compute

import (
	"reflect"
	"strconv"
	"time"

	"github.com/backupbeacon/backupbeacon/pkg/types"
	"github.com/backupbeacon/backupbeacon/server/internal/status"
)

const (
	// FriendlyName labels the state entity on the consuming side.
	FriendlyName = "Backup State"

	// Never stands in for a date when there is no backup.
	Never = "Never"
)

// BackupEntry is one row of the backups attribute.
type BackupEntry struct {
	Name  string
	Date  string
	State string
	Size  string
	Slug  string
}

// Snapshot is the canonical content of a backup_state message.
type Snapshot struct {
	State        types.State
	LastBackup   string
	NextBackup   *string
	LastUploaded string

	// Per-source figures, keyed by status.Sources.
	Counts map[string]int
	Sizes  map[string]string

	// FreeSpace is keyed by status.Remotes; unknown figures are "".
	FreeSpace map[string]string

	Backups []BackupEntry
}

// BuildSnapshot assembles the snapshot for rep. Ignored backups are left out
// of every figure.
func BuildSnapshot(rep *status.Report, stale bool) Snapshot {
	snap := Snapshot{
		State:        OverallState(rep, stale),
		LastBackup:   Never,
		LastUploaded: Never,
		Counts:       make(map[string]int, len(status.Sources)),
		Sizes:        make(map[string]string, len(status.Sources)),
		FreeSpace:    make(map[string]string, len(status.Remotes)),
		Backups:      []BackupEntry{},
	}

	var (
		last, lastUploaded time.Time
		totals             = make(map[string]int64, len(status.Sources))
	)
	for _, b := range rep.Backups {
		if b.Ignored {
			continue
		}
		if b.Date.After(last) || snap.LastBackup == Never {
			last = b.Date
			snap.LastBackup = formatDate(b.Date)
		}
		if b.In(status.SourceGoogleDrive) && (b.Date.After(lastUploaded) || snap.LastUploaded == Never) {
			lastUploaded = b.Date
			snap.LastUploaded = formatDate(b.Date)
		}
		for _, src := range status.Sources {
			if b.In(src) {
				snap.Counts[src]++
				totals[src] += b.SizeBytes
			}
		}
		snap.Backups = append(snap.Backups, BackupEntry{
			Name:  b.Name,
			Date:  formatDate(b.Date),
			State: b.Status,
			Size:  SizeString(b.SizeBytes),
			Slug:  b.Slug,
		})
	}

	for _, src := range status.Sources {
		snap.Sizes[src] = SizeString(totals[src])
		if _, ok := snap.Counts[src]; !ok {
			snap.Counts[src] = 0
		}
	}
	for _, remote := range status.Remotes {
		if free, ok := rep.FreeSpace[remote]; ok {
			snap.FreeSpace[remote] = SizeString(free)
		} else {
			snap.FreeSpace[remote] = ""
		}
	}
	if rep.NextBackup != nil {
		next := formatDate(*rep.NextBackup)
		snap.NextBackup = &next
	}
	return snap
}

// Equal reports whether two snapshots would produce the same message.
func (s Snapshot) Equal(o Snapshot) bool {
	return reflect.DeepEqual(s, o)
}

// Attributes renders the attributes object of backup_state.
func (s Snapshot) Attributes() map[string]any {
	attrs := map[string]any{
		"friendly_name": FriendlyName,
		"last_backup":   s.LastBackup,
		"last_uploaded": s.LastUploaded,
	}
	if s.NextBackup != nil {
		attrs["next_backup"] = *s.NextBackup
	} else {
		attrs["next_backup"] = nil
	}
	for src, n := range s.Counts {
		attrs["backups_in_"+src] = n
	}
	for src, size := range s.Sizes {
		attrs["size_in_"+src] = size
	}
	for remote, free := range s.FreeSpace {
		attrs["free_space_in_"+remote] = free
	}

	backups := make([]map[string]string, 0, len(s.Backups))
	for _, b := range s.Backups {
		backups = append(backups, map[string]string{
			"name":  b.Name,
			"date":  b.Date,
			"state": b.State,
			"size":  b.Size,
			"slug":  b.Slug,
		})
	}
	attrs["backups"] = backups
	return attrs
}

// Message returns the backup_state message for s.
func (s Snapshot) Message() types.BackupState {
	return types.BackupState{State: s.State, Attributes: s.Attributes()}
}

// SizeString formats a byte count the way the backup service displays it:
// whole units, binary multiples.
func SizeString(bytes int64) string {
	const unit = 1024
	switch {
	case bytes <= unit:
		return strconv.FormatInt(bytes, 10) + " B"
	case bytes <= unit*unit:
		return strconv.FormatInt(bytes/unit, 10) + " kB"
	case bytes <= unit*unit*unit:
		return strconv.FormatInt(bytes/(unit*unit), 10) + " MB"
	default:
		return strconv.FormatInt(bytes/(unit*unit*unit), 10) + " GB"
	}
}

// formatDate renders t in ISO 8601 with a numeric offset ("+00:00", never
// "Z"). Microseconds appear only when non-zero.
func formatDate(t time.Time) string {
	if t.Nanosecond()/int(time.Microsecond) != 0 {
		return t.Format("2006-01-02T15:04:05.000000-07:00")
	}
	return t.Format("2006-01-02T15:04:05-07:00")
}
