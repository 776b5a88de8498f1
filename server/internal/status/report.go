package status

import (
	"context"
	"time"
)

// Backup locations known to the backup service. Attribute keys are derived
// from these names.
const (
	SourceHomeAssistant = "home_assistant"
	SourceGoogleDrive   = "google_drive"
)

// Sources lists every location a backup can live in, in attribute order.
var Sources = []string{SourceGoogleDrive, SourceHomeAssistant}

// Remotes lists the locations that report free space.
var Remotes = []string{SourceGoogleDrive}

// Backup is one backup as reported by the backup service.
type Backup struct {
	Name      string    `json:"name"`
	Date      time.Time `json:"date"`
	Status    string    `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	Slug      string    `json:"slug"`
	Sources   []string  `json:"sources"`
	// Ignored backups are not shown to subscribers.
	Ignored bool `json:"ignored"`
}

// In reports whether the backup is present in source.
func (b Backup) In(source string) bool {
	for _, s := range b.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// Report is the backup service's view of itself at one point in time.
type Report struct {
	// FirstSync is true until the backup service has completed its first
	// synchronisation. Nothing is stale while it holds.
	FirstSync bool `json:"first_sync"`

	// LastError is non-empty while the backup service is in an error state.
	LastError string `json:"last_error"`

	// LastSuccess is the time of the last successful sync.
	LastSuccess time.Time `json:"last_success"`

	// NextScheduled is the next backup the schedule calls for, ignoring
	// backups that are pending. Nil when no schedule is configured.
	NextScheduled *time.Time `json:"next_scheduled"`

	// NextBackup is the next backup including pending ones; this is what
	// is displayed.
	NextBackup *time.Time `json:"next_backup"`

	Backups []Backup `json:"backups"`

	// FreeSpace maps a remote to its free space in bytes. Remotes without a
	// figure are absent.
	FreeSpace map[string]int64 `json:"free_space"`
}

// HasError reports whether the backup service is in an error state.
func (r *Report) HasError() bool {
	return r.LastError != ""
}

// Source is anything that can produce a Report.
type Source interface {
	Report(ctx context.Context) (*Report, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Report, error)

// Report calls f(ctx).
func (f SourceFunc) Report(ctx context.Context) (*Report, error) {
	return f(ctx)
}
