package updater

import (
	"time"

	"github.com/backupbeacon/backupbeacon/server/internal/compute"
	"github.com/backupbeacon/backupbeacon/server/internal/config"
)

// Settings are the worker parameters that may change at runtime.
type Settings struct {
	Interval       time.Duration
	BackupStale    time.Duration
	LongTermStale  time.Duration
	MaxRefresh     time.Duration
	NotifyForStale bool
	NotifyDelay    time.Duration
	ErrorGrace     time.Duration
}

// SettingsFrom extracts the runtime settings from cfg.
func SettingsFrom(cfg config.UpdaterConfig) Settings {
	return Settings{
		Interval:       cfg.ReportingInterval,
		BackupStale:    cfg.BackupStale,
		LongTermStale:  cfg.LongTermStale,
		MaxRefresh:     cfg.MaxRefresh,
		NotifyForStale: cfg.NotifyForStaleBackups,
		NotifyDelay:    cfg.NotifyDelay,
		ErrorGrace:     cfg.ErrorGrace,
	}
}

func (s Settings) thresholds() compute.Thresholds {
	return compute.Thresholds{BackupStale: s.BackupStale, LongTermStale: s.LongTermStale}
}

// lastSent remembers the last value published for one message kind.
type lastSent[T any] struct {
	value T
	at    time.Time
	ok    bool
}

// due reports whether v must be published at now.
func (l *lastSent[T]) due(v T, equal func(a, b T) bool, now time.Time, maxRefresh time.Duration, forced bool) bool {
	return forced || !l.ok || !equal(l.value, v) || !now.Before(l.at.Add(maxRefresh))
}

func (l *lastSent[T]) record(v T, now time.Time) {
	l.value, l.at, l.ok = v, now, true
}

func (l *lastSent[T]) forget() {
	var zero T
	l.value, l.at, l.ok = zero, time.Time{}, false
}
