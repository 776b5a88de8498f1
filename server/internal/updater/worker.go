package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/backupbeacon/backupbeacon/pkg/backoff"
	"github.com/backupbeacon/backupbeacon/pkg/types"
	"github.com/backupbeacon/backupbeacon/server/internal/compute"
	"github.com/backupbeacon/backupbeacon/server/internal/notify"
	"github.com/backupbeacon/backupbeacon/server/internal/status"
)

const (
	defaultInterval = 10 * time.Second
	defaultBackoff  = time.Minute
	defaultMaxDelay = 5 * time.Minute
)

// Publisher is the outbound channel: the broadcast hub on the service side,
// the reconnecting client on the consuming side.
type Publisher interface {
	Publish(ctx context.Context, msg types.Message) error
}

// Notifier raises and withdraws side-channel notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
	Dismiss(ctx context.Context, id string) error
}

// Options wires a Worker.
type Options struct {
	Source    status.Source
	Publisher Publisher

	// Notifier is optional; nil disables notifications.
	Notifier Notifier

	// StatusURL is linked from notifications when set.
	StatusURL string

	Settings Settings

	// Backoff applies after a failed tick. Nil selects 1m doubling to 5m.
	Backoff *backoff.Backoff

	// OnSourceStatus, if set, is called after every tick with whether the
	// status source answered.
	OnSourceStatus func(ok bool)

	// Registerer receives the worker's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Worker is the staleness update worker. Run drives it; the other methods
// are safe to call from any goroutine.
type Worker struct {
	source    status.Source
	publisher Publisher
	notifier  Notifier
	statusURL string
	backoff   *backoff.Backoff
	onStatus  func(bool)
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	metrics   workerMetrics

	mu       sync.Mutex
	settings Settings

	triggered atomic.Bool
	wake      chan struct{}

	// Owned by the Run goroutine.
	stale      lastSent[bool]
	snapshot   lastSent[compute.Snapshot]
	raised     bool // Notify was attempted this episode
	notified   bool // every target accepted it
	staleSince time.Time
	firstError time.Time
}

type workerMetrics struct {
	ticks     *prometheus.CounterVec
	published *prometheus.CounterVec
	stale     prometheus.Gauge
	backoff   prometheus.Gauge
}

// New creates a Worker.
func New(opts Options) *Worker {
	if opts.Settings.Interval <= 0 {
		opts.Settings.Interval = defaultInterval
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.New(defaultBackoff, defaultMaxDelay)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.OnSourceStatus == nil {
		opts.OnSourceStatus = func(bool) {}
	}
	f := promauto.With(opts.Registerer)
	return &Worker{
		source:    opts.Source,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		statusURL: opts.StatusURL,
		backoff:   opts.Backoff,
		onStatus:  opts.OnSourceStatus,
		now:       opts.Now,
		sleep:     opts.Sleep,
		settings:  opts.Settings,
		wake:      make(chan struct{}, 1),
		metrics: workerMetrics{
			ticks: f.NewCounterVec(prometheus.CounterOpts{
				Name: "backupbeacon_updater_ticks_total",
				Help: "Update worker ticks, by result.",
			}, []string{"result"}),
			published: f.NewCounterVec(prometheus.CounterOpts{
				Name: "backupbeacon_updater_published_total",
				Help: "Messages handed to the publisher, by kind.",
			}, []string{"kind"}),
			stale: f.NewGauge(prometheus.GaugeOpts{
				Name: "backupbeacon_backups_stale",
				Help: "1 while backups are stale.",
			}),
			backoff: f.NewGauge(prometheus.GaugeOpts{
				Name: "backupbeacon_updater_backoff_seconds",
				Help: "Current failure backoff delay; 0 after a successful tick.",
			}),
		},
	}
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("updater: started", "interval", w.current().Interval)
	for {
		w.runOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("updater: stopped")
			return
		}

		timer := time.NewTimer(w.current().Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("updater: stopped")
			return
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}
	}
}

// Trigger forces the next tick to publish both messages even if nothing
// changed, and wakes the worker.
func (w *Worker) Trigger() {
	w.triggered.Store(true)
	w.signal()
}

// Reconfigure replaces the worker's settings. A changed interval wakes the
// worker so the new period starts now.
func (w *Worker) Reconfigure(s Settings) {
	if s.Interval <= 0 {
		s.Interval = defaultInterval
	}
	w.mu.Lock()
	changed := w.settings.Interval != s.Interval
	w.settings = s
	w.mu.Unlock()

	slog.Info("updater: settings updated", "interval", s.Interval, "interval_changed", changed)
	if changed {
		w.signal()
	}
}

func (w *Worker) current() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// runOnce performs one tick and its success or failure bookkeeping. On
// failure it sleeps the backoff delay before returning.
func (w *Worker) runOnce(ctx context.Context) {
	forced := w.triggered.Swap(false)
	sourceOK, err := w.safeTick(ctx, forced)
	if err == nil {
		w.backoff.Reset()
		w.firstError = time.Time{}
		w.metrics.ticks.WithLabelValues("ok").Inc()
		w.metrics.backoff.Set(0)
		w.onStatus(true)
		return
	}
	if forced {
		// Keep the request for the next successful tick.
		w.triggered.Store(true)
	}
	if ctx.Err() != nil {
		return
	}

	w.metrics.ticks.WithLabelValues("error").Inc()
	w.onStatus(sourceOK)
	w.logFailure(err)
	if !sourceOK {
		w.stale.forget()
		w.snapshot.forget()
	}

	delay := w.backoff.Next()
	w.metrics.backoff.Set(delay.Seconds())
	slog.Debug("updater: backing off", "delay", delay, "failures", w.backoff.Failures())
	w.backoffWait(ctx, delay)
}

// backoffWait sleeps d, returning early when ctx ends or the worker is woken
// by Trigger or Reconfigure. A consumed wake is re-signalled so Run skips its
// interval wait too.
func (w *Worker) backoffWait(ctx context.Context, d time.Duration) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	woke := make(chan bool, 1)
	go func() {
		select {
		case <-w.wake:
			cancel()
			woke <- true
		case <-stop:
			woke <- false
		}
	}()

	w.sleep(sctx, d) //nolint:errcheck
	close(stop)
	if <-woke {
		slog.Debug("updater: backoff cut short")
		w.signal()
	}
}

// safeTick runs one tick. sourceOK reports whether the status source
// answered, even when a later step failed.
func (w *Worker) safeTick(ctx context.Context, forced bool) (sourceOK bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("updater: panic in tick",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("updater: panic: %v", r)
		}
	}()
	return w.tick(ctx, forced)
}

func (w *Worker) tick(ctx context.Context, forced bool) (bool, error) {
	rep, err := w.source.Report(ctx)
	if err != nil {
		return false, fmt.Errorf("updater: query status: %w", err)
	}

	s := w.current()
	now := w.now()

	stale := compute.IsStale(rep, now, s.thresholds())
	if stale {
		w.metrics.stale.Set(1)
	} else {
		w.metrics.stale.Set(0)
	}

	if w.stale.due(stale, func(a, b bool) bool { return a == b }, now, s.MaxRefresh, forced) {
		if w.publish(ctx, types.BackupStale{IsStale: stale}) {
			w.stale.record(stale, now)
		}
	}

	snap := compute.BuildSnapshot(rep, stale)
	if w.snapshot.due(snap, compute.Snapshot.Equal, now, s.MaxRefresh, forced) {
		if w.publish(ctx, snap.Message()) {
			w.snapshot.record(snap, now)
		}
	}

	return true, w.applyNotificationPolicy(ctx, s, stale, now)
}

// publish hands msg to the publisher and reports whether it was accepted.
// A refused publish is retried on the next tick.
func (w *Worker) publish(ctx context.Context, msg types.Message) bool {
	if err := w.publisher.Publish(ctx, msg); err != nil {
		slog.Debug("updater: publish failed, will retry next tick", "kind", msg.Kind(), "err", err)
		return false
	}
	w.metrics.published.WithLabelValues(string(msg.Kind())).Inc()
	return true
}

func (w *Worker) applyNotificationPolicy(ctx context.Context, s Settings, stale bool, now time.Time) error {
	if !stale {
		w.staleSince = time.Time{}
	} else if w.staleSince.IsZero() {
		w.staleSince = now
	}
	if w.notifier == nil {
		return nil
	}

	// The notifier skips targets that already accepted, so retrying after a
	// partial failure only reaches the ones that failed.
	want := s.NotifyForStale && stale && !now.Before(w.staleSince.Add(s.NotifyDelay))
	switch {
	case want && !w.notified:
		w.raised = true
		if err := w.notifier.Notify(ctx, notify.StaleNotification(w.statusURL)); err != nil {
			return fmt.Errorf("updater: notify: %w", err)
		}
		w.notified = true
		slog.Info("updater: stale backup notification raised", "stale_since", w.staleSince)
	case !stale && w.raised:
		if err := w.notifier.Dismiss(ctx, notify.StaleID); err != nil {
			return fmt.Errorf("updater: dismiss: %w", err)
		}
		w.raised, w.notified = false, false
		slog.Info("updater: stale backup notification dismissed")
	}
	return nil
}

// logFailure logs a failed tick. Errors that mean the other side is
// restarting stay at debug level until the error grace period has passed.
func (w *Worker) logFailure(err error) {
	now := w.now()
	if w.firstError.IsZero() {
		w.firstError = now
	}
	if !isTransient(err) {
		slog.Error("updater: tick failed", "err", err)
		return
	}
	grace := w.current().ErrorGrace
	if now.After(w.firstError.Add(grace)) {
		slog.Error("updater: backup service unreachable, this is normal while it restarts but it has not come back",
			"since", w.firstError, "err", err)
		return
	}
	slog.Debug("updater: backup service unavailable, probably restarting", "err", err)
}

func isTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return status.IsTransient(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
