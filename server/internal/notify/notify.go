package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/backupbeacon/backupbeacon/server/internal/config"
)

const defaultTimeout = 10 * time.Second

// StaleID identifies the stale-backup notification.
const StaleID = "backup_beacon_stale"

const (
	staleTitle      = "Backup Beacon is Having Trouble"
	staleDescLink   = "Backups are having trouble and need attention. Please visit the [status page](%s) for details."
	staleDescStatic = "Backups are having trouble and need attention. Please visit the status page for details."
)

// Severity levels understood by webhook formatting.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Notification is one user-visible message.
type Notification struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// StaleNotification returns the stale-backup notification, linking to
// statusURL when it is set.
func StaleNotification(statusURL string) Notification {
	msg := staleDescStatic
	if statusURL != "" {
		msg = fmt.Sprintf(staleDescLink, statusURL)
	}
	return Notification{
		ID:       StaleID,
		Title:    staleTitle,
		Message:  msg,
		Severity: SeverityCritical,
	}
}

// HTTPError is returned when a target answers with a 4xx or 5xx code.
type HTTPError struct {
	Target     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("notify: %s returned HTTP %d", e.Target, e.StatusCode)
}

// Transient reports whether the target is likely restarting.
func (e *HTTPError) Transient() bool {
	return e.StatusCode/100 == 5
}

// delivery is what a target last acknowledged for one notification id.
type delivery int

const (
	unknown delivery = iota
	raised
	dismissed
)

// Notifier sends notifications to every configured target. It remembers
// per target what was acknowledged, so a retry after a partial failure only
// reaches the targets that have not yet accepted the notification.
type Notifier struct {
	targets []config.TargetConfig
	client  *http.Client

	mu    sync.Mutex
	state []map[string]delivery // indexed like targets
}

// New creates a Notifier for cfg. Targets whose URL environment variable is
// unset are skipped at send time.
func New(cfg config.NotificationsConfig) *Notifier {
	state := make([]map[string]delivery, len(cfg.Targets))
	for i := range state {
		state[i] = make(map[string]delivery)
	}
	return &Notifier{
		targets: cfg.Targets,
		client:  &http.Client{Timeout: defaultTimeout},
		state:   state,
	}
}

// Enabled reports whether any target is configured.
func (n *Notifier) Enabled() bool {
	return len(n.targets) > 0
}

// Notify raises nt on every target that has not already accepted it.
// Delivery continues past failures; the returned error joins every target's
// error.
func (n *Notifier) Notify(ctx context.Context, nt Notification) error {
	return n.each(ctx, "notify", nt.ID, raised, func(t config.TargetConfig, url string) error {
		switch t.Type {
		case "slack":
			return n.sendSlack(ctx, url, nt)
		case "teams":
			return n.sendTeams(ctx, url, nt)
		case "http":
			return n.sendHTTP(ctx, url, nt, "firing")
		case "homeassistant":
			return n.haCreate(ctx, url, t.Token(), nt)
		}
		return fmt.Errorf("notify: unknown target type %q", t.Type)
	})
}

// Dismiss withdraws the notification with the given id from every target
// that has not already acknowledged the dismissal. Targets in an unknown
// state are included, which clears notifications left by a previous run.
func (n *Notifier) Dismiss(ctx context.Context, id string) error {
	resolved := Notification{
		ID:       id,
		Title:    "Backups recovered",
		Message:  "Backups are healthy again.",
		Severity: SeverityInfo,
	}
	return n.each(ctx, "dismiss", id, dismissed, func(t config.TargetConfig, url string) error {
		switch t.Type {
		case "slack":
			return n.sendSlack(ctx, url, resolved)
		case "teams":
			return n.sendTeams(ctx, url, resolved)
		case "http":
			return n.sendHTTP(ctx, url, resolved, "resolved")
		case "homeassistant":
			return n.haDismiss(ctx, url, t.Token(), id)
		}
		return fmt.Errorf("notify: unknown target type %q", t.Type)
	})
}

// each sends to every target whose state for id is not already want, and
// records want for the targets that accepted.
func (n *Notifier) each(ctx context.Context, op, id string, want delivery, send func(config.TargetConfig, string) error) error {
	var errs []error
	for i, t := range n.targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if n.get(i, id) == want {
			continue
		}
		url := t.URL()
		if url == "" {
			slog.Debug("notify: target has no url, skipping", "type", t.Type, "url_env", t.URLEnv)
			continue
		}
		if err := send(t, url); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op, t.Type, err))
			continue
		}
		n.set(i, id, want)
		slog.Debug("notify: delivered", "op", op, "type", t.Type)
	}
	return errors.Join(errs...)
}

func (n *Notifier) get(i int, id string) delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state[i][id]
}

func (n *Notifier) set(i int, id string, d delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state[i][id] = d
}
