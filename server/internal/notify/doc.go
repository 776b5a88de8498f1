// Package notify delivers stale-backup notifications to the configured
// targets: Slack and Teams incoming webhooks, generic HTTP endpoints and
// Home Assistant persistent notifications.
//
// Notify raises a notification on every target; Dismiss withdraws it.
// Home Assistant supports real dismissal; webhook targets receive a
// "resolved" message instead. Deciding when to notify is the caller's job.
package notify
