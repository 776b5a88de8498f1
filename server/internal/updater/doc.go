// Package updater runs the staleness update worker.
//
// Every reporting interval the Worker asks the status source for a report,
// computes the staleness flag and the backup_state snapshot, and publishes
// each one if it changed, if a refresh was triggered, or if max_refresh has
// passed since it was last sent. It then applies the notification policy:
// one notification per stale episode (after notify_delay), dismissed when
// staleness clears.
//
// A failed tick (status source or notification target) is logged, forgets
// what was last sent so the next good tick republishes, and sleeps on the
// worker's own backoff before the next interval. 5xx and connection errors
// are logged at debug level until error_grace has passed since the first
// failure of the episode. A successful tick resets the backoff.
//
// Reconfigure applies new settings at runtime; a changed interval takes
// effect immediately. Trigger forces the next tick to publish and runs it
// now.
package updater
