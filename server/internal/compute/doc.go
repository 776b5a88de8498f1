// Package compute derives what subscribers are told from a status report.
//
// stale.go provides IsStale and OverallState. Both take the current time as
// an argument so tests are deterministic. Staleness rules, in order:
//
//	first sync in progress        never stale
//	backup service in error       stale once now >= last_success + backup_stale
//	no backup schedule            never stale
//	otherwise                     stale once now >= next_scheduled + long_term_stale
//
// snapshot.go builds the backup_state payload (Snapshot) and compares
// snapshots for the worker's duplicate suppression.
//
// Overall state: error when stale, waiting during the first sync,
// backed_up otherwise.
package compute
