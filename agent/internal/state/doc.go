// Package state holds what the agent knows about the server: whether it is
// connected, the last backup_state and the last backup_stale flag.
//
// Store is the client's sink. Display components read Current or register
// with Subscribe to receive an Event for every change; the store only emits,
// it does not know who listens. A subscriber that falls behind loses events
// rather than blocking the connection.
package state
