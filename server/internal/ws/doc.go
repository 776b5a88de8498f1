// Package ws implements the broadcast side of the state protocol.
//
// Hub keeps the set of connected subscribers and the last message published
// for each kind (backup_state, backup_stale). A subscriber that connects
// receives the last message of every kind that has ever been published
// before it receives anything else, so it never waits for the next update
// to learn the current state.
//
// New(opts) creates a Hub.
// Hub.Publish(ctx, msg) records msg as the last message of its kind and
// queues it for every subscriber. Publishing with no subscribers is not an
// error. A subscriber whose queue is full, or whose socket write fails or
// exceeds WriteTimeout, is evicted without affecting the others. Messages
// reach any one subscriber in publish order.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket and serves the
// subscriber until it disconnects. Frames sent by subscribers are logged
// and otherwise ignored.
// Hub.Close disconnects every subscriber and refuses new ones.
//
// Server owns the HTTP listener: Start binds the port, Stop closes the hub
// (and with it every subscriber), stops accepting, and releases the port.
//
// Message format sent to subscribers (see pkg/types):
//
//	{"type": "backup_state", "state": "backed_up", "attributes": {...}}
//	{"type": "backup_stale", "is_stale": false}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The server mounts the hub at /ws.
package ws
