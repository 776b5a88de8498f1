// Package client maintains the agent's WebSocket connection to
// backupbeacon-server.
//
// Client.Start launches a single reconnect loop: dial, mark Connected,
// stream inbound frames to the Sink one at a time, and on any termination
// (dial failure, read error, heartbeat miss, close by the server, or the
// sink returning ErrStopListening) mark Disconnected and wait before the
// next attempt. The wait comes from pkg/backoff; with base equal to max it
// is a constant delay, which is the default.
//
// Heartbeat: the client pings every PingInterval and expects a pong (or
// any frame) within PingTimeout after that; the server's own pings are
// answered and count as liveness too.
//
// Frames that fail to decode are logged and dropped; the connection stays
// open. Until the first successful connect, connection failures are logged
// at debug level since the server is usually still starting.
//
// Client.Stop cancels the loop, interrupts any wait, closes the socket and
// returns once the loop goroutine has exited.
package client
