// Package api implements the plain HTTP surface of backupbeacon-server.
//
// New(view, gatherer) returns an http.Handler that serves:
//
//	GET /health         {"status":"ok","clients":N}
//	GET /api/v1/state   last published message of each kind, keyed by type
//	GET /metrics        Prometheus exposition of the process registry
//
// /health and /api/v1/state respond with Content-Type: application/json and
// return 405 for non-GET methods. The WebSocket endpoint (/ws) is mounted by
// the caller next to this handler.
package api
