// Package types defines the message vocabulary shared by the agent and the
// server. Both sides speak JSON text frames over a single WebSocket
// connection; every frame carries an explicit "type" field:
//
//	{"type": "backup_state", "state": "backed_up", "attributes": {...}}
//	{"type": "backup_stale", "is_stale": false}
//
// Encode(msg) produces a frame for a BackupState or BackupStale value.
// Decode(data) parses a frame back into one of those values. Decode never
// panics: a frame that is not valid JSON returns ErrMalformedFrame, a frame
// without a type returns ErrMissingType and an unrecognised type returns an
// *UnknownTypeError. Receivers drop such frames and keep the connection open.
//
// Unknown fields inside a known frame are ignored so new optional
// attributes can be added without breaking older consumers.
package types
