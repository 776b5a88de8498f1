package api

import "encoding/json"

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// StateResponse is the JSON body of GET /api/v1/state.
type StateResponse struct {
	// Messages maps each message type to the last frame published for it.
	// Types never published are absent.
	Messages map[string]json.RawMessage `json:"messages"`
	// Subscribers is the number of connected WebSocket subscribers.
	Subscribers int `json:"subscribers"`
}

type errorResponse struct {
	Error string `json:"error"`
}
