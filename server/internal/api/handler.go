package api

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/backupbeacon/backupbeacon/pkg/types"
)

// StateView is the read side of the broadcast hub.
type StateView interface {
	Count() int
	Last() map[types.Kind]json.RawMessage
}

// Handler is the HTTP handler for the health, state and metrics endpoints.
type Handler struct {
	view StateView
	mux  *http.ServeMux
}

// New creates a Handler reading from view. Metrics are served from gatherer;
// a nil gatherer selects prometheus.DefaultGatherer.
func New(view StateView, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{view: view, mux: http.NewServeMux()}

	h.mux.HandleFunc("/health", h.health)
	h.mux.HandleFunc("/api/v1/state", h.state)
	h.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /health: liveness plus the subscriber count.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok", Clients: h.view.Count()})
}

// state returns GET /api/v1/state: what a subscriber connecting now would
// be replayed.
func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	last := h.view.Last()
	resp := StateResponse{
		Messages:    make(map[string]json.RawMessage, len(last)),
		Subscribers: h.view.Count(),
	}
	for kind, raw := range last {
		resp.Messages[string(kind)] = raw
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
