package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/backupbeacon/backupbeacon/pkg/types"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultHeartbeat    = 30 * time.Second
	defaultQueueSize    = 16

	// maxInboundSize bounds frames read from subscribers. Subscribers are
	// not expected to send anything beyond control frames.
	maxInboundSize = 4096
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("ws: hub closed")

// Options tunes a Hub. Zero values select defaults.
type Options struct {
	// WriteTimeout is the deadline for a single write to a subscriber.
	WriteTimeout time.Duration

	// Heartbeat is the ping period. A subscriber whose pong does not arrive
	// within Heartbeat+WriteTimeout is treated as gone.
	Heartbeat time.Duration

	// QueueSize is the per-subscriber outgoing message buffer depth.
	QueueSize int

	// Registerer receives the hub's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = defaultHeartbeat
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

// Hub manages subscriber connections and fans published messages out to them.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	metrics  hubMetrics

	mu      sync.Mutex
	clients map[*client]struct{}
	last    map[types.Kind][]byte
	closed  bool

	pumps sync.WaitGroup
}

// client represents one connected subscriber.
type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
}

type hubMetrics struct {
	subscribers prometheus.Gauge
	published   *prometheus.CounterVec
	evicted     *prometheus.CounterVec
}

// New creates a Hub.
func New(opts Options) *Hub {
	opts = opts.withDefaults()
	f := promauto.With(opts.Registerer)
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Allow all origins; apply CORS at the reverse-proxy level.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: hubMetrics{
			subscribers: f.NewGauge(prometheus.GaugeOpts{
				Name: "backupbeacon_ws_subscribers",
				Help: "Number of connected WebSocket subscribers.",
			}),
			published: f.NewCounterVec(prometheus.CounterOpts{
				Name: "backupbeacon_ws_published_total",
				Help: "Messages published to the hub, by kind.",
			}, []string{"kind"}),
			evicted: f.NewCounterVec(prometheus.CounterOpts{
				Name: "backupbeacon_ws_evicted_total",
				Help: "Subscribers removed by the hub, by reason.",
			}, []string{"reason"}),
		},
		clients: make(map[*client]struct{}),
		last:    make(map[types.Kind][]byte),
	}
}

// Publish records msg as the last message of its kind and queues it for
// every connected subscriber. It never blocks on subscriber I/O.
func (h *Hub) Publish(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := types.Encode(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.last[msg.Kind()] = data
	var evicted []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Outgoing buffer is full: the subscriber is not keeping up.
			h.detachLocked(c)
			evicted = append(evicted, c)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.published.WithLabelValues(string(msg.Kind())).Inc()
	for _, c := range evicted {
		h.metrics.evicted.WithLabelValues("queue_full").Inc()
		slog.Warn("hub: subscriber too slow, evicted",
			"subscriber", c.id, "remote", c.remote, "queue", cap(c.send))
	}
	if n == 0 {
		slog.Debug("hub: no subscribers, message recorded only", "kind", msg.Kind())
	} else {
		slog.Debug("hub: broadcast", "kind", msg.Kind(), "subscribers", n)
	}
	return nil
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the
// subscriber. It replays the last message of each kind immediately, then
// streams publishes. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		conn:   conn,
		// Room for the replay on top of the regular queue.
		send: make(chan []byte, h.opts.QueueSize+len(types.Kinds)),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	slog.Info("hub: subscriber connected",
		"subscriber", c.id, "remote", c.remote, "subscribers", h.Count())

	go h.writePump(c)
	h.readPump(c) // blocks until connection closes

	if h.remove(c) {
		h.metrics.evicted.WithLabelValues("disconnected").Inc()
	}
	slog.Info("hub: subscriber disconnected",
		"subscriber", c.id, "remote", c.remote, "subscribers", h.Count())
}

// Count returns the number of currently connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Last returns a copy of the last published frame of each kind.
func (h *Hub) Last() map[types.Kind]json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[types.Kind]json.RawMessage, len(h.last))
	for k, v := range h.last {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Close disconnects every subscriber and refuses new ones. It waits for the
// subscribers' writers to send their close frames. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	n := len(h.clients)
	for c := range h.clients {
		h.detachLocked(c)
	}
	h.mu.Unlock()

	h.pumps.Wait()
	slog.Info("hub: closed", "disconnected", n)
}

// --- internal ---------------------------------------------------------------

// register adds c and queues the replay in the same critical section as
// Publish, so the replay always precedes any newer publish on c.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, kind := range types.Kinds {
		if data, ok := h.last[kind]; ok {
			c.send <- data
		}
	}
	h.clients[c] = struct{}{}
	h.pumps.Add(1)
	h.metrics.subscribers.Set(float64(len(h.clients)))
	return true
}

// remove detaches c if it is still registered and reports whether it was.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	h.detachLocked(c)
	return true
}

// detachLocked drops c from the set and closes its queue, which makes its
// writePump send a close frame and exit. h.mu must be held.
func (h *Hub) detachLocked(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.metrics.subscribers.Set(float64(len(h.clients)))
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.Heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.pumps.Done()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)) //nolint:errcheck
			if !ok {
				// Queue closed: hub is shutting down or the client was removed.
				c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if h.remove(c) {
					h.metrics.evicted.WithLabelValues("send_failed").Inc()
					slog.Warn("hub: send failed, subscriber evicted",
						"subscriber", c.id, "remote", c.remote, "err", err)
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if h.remove(c) {
					h.metrics.evicted.WithLabelValues("heartbeat").Inc()
					slog.Warn("hub: ping failed, subscriber evicted",
						"subscriber", c.id, "remote", c.remote, "err", err)
				}
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages
// (pong, close) and detect disconnects. Blocks until the connection closes.
func (h *Hub) readPump(c *client) {
	pongWait := h.opts.Heartbeat + h.opts.WriteTimeout
	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("hub: read error", "subscriber", c.id, "err", err)
			}
			return
		}
		if kind == websocket.TextMessage {
			slog.Debug("hub: frame from subscriber ignored",
				"subscriber", c.id, "bytes", len(data))
		}
	}
}
