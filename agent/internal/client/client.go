package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backupbeacon/backupbeacon/pkg/backoff"
	"github.com/backupbeacon/backupbeacon/pkg/types"
)

const (
	defaultReconnectDelay = 60 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second

	maxFrameSize = 1 << 20
)

var (
	// ErrNotConnected is returned by Publish while no connection is open.
	ErrNotConnected = errors.New("client: not connected")

	// ErrStopListening may be returned by Sink.HandleMessage to end the
	// current connection. The client reconnects after the usual delay.
	ErrStopListening = errors.New("client: stop listening")
)

// ConnectionState is the state of the current connection attempt.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Sink receives what the client learns. Calls come from the client's loop
// goroutine, one at a time.
type Sink interface {
	// HandleMessage is called for every decoded frame.
	HandleMessage(msg types.Message) error
	// SetAvailable is called when the client becomes connected or stops
	// being connected.
	SetAvailable(connected bool)
}

// Options configures a Client. Zero durations select defaults.
type Options struct {
	// URL is the server's WebSocket endpoint, e.g. ws://localhost:8098/ws.
	URL string

	// Header is sent with the opening handshake (API key).
	Header http.Header

	// ReconnectDelay is the wait between attempts. MaxReconnectDelay above
	// it makes the wait grow exponentially up to that cap.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client is a reconnecting WebSocket client.
type Client struct {
	opts    Options
	sink    Sink
	dialer  *websocket.Dialer
	backoff *backoff.Backoff

	state         atomic.Int32
	everConnected atomic.Bool

	// lifecycle; the loop goroutine never takes mu.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// current connection; writeMu serialises data frames.
	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New creates a Client that reports to sink. Start must be called to
// connect.
func New(opts Options, sink Sink) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = opts.PingTimeout
		dialer = &d
	}
	return &Client{
		opts:    opts,
		sink:    sink,
		dialer:  dialer,
		backoff: backoff.New(opts.ReconnectDelay, opts.MaxReconnectDelay),
	}
}

// Start launches the reconnect loop. It returns immediately; calling it on
// a running client does nothing. The loop ends when ctx is cancelled or
// Stop is called.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
			// previous loop ended on its own (ctx cancelled); restart.
		default:
			return
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
	slog.Info("client: started", "url", c.opts.URL)
}

// Stop ends the loop, closes the connection and waits for the loop
// goroutine to exit. It is safe to call more than once.
func (c *Client) Stop() {
	// Held until the loop has exited, so a concurrent Start waits for it.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.closeConn()
	<-c.done
	c.cancel, c.done = nil, nil
	slog.Info("client: stopped", "url", c.opts.URL)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Publish sends msg to the server on the current connection.
func (c *Client) Publish(ctx context.Context, msg types.Message) error {
	data, err := types.Encode(msg)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.PingTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline) //nolint:errcheck
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: publish: %w", err)
	}
	return nil
}

// --- loop -------------------------------------------------------------------

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.safeSession(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}

		wait := c.backoff.Next()
		if c.everConnected.Load() {
			slog.Info("client: reconnecting", "url", c.opts.URL, "retry_in", wait, "err", err)
		} else {
			slog.Debug("client: server unavailable, will retry", "url", c.opts.URL, "retry_in", wait, "err", err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) safeSession(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("client: panic in connection loop",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("client: panic: %v", r)
		}
	}()
	return c.session(ctx)
}

// session dials once and listens until the connection ends.
func (c *Client) session(ctx context.Context) error {
	c.setState(Connecting)
	if c.everConnected.Load() {
		slog.Info("client: connecting", "url", c.opts.URL)
	} else {
		slog.Debug("client: connecting", "url", c.opts.URL)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.PingTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.URL, c.opts.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if c.everConnected.Load() {
			slog.Warn("client: connection failed", "url", c.opts.URL, "err", err)
		} else {
			slog.Debug("client: server not reachable yet", "url", c.opts.URL, "err", err)
		}
		return fmt.Errorf("client: dial: %w", err)
	}

	if !c.setConn(ctx, conn) {
		conn.Close()
		return ctx.Err()
	}
	defer c.closeConn()

	c.backoff.Reset()
	c.everConnected.Store(true)
	c.setState(Connected)
	slog.Info("client: connected", "url", c.opts.URL)

	c.armHeartbeat(conn)
	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(ctx, conn, stopPing)

	return c.listen(ctx, conn)
}

// listen reads frames until the connection ends or the sink asks to stop.
func (c *Client) listen(ctx context.Context, conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				slog.Info("client: connection closed by server", "url", c.opts.URL)
			default:
				slog.Warn("client: connection lost", "url", c.opts.URL, "err", err)
			}
			return err
		}
		c.extendDeadline(conn)
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := types.Decode(data)
		if err != nil {
			slog.Warn("client: dropping frame", "err", err, "bytes", len(data))
			continue
		}
		slog.Debug("client: received", "type", msg.Kind())

		if err := c.sink.HandleMessage(msg); err != nil {
			if errors.Is(err, ErrStopListening) {
				slog.Info("client: handler asked to stop listening", "url", c.opts.URL)
				return err
			}
			slog.Error("client: handler failed", "type", msg.Kind(), "err", err)
		}
	}
}

// --- heartbeat --------------------------------------------------------------

func (c *Client) armHeartbeat(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	c.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.extendDeadline(conn)
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		c.extendDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.PingTimeout))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})
}

func (c *Client) extendDeadline(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.opts.PingInterval + c.opts.PingTimeout)) //nolint:errcheck
}

// pingLoop sends heartbeats and closes the connection when ctx ends, which
// unblocks the reader.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.closeConn()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The read deadline ends the session.
				slog.Debug("client: ping failed", "err", err)
				return
			}
		}
	}
}

// --- state ------------------------------------------------------------------

// setState records s and tells the sink when availability flips.
func (c *Client) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if (old == Connected) != (s == Connected) {
		c.sink.SetAvailable(s == Connected)
	}
}

// setConn publishes conn as the current connection unless the loop is
// already cancelled, in which case Stop may have run closeConn already.
func (c *Client) setConn(ctx context.Context, conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.conn = conn
	return true
}

// closeConn sends a close frame and closes the current connection, if any.
func (c *Client) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
}
