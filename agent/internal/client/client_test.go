package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backupbeacon/backupbeacon/pkg/types"
)

// --- helpers ----------------------------------------------------------------

// recordingSink records everything the client reports.
type recordingSink struct {
	mu        sync.Mutex
	msgs      []types.Message
	available []bool
	onMessage func(types.Message) error
}

func (s *recordingSink) HandleMessage(msg types.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return nil
}

func (s *recordingSink) SetAvailable(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = append(s.available, connected)
}

func (s *recordingSink) messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.msgs...)
}

func (s *recordingSink) availability() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.available...)
}

// testServer is a WebSocket endpoint that runs handle for every accepted
// connection and counts accepts.
type testServer struct {
	url     string
	accepts atomic.Int32
	headers chan http.Header
}

func startServer(t *testing.T, handle func(conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{headers: make(chan http.Header, 16)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ts.accepts.Add(1)
		select {
		case ts.headers <- r.Header.Clone():
		default:
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

// drain reads until the connection fails, answering pings.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func send(conn *websocket.Conn, frame string) {
	conn.WriteMessage(websocket.TextMessage, []byte(frame)) //nolint:errcheck
}

func fastOptions(url string) Options {
	return Options{
		URL:            url,
		ReconnectDelay: 20 * time.Millisecond,
		PingInterval:   time.Second,
		PingTimeout:    time.Second,
	}
}

func startClient(t *testing.T, opts Options, sink Sink) *Client {
	t.Helper()
	c := New(opts, sink)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- tests ------------------------------------------------------------------

func TestClient_ReceivesMessages(t *testing.T) {
	ts := startServer(t, func(conn *websocket.Conn) {
		send(conn, `{"type":"backup_state","state":"backed_up","attributes":{"last_backup":"Never"}}`)
		send(conn, `{"type":"backup_stale","is_stale":true}`)
		drain(conn)
	})
	sink := &recordingSink{}
	c := startClient(t, fastOptions(ts.url), sink)

	eventually(t, "two messages", func() bool { return len(sink.messages()) == 2 })
	msgs := sink.messages()
	if st, ok := msgs[0].(types.BackupState); !ok || st.State != types.StateBackedUp {
		t.Errorf("first message: got %#v", msgs[0])
	}
	if st, ok := msgs[1].(types.BackupStale); !ok || !st.IsStale {
		t.Errorf("second message: got %#v", msgs[1])
	}
	if c.State() != Connected {
		t.Errorf("State: got %v, want connected", c.State())
	}
	if av := sink.availability(); len(av) != 1 || !av[0] {
		t.Errorf("availability: got %v, want [true]", av)
	}
}

func TestClient_MalformedFrameKeepsConnection(t *testing.T) {
	ts := startServer(t, func(conn *websocket.Conn) {
		send(conn, `{not json`)
		send(conn, `{"type":"mystery"}`)
		send(conn, `{"is_stale":true}`)
		send(conn, `{"type":"backup_stale","is_stale":false}`)
		drain(conn)
	})
	sink := &recordingSink{}
	startClient(t, fastOptions(ts.url), sink)

	eventually(t, "valid message", func() bool { return len(sink.messages()) == 1 })
	if _, ok := sink.messages()[0].(types.BackupStale); !ok {
		t.Errorf("message: got %#v", sink.messages()[0])
	}
	time.Sleep(50 * time.Millisecond)
	if n := ts.accepts.Load(); n != 1 {
		t.Errorf("accepts: got %d, want 1 (no reconnect)", n)
	}
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	ts := startServer(t, func(conn *websocket.Conn) {
		send(conn, `{"type":"backup_stale","is_stale":false}`)
		conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	})
	sink := &recordingSink{}
	startClient(t, fastOptions(ts.url), sink)

	eventually(t, "second connection", func() bool { return ts.accepts.Load() >= 2 })
	eventually(t, "messages from both connections", func() bool { return len(sink.messages()) >= 2 })

	av := sink.availability()
	if len(av) < 3 || !av[0] || av[1] || !av[2] {
		t.Errorf("availability: got %v, want true,false,true...", av)
	}
}

func TestClient_HeartbeatMissReconnects(t *testing.T) {
	// Never read: pings go unanswered.
	ts := startServer(t, func(conn *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})
	opts := fastOptions(ts.url)
	opts.PingInterval = 30 * time.Millisecond
	opts.PingTimeout = 30 * time.Millisecond
	startClient(t, opts, &recordingSink{})

	eventually(t, "reconnect after missed pong", func() bool { return ts.accepts.Load() >= 2 })
}

func TestClient_ServerPingKeepsAlive(t *testing.T) {
	ts := startServer(t, func(conn *websocket.Conn) {
		pongs := make(chan struct{}, 8)
		conn.SetPongHandler(func(string) error {
			pongs <- struct{}{}
			return nil
		})
		go drain(conn)
		conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)) //nolint:errcheck
		select {
		case <-pongs:
			send(conn, `{"type":"backup_stale","is_stale":true}`)
		case <-time.After(2 * time.Second):
		}
		time.Sleep(time.Second)
	})
	sink := &recordingSink{}
	startClient(t, fastOptions(ts.url), sink)

	eventually(t, "message after pong", func() bool { return len(sink.messages()) == 1 })
}

func TestClient_StopListeningReconnects(t *testing.T) {
	ts := startServer(t, func(conn *websocket.Conn) {
		send(conn, `{"type":"backup_stale","is_stale":false}`)
		drain(conn)
	})
	var first atomic.Bool
	sink := &recordingSink{onMessage: func(types.Message) error {
		if first.CompareAndSwap(false, true) {
			return ErrStopListening
		}
		return nil
	}}
	startClient(t, fastOptions(ts.url), sink)

	eventually(t, "reconnect after stop", func() bool { return ts.accepts.Load() >= 2 })
}

func TestClient_UnreachableRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	sink := &recordingSink{}
	c := startClient(t, fastOptions(url), sink)

	time.Sleep(100 * time.Millisecond)
	if c.State() == Connected {
		t.Error("State: connected to a closed port")
	}
	if len(sink.availability()) != 0 {
		t.Errorf("availability: got %v, want no events", sink.availability())
	}
}

func TestClient_ConstantDelay(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/ws", ReconnectDelay: time.Minute}, &recordingSink{})
	for i := 0; i < 5; i++ {
		if d := c.backoff.Next(); d != time.Minute {
			t.Fatalf("attempt %d: delay %v, want constant 1m", i+1, d)
		}
	}
}

func TestClient_StopWhileWaiting(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	opts := fastOptions(url)
	opts.ReconnectDelay = time.Hour
	c := New(opts, &recordingSink{})
	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the reconnect wait")
	}
	if c.State() != Disconnected {
		t.Errorf("State after Stop: got %v", c.State())
	}
}

func TestClient_StopClosesSocket(t *testing.T) {
	closed := make(chan struct{})
	ts := startServer(t, func(conn *websocket.Conn) {
		drain(conn)
		close(closed)
	})
	sink := &recordingSink{}
	c := New(fastOptions(ts.url), sink)
	c.Start(context.Background())
	c.Start(context.Background()) // second Start is a no-op

	eventually(t, "connected", func() bool { return c.State() == Connected })
	c.Stop()
	c.Stop()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the connection close")
	}
	if n := ts.accepts.Load(); n != 1 {
		t.Errorf("accepts: got %d, want 1", n)
	}
	if av := sink.availability(); len(av) != 2 || av[1] {
		t.Errorf("availability: got %v, want [true false]", av)
	}
}

func TestClient_RestartAfterStop(t *testing.T) {
	ts := startServer(t, drain)
	c := New(fastOptions(ts.url), &recordingSink{})

	c.Start(context.Background())
	eventually(t, "first connect", func() bool { return c.State() == Connected })
	c.Stop()

	c.Start(context.Background())
	defer c.Stop()
	eventually(t, "second connect", func() bool { return ts.accepts.Load() == 2 && c.State() == Connected })
}

// serialSink counts calls that overlap; the client promises one loop, so
// sink calls never run concurrently.
type serialSink struct {
	inflight atomic.Int32
	overlaps atomic.Int32
}

func (s *serialSink) enter() {
	if s.inflight.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	time.Sleep(200 * time.Microsecond)
	s.inflight.Add(-1)
}

func (s *serialSink) HandleMessage(types.Message) error { s.enter(); return nil }
func (s *serialSink) SetAvailable(bool)                 { s.enter() }

func TestClient_ConcurrentStartStopRunsOneLoop(t *testing.T) {
	ts := startServer(t, func(conn *websocket.Conn) {
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"backup_stale","is_stale":false}`)); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	sink := &serialSink{}
	c := New(fastOptions(ts.url), sink)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c.Start(context.Background())
				time.Sleep(time.Millisecond)
				c.Stop()
			}
		}()
	}
	wg.Wait()
	c.Stop()

	if n := sink.overlaps.Load(); n != 0 {
		t.Errorf("overlapping sink calls: got %d, want 0", n)
	}
	if c.State() != Disconnected {
		t.Errorf("State after Stop: got %v, want disconnected", c.State())
	}
}

func TestClient_ContextCancelEndsLoop(t *testing.T) {
	ts := startServer(t, drain)
	c := New(fastOptions(ts.url), &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	eventually(t, "connected", func() bool { return c.State() == Connected })
	cancel()
	eventually(t, "disconnect on cancel", func() bool { return c.State() == Disconnected })
	c.Stop()
	if c.State() != Disconnected {
		t.Errorf("State: got %v, want disconnected", c.State())
	}
}

func TestClient_Publish(t *testing.T) {
	got := make(chan []byte, 1)
	ts := startServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			got <- data
		}
		drain(conn)
	})

	c := New(fastOptions(ts.url), &recordingSink{})
	if err := c.Publish(context.Background(), types.BackupStale{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish before connect: got %v, want ErrNotConnected", err)
	}

	c.Start(context.Background())
	defer c.Stop()
	eventually(t, "connected", func() bool { return c.State() == Connected })

	if err := c.Publish(context.Background(), types.BackupStale{IsStale: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != `{"type":"backup_stale","is_stale":true}` {
			t.Errorf("frame: got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the frame")
	}
}

func TestClient_SendsAuthHeader(t *testing.T) {
	ts := startServer(t, drain)
	opts := fastOptions(ts.url)
	opts.Header = http.Header{"X-Api-Key": []string{"s3cret"}}
	startClient(t, opts, &recordingSink{})

	select {
	case h := <-ts.headers:
		if h.Get("X-Api-Key") != "s3cret" {
			t.Errorf("header: got %q", h.Get("X-Api-Key"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
}

func TestClient_SinkPanicRecovered(t *testing.T) {
	ts := startServer(t, func(conn *websocket.Conn) {
		send(conn, `{"type":"backup_stale","is_stale":true}`)
		drain(conn)
	})
	sink := &recordingSink{onMessage: func(types.Message) error { panic("display bug") }}
	startClient(t, fastOptions(ts.url), sink)

	eventually(t, "reconnect after panic", func() bool { return ts.accepts.Load() >= 2 })
}

func TestConnectionState_String(t *testing.T) {
	if Disconnected.String() != "disconnected" || Connecting.String() != "connecting" || Connected.String() != "connected" {
		t.Error("unexpected state names")
	}
}
