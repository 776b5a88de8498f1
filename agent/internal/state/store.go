package state

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/backupbeacon/backupbeacon/pkg/types"
)

// EventKind says which part of the state changed.
type EventKind string

const (
	EventAvailability EventKind = "availability"
	EventBackupState  EventKind = "backup_state"
	EventBackupStale  EventKind = "backup_stale"
)

// Event is delivered to subscribers after each change. Snapshot is the
// full state right after the change.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// Snapshot is a copy of the stored state.
type Snapshot struct {
	Connected  bool
	State      types.State
	Attributes map[string]any
	IsStale    bool
	UpdatedAt  time.Time
}

// Store implements the client's sink and fans changes out to subscribers.
type Store struct {
	mu     sync.Mutex
	cur    Snapshot
	subs   map[int]chan Event
	nextID int
	now    func() time.Time
}

// New returns a Store in its initial state: disconnected, state unknown,
// not stale.
func New() *Store {
	return &Store{
		cur: Snapshot{
			State:      types.StateUnknown,
			Attributes: map[string]any{},
		},
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
}

// HandleMessage applies one decoded message.
func (s *Store) HandleMessage(msg types.Message) error {
	switch m := msg.(type) {
	case types.BackupState:
		attrs := m.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		s.update(EventBackupState, func(c *Snapshot) bool {
			c.State = m.State
			c.Attributes = attrs
			return true
		})
		slog.Debug("state: backup state updated", "state", m.State)
	case types.BackupStale:
		s.update(EventBackupStale, func(c *Snapshot) bool {
			c.IsStale = m.IsStale
			return true
		})
		slog.Debug("state: backup stale updated", "is_stale", m.IsStale)
	default:
		slog.Warn("state: unhandled message", "type", msg.Kind())
	}
	return nil
}

// SetAvailable records the connection state. Only changes emit an event.
func (s *Store) SetAvailable(connected bool) {
	changed := s.update(EventAvailability, func(c *Snapshot) bool {
		if c.Connected == connected {
			return false
		}
		c.Connected = connected
		return true
	})
	if changed {
		slog.Debug("state: availability changed", "connected", connected)
	}
}

// Current returns a copy of the state.
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.clone()
}

// Subscribe registers a listener with the given channel buffer. The
// returned cancel function unregisters it and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// update mutates the state and notifies subscribers under the same lock, so
// every subscriber sees changes in the order they were applied. apply
// reports whether it changed anything.
func (s *Store) update(kind EventKind, apply func(*Snapshot) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !apply(&s.cur) {
		return false
	}
	s.cur.UpdatedAt = s.now()
	ev := Event{Kind: kind, Snapshot: s.cur.clone()}

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("state: subscriber is not keeping up, event dropped",
				"subscriber", id, "event", kind)
		}
	}
	return true
}

func (c Snapshot) clone() Snapshot {
	c.Attributes = maps.Clone(c.Attributes)
	return c
}
