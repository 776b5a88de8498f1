package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a message type on the wire.
type Kind string

const (
	KindBackupState Kind = "backup_state"
	KindBackupStale Kind = "backup_stale"
)

// Kinds lists every message kind the protocol knows, in replay order.
var Kinds = []Kind{KindBackupState, KindBackupStale}

// State is the overall backup state carried by a backup_state message.
type State string

const (
	StateWaiting  State = "waiting"
	StateBackedUp State = "backed_up"
	StateError    State = "error"

	// StateUnknown is what a receiver reports before any backup_state has
	// arrived, or when a frame omits the state field.
	StateUnknown State = "unknown"
)

var (
	// ErrMalformedFrame is returned by Decode for frames that are not a JSON object.
	ErrMalformedFrame = errors.New("types: malformed frame")

	// ErrMissingType is returned by Decode for frames without a "type" field.
	ErrMissingType = errors.New("types: frame has no type")
)

// UnknownTypeError is returned by Decode for a well-formed frame whose type
// is not part of the vocabulary.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("types: unknown message type %q", e.Type)
}

// Message is implemented by every value that can travel as a frame.
type Message interface {
	Kind() Kind
}

// BackupState is the full status snapshot pushed to subscribers.
type BackupState struct {
	State      State
	Attributes map[string]any
}

// Kind implements Message.
func (BackupState) Kind() Kind { return KindBackupState }

// BackupStale carries the staleness flag.
type BackupStale struct {
	IsStale bool
}

// Kind implements Message.
func (BackupStale) Kind() Kind { return KindBackupStale }

type stateFrame struct {
	Type       Kind           `json:"type"`
	State      State          `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

type staleFrame struct {
	Type    Kind `json:"type"`
	IsStale bool `json:"is_stale"`
}

type envelope struct {
	Type *string `json:"type"`
}

// Encode serialises msg into a text frame.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case BackupState:
		attrs := m.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		return json.Marshal(stateFrame{Type: KindBackupState, State: m.State, Attributes: attrs})
	case *BackupState:
		return Encode(*m)
	case BackupStale:
		return json.Marshal(staleFrame{Type: KindBackupStale, IsStale: m.IsStale})
	case *BackupStale:
		return Encode(*m)
	default:
		return nil, fmt.Errorf("types: cannot encode %T", msg)
	}
}

// Decode parses a text frame. Missing optional fields take their defaults:
// state "unknown", empty attributes, is_stale false.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, ErrMissingType
	}

	switch Kind(*env.Type) {
	case KindBackupState:
		var f stateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		msg := BackupState{State: f.State, Attributes: f.Attributes}
		if msg.State == "" {
			msg.State = StateUnknown
		}
		if msg.Attributes == nil {
			msg.Attributes = map[string]any{}
		}
		return msg, nil

	case KindBackupStale:
		var f staleFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return BackupStale{IsStale: f.IsStale}, nil

	default:
		return nil, &UnknownTypeError{Type: *env.Type}
	}
}
