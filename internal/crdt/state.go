package crdt

import (
	"encoding/json"

	"github.com/synckit/synckit/internal/errs"
)

// Kind identifies which CRDT variant a State wraps. A document picks its
// Kind once at creation and never changes it — this is a tagged union,
// not a polymorphic hierarchy, so dispatch is a type switch rather than
// an interface method set shared across unrelated shapes (§9: "model
// the four variants as a sum type, not a class hierarchy").
type Kind string

const (
	KindLWWMap    Kind = "lww-map"
	KindFugueText Kind = "fugue-text"
	KindPNCounter Kind = "pn-counter"
	KindORSet     Kind = "or-set"
)

// State is the single value a Document holds: exactly one of the four
// CRDT variants, selected by Kind. Every field other than the one
// matching Kind is nil.
type State struct {
	Kind  Kind
	Map   *LWWMap
	Text  *FugueText
	Count *PNCounter
	Set   *ORSet
}

// NewState constructs an empty State of the given kind.
func NewState(kind Kind) (*State, error) {
	switch kind {
	case KindLWWMap:
		return &State{Kind: kind, Map: NewLWWMap()}, nil
	case KindFugueText:
		return &State{Kind: kind, Text: NewFugueText()}, nil
	case KindPNCounter:
		return &State{Kind: kind, Count: NewPNCounter()}, nil
	case KindORSet:
		return &State{Kind: kind, Set: NewORSet()}, nil
	default:
		return nil, &errs.FormatError{Reason: "crdt: unknown state kind " + string(kind)}
	}
}

// ApplyRemote dispatches a remote Operation to the variant matching
// s.Kind. Applying an operation whose Type doesn't belong to s.Kind is
// an invariant violation: the document façade is responsible for never
// routing a mismatched operation here, so this always indicates a bug
// upstream rather than a legitimate remote/local disagreement.
func (s *State) ApplyRemote(op Operation) error {
	switch s.Kind {
	case KindLWWMap:
		if op.Type != OpSet && op.Type != OpDelete {
			return &errs.InvariantError{Reason: "lww-map state received operation type " + string(op.Type)}
		}
		return s.Map.ApplyRemote(op)
	case KindFugueText:
		if op.Type != OpTextInsert && op.Type != OpTextDelete {
			return &errs.InvariantError{Reason: "fugue-text state received operation type " + string(op.Type)}
		}
		return s.Text.ApplyRemote(op)
	case KindPNCounter:
		if op.Type != OpCounterAdd {
			return &errs.InvariantError{Reason: "pn-counter state received operation type " + string(op.Type)}
		}
		return s.Count.ApplyRemote(op)
	case KindORSet:
		if op.Type != OpSetAdd && op.Type != OpSetRemove {
			return &errs.InvariantError{Reason: "or-set state received operation type " + string(op.Type)}
		}
		return s.Set.ApplyRemote(op)
	default:
		return &errs.FormatError{Reason: "crdt: unknown state kind " + string(s.Kind)}
	}
}

// Merge folds another State of the same Kind into s, dispatching to the
// matching variant's Merge. Merging mismatched kinds is a programmer
// error, reported as an invariant violation rather than silently
// ignored.
func (s *State) Merge(other *State) error {
	if s.Kind != other.Kind {
		return &errs.InvariantError{Reason: "cannot merge " + string(other.Kind) + " state into " + string(s.Kind) + " state"}
	}
	switch s.Kind {
	case KindLWWMap:
		s.Map.Merge(other.Map)
	case KindFugueText:
		s.Text.Merge(other.Text)
	case KindPNCounter:
		s.Count.Merge(other.Count)
	case KindORSet:
		s.Set.Merge(other.Set)
	default:
		return &errs.FormatError{Reason: "crdt: unknown state kind " + string(s.Kind)}
	}
	return nil
}

// Observe returns the variant's current observable view: map[string]any
// for LWWMap, string for FugueText, int64 for PNCounter, []string for
// ORSet.
func (s *State) Observe() interface{} {
	switch s.Kind {
	case KindLWWMap:
		return s.Map.Observe()
	case KindFugueText:
		return s.Text.Observe()
	case KindPNCounter:
		return s.Count.Observe()
	case KindORSet:
		return s.Set.Observe()
	default:
		return nil
	}
}

type stateSnapshot struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Snapshot serializes the wrapped variant's full state, tagged with
// Kind so Load can reconstruct the right variant without external
// context.
func (s *State) Snapshot() ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch s.Kind {
	case KindLWWMap:
		body, err = s.Map.Snapshot()
	case KindFugueText:
		body, err = s.Text.Snapshot()
	case KindPNCounter:
		body, err = s.Count.Snapshot()
	case KindORSet:
		body, err = s.Set.Snapshot()
	default:
		return nil, &errs.FormatError{Reason: "crdt: unknown state kind " + string(s.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateSnapshot{Kind: s.Kind, Body: body})
}

// LoadState reconstructs a State from a snapshot produced by
// (*State).Snapshot.
func LoadState(data []byte) (*State, error) {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &errs.FormatError{Reason: "crdt: malformed state snapshot", Cause: err}
	}
	s, err := NewState(snap.Kind)
	if err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindLWWMap:
		err = s.Map.Load(snap.Body)
	case KindFugueText:
		err = s.Text.Load(snap.Body)
	case KindPNCounter:
		err = s.Count.Load(snap.Body)
	case KindORSet:
		err = s.Set.Load(snap.Body)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
