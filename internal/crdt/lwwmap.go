package crdt

import (
	"encoding/json"
	"sync"

	"github.com/synckit/synckit/internal/clock"
	"github.com/synckit/synckit/internal/errs"
)

// LWWCell is a single field's last-write-wins value, keyed by the
// (timestamp, clientID) tiebreak rule (spec §3 "LWW cell"). A tombstoned
// cell represents a deletion; tombstones compete for the field exactly
// like values.
type LWWCell struct {
	Value     interface{}       `json:"value,omitempty"`
	Ts        int64             `json:"ts"`
	ClientID  string            `json:"clientId"`
	Clock     clock.VectorClock `json:"clock"`
	Tombstone bool              `json:"tombstone,omitempty"`
}

// LWWMap is a field -> LWWCell map resolved by vector-clock causality
// with an (timestamp, clientID) tiebreak for concurrent writes.
type LWWMap struct {
	mu    sync.RWMutex
	cells map[string]LWWCell
}

func NewLWWMap() *LWWMap {
	return &LWWMap{cells: make(map[string]LWWCell)}
}

// SetLocal writes field=value using the caller-ticked clock and wall
// clock timestamp, and returns the Operation to transmit/queue.
func (m *LWWMap) SetLocal(documentID, field string, value interface{}, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cells[field] = LWWCell{Value: value, Ts: ts, ClientID: clientID, Clock: clock.Clone(tickedClock)}
	return Operation{
		DocumentID: documentID,
		Type:       OpSet,
		Field:      field,
		Value:      value,
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// DeleteLocal tombstones field, subject to the same LWW rule as a value
// write, and returns the Operation to transmit/queue.
func (m *LWWMap) DeleteLocal(documentID, field string, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cells[field] = LWWCell{Ts: ts, ClientID: clientID, Clock: clock.Clone(tickedClock), Tombstone: true}
	return Operation{
		DocumentID: documentID,
		Type:       OpDelete,
		Field:      field,
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// ApplyRemote applies a remote set/delete operation using the LWW
// tiebreak rule: causally-later cells strictly replace; concurrent
// cells are resolved by (timestamp, clientID), higher wins. Applying an
// op that is causally dominated by the current cell is a no-op
// (idempotence, spec §8 property 3).
func (m *LWWMap) ApplyRemote(op Operation) error {
	if op.Type != OpSet && op.Type != OpDelete {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	incoming := LWWCell{Ts: op.Timestamp, ClientID: op.ClientID, Clock: clock.Clone(op.Clock), Tombstone: op.Type == OpDelete}
	if op.Type == OpSet {
		incoming.Value = op.Value
	}

	existing, ok := m.cells[op.Field]
	if !ok {
		m.cells[op.Field] = incoming
		return nil
	}

	if beats(incoming, existing) {
		m.cells[op.Field] = incoming
	}
	return nil
}

// beats reports whether candidate should replace current under the LWW
// rule: causal order wins outright; concurrent cells tiebreak on
// (timestamp, clientID).
func beats(candidate, current LWWCell) bool {
	switch clock.Compare(candidate.Clock, current.Clock) {
	case clock.After:
		return true
	case clock.Before:
		return false
	case clock.Equal:
		return false
	default: // Concurrent
		if candidate.Ts != current.Ts {
			return candidate.Ts > current.Ts
		}
		return candidate.ClientID > current.ClientID
	}
}

// Get returns the field's value and whether it is present (not absent /
// not tombstoned).
func (m *LWWMap) Get(field string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cell, ok := m.cells[field]
	if !ok || cell.Tombstone {
		return nil, false
	}
	return cell.Value, true
}

// Observe returns the map's current observable view: all non-tombstoned
// fields.
func (m *LWWMap) Observe() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	view := make(map[string]interface{}, len(m.cells))
	for field, cell := range m.cells {
		if !cell.Tombstone {
			view[field] = cell.Value
		}
	}
	return view
}

// Merge folds another replica's full map state into m, applying the same
// LWW rule cell by cell. Merge is commutative, associative, idempotent.
func (m *LWWMap) Merge(other *LWWMap) {
	other.mu.RLock()
	otherCells := make(map[string]LWWCell, len(other.cells))
	for k, v := range other.cells {
		otherCells[k] = v
	}
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for field, incoming := range otherCells {
		existing, ok := m.cells[field]
		if !ok || beats(incoming, existing) {
			m.cells[field] = incoming
		}
	}
}

type lwwMapSnapshot struct {
	Cells map[string]LWWCell `json:"cells"`
}

// Snapshot serializes the map's full cell state, tombstones included, so
// a freshly loaded replica preserves deletion history.
func (m *LWWMap) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(lwwMapSnapshot{Cells: m.cells})
}

// Load replaces m's state from a snapshot produced by Snapshot. Malformed
// input leaves m untouched and returns a FormatError-shaped error.
func (m *LWWMap) Load(data []byte) error {
	var snap lwwMapSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &errs.FormatError{Reason: "lwwmap: malformed snapshot", Cause: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Cells == nil {
		snap.Cells = make(map[string]LWWCell)
	}
	m.cells = snap.Cells
	return nil
}
