// Package document implements the per-document user-visible surface:
// subscribe/get/mutate/apply-remote/snapshot, caching the observable
// view and fanning it out to subscribers on every change.
package document

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/synckit/synckit/internal/clock"
	"github.com/synckit/synckit/internal/crdt"
	"github.com/synckit/synckit/internal/errs"
	"github.com/synckit/synckit/internal/storage"
)

// Subscriber receives the document's current observable view, both
// immediately upon subscription and after every subsequent mutation.
type Subscriber func(view interface{})

// Sink is the narrow interface a Document hands every freshly minted
// local operation to. The Sync Manager implements Sink; Document never
// imports the sync package directly, which is what keeps "apply a
// mutation" and "decide whether/how to transmit it" as two concerns
// that can be composed rather than one that must know about the other.
type Sink interface {
	HandleLocalOperation(op crdt.Operation)
}

// Envelope is the persisted unit: the CRDT state snapshot plus the
// vector clock and wall-clock time of the last mutation.
type Envelope struct {
	ID        string            `json:"id"`
	Data      json.RawMessage   `json:"data"`
	Version   clock.VectorClock `json:"version"`
	UpdatedAt int64             `json:"updatedAt"`
}

// Document is the authoritative per-document state: CRDT state and
// vector clock are the source of truth, the cached view exists purely
// to avoid recomputing Observe() on every Get().
type Document struct {
	mu          sync.Mutex
	id          string
	clientID    string
	clock       clock.VectorClock
	state       *crdt.State
	view        interface{}
	subscribers []Subscriber
	adapter     storage.Adapter
	sink        Sink
	updatedAt   int64
	notifying   bool
}

// New constructs a Document of the given CRDT kind, owned by clientID,
// backed by adapter for persistence and sink for outbound delivery.
func New(id, clientID string, kind crdt.Kind, adapter storage.Adapter, sink Sink) (*Document, error) {
	state, err := crdt.NewState(kind)
	if err != nil {
		return nil, err
	}
	d := &Document{
		id:       id,
		clientID: clientID,
		clock:    clock.NewVectorClock(),
		state:    state,
		adapter:  adapter,
		sink:     sink,
	}
	d.view = d.state.Observe()
	return d, nil
}

func (d *Document) ID() string { return d.id }

// Subscribe registers cb, calls it immediately with the current view,
// and returns an unsubscribe function. A panic inside a subscriber does
// not prevent later subscribers from being called.
func (d *Document) Subscribe(cb Subscriber) func() {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, cb)
	view := d.view
	d.mu.Unlock()

	safeCall(cb, view)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, existing := range d.subscribers {
			if funcEqual(existing, cb) {
				d.subscribers = append(d.subscribers[:i], d.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Get returns the current cached observable view.
func (d *Document) Get() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// GetClock returns a copy of the document's current vector clock.
func (d *Document) GetClock() clock.VectorClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clock.Clone(d.clock)
}

// SetClock replaces the document's vector clock outright — used only
// when rehydrating from a persisted envelope, never as part of the
// local-mutation sequence (which always ticks, never assigns).
func (d *Document) SetClock(vc clock.VectorClock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = clock.Clone(vc)
}

// commitLocal is the sequence every local mutation method runs: tick
// the replica's clock, apply the mutation to CRDT state with the new
// clock, recompute the view, persist the envelope, notify subscribers,
// and finally hand the operation to the sink. The CRDT+clock write is
// the last authoritative step before any side effect, so a crash
// between steps always leaves persistence consistent with what
// subscribers and the sink may or may not have observed.
//
// A mutation attempted from inside a subscriber's own notification
// (this document re-entering itself while d.notifying is set) is
// rejected outright rather than queued or silently interleaved — it is
// a programmer error, not a race to paper over.
func (d *Document) commitLocal(mutate func(tickedClock clock.VectorClock, ts int64) crdt.Operation) (crdt.Operation, error) {
	d.mu.Lock()
	if d.notifying {
		d.mu.Unlock()
		return crdt.Operation{}, &errs.InvariantError{Reason: "mutation attempted from within a subscriber notification"}
	}
	d.clock = clock.Increment(d.clock, d.clientID)
	tickedClock := clock.Clone(d.clock)
	ts := time.Now().UnixMilli()

	op := mutate(tickedClock, ts)

	d.view = d.state.Observe()
	d.updatedAt = ts
	subscribers := append([]Subscriber(nil), d.subscribers...)
	view := d.view
	d.notifying = true
	d.mu.Unlock()

	if err := d.persist(); err != nil {
		d.mu.Lock()
		d.notifying = false
		d.mu.Unlock()
		return op, err
	}

	for _, sub := range subscribers {
		safeCall(sub, view)
	}
	d.mu.Lock()
	d.notifying = false
	d.mu.Unlock()

	if d.sink != nil {
		d.sink.HandleLocalOperation(op)
	}
	return op, nil
}

// Set mutates an LWWMap-kind document's field. Returns an
// *errs.InvariantError if the document is not an LWWMap.
func (d *Document) Set(field string, value interface{}) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindLWWMap {
		return crdt.Operation{}, &errs.InvariantError{Reason: "Set called on a non-lww-map document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Map.SetLocal(d.id, field, value, d.clientID, tickedClock, ts)
	})
}

// Delete tombstones an LWWMap-kind document's field.
func (d *Document) Delete(field string) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindLWWMap {
		return crdt.Operation{}, &errs.InvariantError{Reason: "Delete called on a non-lww-map document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Map.DeleteLocal(d.id, field, d.clientID, tickedClock, ts)
	})
}

// InsertText inserts ch at visible index pos in a FugueText-kind
// document.
func (d *Document) InsertText(pos int, ch rune) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindFugueText {
		return crdt.Operation{}, &errs.InvariantError{Reason: "InsertText called on a non-fugue-text document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Text.InsertLocal(d.id, pos, ch, d.clientID, tickedClock, ts)
	})
}

// DeleteText tombstones [pos, pos+length) in a FugueText-kind document.
func (d *Document) DeleteText(pos, length int) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindFugueText {
		return crdt.Operation{}, &errs.InvariantError{Reason: "DeleteText called on a non-fugue-text document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Text.DeleteLocal(d.id, pos, length, d.clientID, tickedClock, ts)
	})
}

// Increment adds delta to a PNCounter-kind document's increment total.
func (d *Document) Increment(delta int64) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindPNCounter {
		return crdt.Operation{}, &errs.InvariantError{Reason: "Increment called on a non-pn-counter document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Count.IncrementLocal(d.id, delta, d.clientID, tickedClock, ts)
	})
}

// Decrement adds delta to a PNCounter-kind document's decrement total.
func (d *Document) Decrement(delta int64) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindPNCounter {
		return crdt.Operation{}, &errs.InvariantError{Reason: "Decrement called on a non-pn-counter document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Count.DecrementLocal(d.id, delta, d.clientID, tickedClock, ts)
	})
}

// AddToSet adds element/value to an ORSet-kind document.
func (d *Document) AddToSet(element string, value interface{}) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindORSet {
		return crdt.Operation{}, &errs.InvariantError{Reason: "AddToSet called on a non-or-set document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Set.AddLocal(d.id, element, value, d.clientID, tickedClock, ts)
	})
}

// RemoveFromSet removes element from an ORSet-kind document.
func (d *Document) RemoveFromSet(element string) (crdt.Operation, error) {
	if d.state.Kind != crdt.KindORSet {
		return crdt.Operation{}, &errs.InvariantError{Reason: "RemoveFromSet called on a non-or-set document"}
	}
	return d.commitLocal(func(tickedClock clock.VectorClock, ts int64) crdt.Operation {
		return d.state.Set.RemoveLocal(d.id, element, d.clientID, tickedClock, ts)
	})
}

// ApplyRemote applies a remote operation: merges the operation's clock
// into the document's clock, applies the operation to CRDT state,
// recomputes the view, persists, and notifies subscribers. It never
// calls the sink — remote-origin operations are not re-transmitted.
func (d *Document) ApplyRemote(op crdt.Operation) error {
	d.mu.Lock()
	if d.notifying {
		d.mu.Unlock()
		return &errs.InvariantError{Reason: "ApplyRemote attempted from within a subscriber notification"}
	}
	if err := d.state.ApplyRemote(op); err != nil {
		d.mu.Unlock()
		return err
	}
	d.clock = clock.Merge(d.clock, op.Clock)
	d.view = d.state.Observe()
	d.updatedAt = time.Now().UnixMilli()
	subscribers := append([]Subscriber(nil), d.subscribers...)
	view := d.view
	d.notifying = true
	d.mu.Unlock()

	if err := d.persist(); err != nil {
		d.mu.Lock()
		d.notifying = false
		d.mu.Unlock()
		return err
	}
	for _, sub := range subscribers {
		safeCall(sub, view)
	}
	d.mu.Lock()
	d.notifying = false
	d.mu.Unlock()
	return nil
}

// Snapshot serializes the document's CRDT state, clock, and last-update
// time into a persistable Envelope.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Document) snapshotLocked() ([]byte, error) {
	body, err := d.state.Snapshot()
	if err != nil {
		return nil, err
	}
	env := Envelope{ID: d.id, Data: body, Version: clock.Clone(d.clock), UpdatedAt: d.updatedAt}
	return json.Marshal(env)
}

// Load replaces the document's CRDT state and clock from a snapshot
// produced by Snapshot.
func (d *Document) Load(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &errs.FormatError{Reason: "document: malformed envelope", Cause: err}
	}
	state, err := crdt.LoadState(env.Data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	d.clock = clock.Clone(env.Version)
	d.updatedAt = env.UpdatedAt
	d.view = d.state.Observe()
	return nil
}

func (d *Document) persist() error {
	if d.adapter == nil {
		return nil
	}
	data, err := d.Snapshot()
	if err != nil {
		return err
	}
	return d.adapter.Set(d.id, data)
}

func safeCall(cb Subscriber, view interface{}) {
	defer func() { recover() }()
	cb(view)
}

func funcEqual(a, b Subscriber) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
