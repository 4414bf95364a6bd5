package crdt

import (
	"encoding/json"
	"sync"

	"github.com/synckit/synckit/internal/clock"
	"github.com/synckit/synckit/internal/errs"
)

// PNCounter is a grow/shrink counter: each replica tracks its own
// increment and decrement totals, and the observed value is the sum of
// all increments minus the sum of all decrements across every replica
// ever seen. Per-replica totals only ever grow, which is what makes
// component-wise max a valid merge.
type PNCounter struct {
	mu  sync.RWMutex
	inc map[string]int64
	dec map[string]int64
}

func NewPNCounter() *PNCounter {
	return &PNCounter{inc: make(map[string]int64), dec: make(map[string]int64)}
}

// IncrementLocal adds delta (must be >= 0) to clientID's running total
// and returns the Operation to transmit/queue.
func (c *PNCounter) IncrementLocal(documentID string, delta int64, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta < 0 {
		delta = -delta
	}
	c.inc[clientID] += delta
	return Operation{
		DocumentID: documentID,
		Type:       OpCounterAdd,
		Value:      delta,
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// DecrementLocal adds delta (must be >= 0) to clientID's running
// decrement total and returns the Operation to transmit/queue. A
// negative Value on the wire distinguishes a decrement from an
// increment for ApplyRemote.
func (c *PNCounter) DecrementLocal(documentID string, delta int64, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta < 0 {
		delta = -delta
	}
	c.dec[clientID] += delta
	return Operation{
		DocumentID: documentID,
		Type:       OpCounterAdd,
		Value:      -delta,
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// ResetLocal is a lossy, non-CRDT convenience: it reads the currently
// observed value and records its negation against clientID alone (a
// decrement for a positive value, an increment for a negative one), so
// this replica reads zero afterwards. Per-replica totals still only
// grow. Updates from other replicas that this replica has not yet seen
// are not cancelled and still count once they arrive. The returned
// Operation is an ordinary counter-add whose Value is the negated
// observed value.
func (c *PNCounter) ResetLocal(documentID string, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, v := range c.inc {
		total += v
	}
	for _, v := range c.dec {
		total -= v
	}
	if total >= 0 {
		c.dec[clientID] += total
	} else {
		c.inc[clientID] += -total
	}
	return Operation{
		DocumentID: documentID,
		Type:       OpCounterAdd,
		Value:      -total,
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// ApplyRemote folds a remote increment/decrement into the matching
// per-replica total. Applying the identical operation twice is not
// naturally idempotent for a plain counter; callers rely on the sync
// layer's operation-id dedup (§5.2) rather than this method to avoid
// double-counting retried deliveries.
func (c *PNCounter) ApplyRemote(op Operation) error {
	if op.Type != OpCounterAdd {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if op.Field == "reset" {
		c.inc[op.ClientID] = 0
		c.dec[op.ClientID] = 0
		return nil
	}
	delta, ok := asInt64(op.Value)
	if !ok {
		return &errs.FormatError{Reason: "pncounter: counter-add value is not numeric"}
	}
	if delta >= 0 {
		c.inc[op.ClientID] += delta
	} else {
		c.dec[op.ClientID] += -delta
	}
	return nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Observe returns the counter's current value: total increments minus
// total decrements across every replica.
func (c *PNCounter) Observe() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, v := range c.inc {
		total += v
	}
	for _, v := range c.dec {
		total -= v
	}
	return total
}

// Merge takes the component-wise max of both replicas' per-replica
// totals. Because each replica's own totals only ever grow, max is a
// safe, commutative, associative, idempotent merge.
func (c *PNCounter) Merge(other *PNCounter) {
	other.mu.RLock()
	otherInc := make(map[string]int64, len(other.inc))
	otherDec := make(map[string]int64, len(other.dec))
	for k, v := range other.inc {
		otherInc[k] = v
	}
	for k, v := range other.dec {
		otherDec[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range otherInc {
		if v > c.inc[k] {
			c.inc[k] = v
		}
	}
	for k, v := range otherDec {
		if v > c.dec[k] {
			c.dec[k] = v
		}
	}
}

type pnCounterSnapshot struct {
	Inc map[string]int64 `json:"inc"`
	Dec map[string]int64 `json:"dec"`
}

func (c *PNCounter) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(pnCounterSnapshot{Inc: c.inc, Dec: c.dec})
}

func (c *PNCounter) Load(data []byte) error {
	var snap pnCounterSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &errs.FormatError{Reason: "pncounter: malformed snapshot", Cause: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.Inc == nil {
		snap.Inc = make(map[string]int64)
	}
	if snap.Dec == nil {
		snap.Dec = make(map[string]int64)
	}
	c.inc = snap.Inc
	c.dec = snap.Dec
	return nil
}
