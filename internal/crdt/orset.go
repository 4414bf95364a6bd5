package crdt

import (
	"encoding/json"
	"sync"

	"github.com/synckit/synckit/internal/clock"
	"github.com/synckit/synckit/internal/errs"
)

// orElement is one element's add-tag bookkeeping: every tag an add ever
// minted for this element. Liveness is never decided here — a tag is
// live only if it is absent from the set's standalone removes tombstone
// set, so a remove that arrives before its matching add still has
// somewhere to record itself.
type orElement struct {
	Value interface{}
	Adds  map[Tag]struct{}
}

// ORSet is an observed-remove set: state is { adds: element -> tags,
// removes: tags }, with removes a single set shared across every
// element rather than scoped to one. A remove tombstones tags, never
// elements, and those tombstones are permanent and ever-growing — the
// only way delivery of a remove ahead of its add can't resurrect the
// element once the add does arrive.
type ORSet struct {
	mu       sync.RWMutex
	elements map[string]*orElement
	removes  map[Tag]struct{}
	seq      uint64
}

func NewORSet() *ORSet {
	return &ORSet{elements: make(map[string]*orElement), removes: make(map[Tag]struct{})}
}

// AddLocal adds element (tagged with a fresh, replica-unique Tag) and
// returns the Operation to transmit/queue.
func (s *ORSet) AddLocal(documentID, element string, value interface{}, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	tag := Tag{ClientID: clientID, Seq: s.seq}

	el, ok := s.elements[element]
	if !ok {
		el = &orElement{Adds: make(map[Tag]struct{})}
		s.elements[element] = el
	}
	el.Value = value
	el.Adds[tag] = struct{}{}

	return Operation{
		DocumentID: documentID,
		Type:       OpSetAdd,
		Element:    element,
		Value:      SetAddPayload{Tag: tag, Value: value},
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// liveTagsLocked returns element's add-tags that removes has not yet
// tombstoned. Caller must hold s.mu.
func (s *ORSet) liveTagsLocked(element string) []Tag {
	el, ok := s.elements[element]
	if !ok {
		return nil
	}
	tags := make([]Tag, 0, len(el.Adds))
	for tag := range el.Adds {
		if _, removed := s.removes[tag]; !removed {
			tags = append(tags, tag)
		}
	}
	return tags
}

// RemoveLocal tombstones every tag currently observed live for element
// and returns the Operation to transmit/queue. A concurrent remote add
// that this replica has not yet seen carries a tag this remove never
// observed, so it survives the remove — the defining ORSet property.
func (s *ORSet) RemoveLocal(documentID, element string, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := s.liveTagsLocked(element)
	for _, tag := range tags {
		s.removes[tag] = struct{}{}
	}

	return Operation{
		DocumentID: documentID,
		Type:       OpSetRemove,
		Element:    element,
		Value:      SetRemovePayload{Tags: tags},
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// ApplyRemote folds a remote add/remove. Both are idempotent: adding an
// already-present tag is a no-op set insert; tombstoning an
// already-tombstoned tag is a no-op set insert too. A remove's tags are
// unioned into the standalone removes set unconditionally — even when
// Element names something this replica has never heard an add for —
// so a same-tag add delivered later finds the tag already dead instead
// of resurrecting it.
func (s *ORSet) ApplyRemote(op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Type {
	case OpSetAdd:
		payload, ok := op.Value.(SetAddPayload)
		if !ok {
			return &errs.FormatError{Reason: "orset: set-add value is not a SetAddPayload"}
		}
		el, ok := s.elements[op.Element]
		if !ok {
			el = &orElement{Adds: make(map[Tag]struct{})}
			s.elements[op.Element] = el
		}
		el.Value = payload.Value
		el.Adds[payload.Tag] = struct{}{}
		return nil
	case OpSetRemove:
		payload, ok := op.Value.(SetRemovePayload)
		if !ok {
			return &errs.FormatError{Reason: "orset: set-remove value is not a SetRemovePayload"}
		}
		for _, tag := range payload.Tags {
			s.removes[tag] = struct{}{}
		}
		return nil
	default:
		return nil
	}
}

// Has reports whether element currently has at least one add-tag that
// removes has not tombstoned.
func (s *ORSet) Has(element string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.elements[element]
	if !ok {
		return false
	}
	for tag := range el.Adds {
		if _, removed := s.removes[tag]; !removed {
			return true
		}
	}
	return false
}

// Observe returns every element with at least one live (non-tombstoned)
// add-tag.
func (s *ORSet) Observe() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.elements))
	for element, el := range s.elements {
		for tag := range el.Adds {
			if _, removed := s.removes[tag]; !removed {
				out = append(out, element)
				break
			}
		}
	}
	return out
}

// Merge unions adds element-wise and unions removes wholesale. Union is
// commutative, associative, idempotent, so repeated or reordered merges
// converge regardless of whether a replica's remove or the matching add
// arrived first.
func (s *ORSet) Merge(other *ORSet) {
	other.mu.RLock()
	elements := make(map[string]*orElement, len(other.elements))
	for k, el := range other.elements {
		cp := &orElement{Value: el.Value, Adds: make(map[Tag]struct{}, len(el.Adds))}
		for tag := range el.Adds {
			cp.Adds[tag] = struct{}{}
		}
		elements[k] = cp
	}
	removes := make(map[Tag]struct{}, len(other.removes))
	for tag := range other.removes {
		removes[tag] = struct{}{}
	}
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for element, otherEl := range elements {
		el, ok := s.elements[element]
		if !ok {
			el = &orElement{Adds: make(map[Tag]struct{})}
			s.elements[element] = el
		}
		if len(otherEl.Adds) > 0 {
			el.Value = otherEl.Value
		}
		for tag := range otherEl.Adds {
			el.Adds[tag] = struct{}{}
		}
	}
	for tag := range removes {
		s.removes[tag] = struct{}{}
	}
}

type orElementSnapshot struct {
	Value interface{} `json:"value,omitempty"`
	Adds  []Tag       `json:"adds"`
}

type orSetSnapshot struct {
	Elements map[string]orElementSnapshot `json:"elements"`
	Removes  []Tag                        `json:"removes"`
	Seq      uint64                       `json:"seq"`
}

func (s *ORSet) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := orSetSnapshot{Elements: make(map[string]orElementSnapshot, len(s.elements)), Seq: s.seq}
	for k, el := range s.elements {
		tags := make([]Tag, 0, len(el.Adds))
		for tag := range el.Adds {
			tags = append(tags, tag)
		}
		snap.Elements[k] = orElementSnapshot{Value: el.Value, Adds: tags}
	}
	snap.Removes = make([]Tag, 0, len(s.removes))
	for tag := range s.removes {
		snap.Removes = append(snap.Removes, tag)
	}
	return json.Marshal(snap)
}

func (s *ORSet) Load(data []byte) error {
	var snap orSetSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &errs.FormatError{Reason: "orset: malformed snapshot", Cause: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = make(map[string]*orElement, len(snap.Elements))
	s.seq = snap.Seq
	for k, els := range snap.Elements {
		adds := make(map[Tag]struct{}, len(els.Adds))
		for _, tag := range els.Adds {
			adds[tag] = struct{}{}
		}
		s.elements[k] = &orElement{Value: els.Value, Adds: adds}
	}
	s.removes = make(map[Tag]struct{}, len(snap.Removes))
	for _, tag := range snap.Removes {
		s.removes[tag] = struct{}{}
	}
	return nil
}
