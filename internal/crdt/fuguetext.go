package crdt

import (
	"encoding/json"
	"sync"

	"github.com/synckit/synckit/internal/clock"
	"github.com/synckit/synckit/internal/errs"
)

// fugueNode is a single character in the replicated sequence. Unlike a
// single-parent RGA node, it carries both a left and a right origin —
// the visible neighbors at the moment of insertion — which is what keeps
// two replicas' concurrent, contiguous runs of characters each in one
// piece instead of interleaving into a human-unreadable shuffle (§9:
// "never use a single-parent pointer the way RGA does; Fugue's
// left+right origin pair is what prevents interleaving").
type fugueNode struct {
	ID          NodeID
	LeftOrigin  *NodeID
	RightOrigin *NodeID
	Value       rune
	Deleted     bool
	Next        *fugueNode
}

// FugueText is an interleaving-free text CRDT: a registry of nodes keyed
// by NodeID plus a linearized linked list giving the current total
// order.
type FugueText struct {
	mu       sync.RWMutex
	registry map[NodeID]*fugueNode
	head     *fugueNode // sentinel; head.Next is the first real node
}

func NewFugueText() *FugueText {
	head := &fugueNode{}
	return &FugueText{
		registry: make(map[NodeID]*fugueNode),
		head:     head,
	}
}

// visible returns the ordered, non-tombstoned runes, the only public
// notion of "position" an index-based caller ever sees.
func (t *FugueText) visible() []*fugueNode {
	var out []*fugueNode
	for n := t.head.Next; n != nil; n = n.Next {
		if !n.Deleted {
			out = append(out, n)
		}
	}
	return out
}

// originsForPosition resolves a caller-supplied visible-character index
// into the (left, right) origin pair integrate needs: the visible node
// immediately before the insertion point and the one immediately after.
func (t *FugueText) originsForPosition(pos int) (*NodeID, *NodeID) {
	vis := t.visible()
	if pos < 0 {
		pos = 0
	}
	if pos > len(vis) {
		pos = len(vis)
	}
	var left, right *NodeID
	if pos > 0 {
		id := vis[pos-1].ID
		left = &id
	}
	if pos < len(vis) {
		id := vis[pos].ID
		right = &id
	}
	return left, right
}

// InsertLocal inserts ch at visible index pos (clamped to [0, len]) and
// returns the Operation to transmit/queue. documentID/clientID/ts/
// tickedClock come from the document façade's tick-then-apply sequence.
func (t *FugueText) InsertLocal(documentID string, pos int, ch rune, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The node's identity borrows the document's own vector-clock tick
	// rather than a private counter, so a remote replica can recompute
	// the same NodeID from the wire operation's (clientId, clock) alone
	// without the payload having to carry it separately.
	id := NodeID{ClientID: clientID, Seq: tickedClock.Get(clientID)}
	left, right := t.originsForPosition(pos)

	node := &fugueNode{ID: id, LeftOrigin: left, RightOrigin: right, Value: ch}
	t.integrate(node)

	return Operation{
		DocumentID: documentID,
		Type:       OpTextInsert,
		Position:   pos,
		Value: TextInsertPayload{
			Char:        ch,
			LeftOrigin:  left,
			RightOrigin: right,
		},
		Clock:     clock.Clone(tickedClock),
		ClientID:  clientID,
		Timestamp: ts,
	}
}

// integrate splices node into the linked list between its left and
// right origins. Among nodes concurrently inserted at the same origin
// pair, ties break on NodeID (clientID, then seq) ascending — the same
// total-order rule RGA uses for siblings, applied here within the
// narrower left/right-bounded scan window so runs from different
// replicas don't interleave.
func (t *FugueText) integrate(node *fugueNode) {
	var left *fugueNode
	if node.LeftOrigin != nil {
		left = t.registry[*node.LeftOrigin]
	}
	if left == nil {
		left = t.head
	}
	var right *fugueNode
	if node.RightOrigin != nil {
		right = t.registry[*node.RightOrigin]
	}

	prev := left
	current := left.Next
	for current != nil && current != right {
		// Only nodes sharing node's left origin are true siblings
		// competing for the same slot; anything else was anchored by a
		// third concurrent insertion and stays exactly where it is,
		// which is what keeps each replica's contiguous run intact.
		// Among siblings, the lower clientId sorts first, independent
		// of merge order (spec scenario S2: clientId "A" < "B" yields
		// "AXYC", never the reverse, regardless of which side merges
		// into which).
		if originEqual(current.LeftOrigin, node.LeftOrigin) && lessNodeID(node.ID, current.ID) {
			break
		}
		prev = current
		current = current.Next
	}

	node.Next = current
	prev.Next = node
	t.registry[node.ID] = node
}

func originEqual(a, b *NodeID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func lessNodeID(a, b NodeID) bool {
	if a.ClientID != b.ClientID {
		return a.ClientID < b.ClientID
	}
	return a.Seq < b.Seq
}

// DeleteLocal tombstones the visible characters at [pos, pos+length) and
// returns the Operation to transmit/queue, addressed by the exact node
// identities deleted rather than the index range (spec §9: resolve
// deletions by identity, never by a position that may have shifted
// under concurrent edits).
func (t *FugueText) DeleteLocal(documentID string, pos, length int, clientID string, tickedClock clock.VectorClock, ts int64) Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	vis := t.visible()
	if pos < 0 || pos >= len(vis) || length <= 0 {
		return Operation{DocumentID: documentID, Type: OpTextDelete, Value: TextDeletePayload{}, Clock: clock.Clone(tickedClock), ClientID: clientID, Timestamp: ts}
	}
	end := pos + length
	if end > len(vis) {
		end = len(vis)
	}

	var ids []NodeID
	for i := pos; i < end; i++ {
		vis[i].Deleted = true
		ids = append(ids, vis[i].ID)
	}

	return Operation{
		DocumentID: documentID,
		Type:       OpTextDelete,
		Position:   pos,
		Value:      TextDeletePayload{Nodes: ids},
		Clock:      clock.Clone(tickedClock),
		ClientID:   clientID,
		Timestamp:  ts,
	}
}

// ApplyRemote applies a remote text-insert or text-delete. Insert is
// idempotent because the node's NodeID is stable identity: re-applying
// the same insert is a registry hit and a no-op splice. Delete is
// idempotent because tombstoning an already-tombstoned node is a no-op.
func (t *FugueText) ApplyRemote(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch op.Type {
	case OpTextInsert:
		payload, ok := op.Value.(TextInsertPayload)
		if !ok {
			return &errs.FormatError{Reason: "fuguetext: text-insert value is not a TextInsertPayload"}
		}
		id := NodeID{ClientID: op.ClientID, Seq: op.Clock.Get(op.ClientID)}
		if _, exists := t.registry[id]; exists {
			return nil
		}
		node := &fugueNode{ID: id, LeftOrigin: payload.LeftOrigin, RightOrigin: payload.RightOrigin, Value: payload.Char}
		t.integrate(node)
		return nil
	case OpTextDelete:
		payload, ok := op.Value.(TextDeletePayload)
		if !ok {
			return &errs.FormatError{Reason: "fuguetext: text-delete value is not a TextDeletePayload"}
		}
		for _, id := range payload.Nodes {
			if node, exists := t.registry[id]; exists {
				node.Deleted = true
			}
		}
		return nil
	default:
		return nil
	}
}

// Observe returns the current visible string.
func (t *FugueText) Observe() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vis := t.visible()
	out := make([]rune, len(vis))
	for i, n := range vis {
		out[i] = n.Value
	}
	return string(out)
}

// Merge incorporates another replica's full node set, integrating any
// node this replica has not yet seen and folding tombstones for nodes
// both sides already hold. Nodes whose left origin hasn't been
// integrated yet are buffered and retried once that origin lands,
// the same orphan-buffering a single-parent RGA needs for causal
// delivery, adapted here to Fugue's left-origin dependency.
func (t *FugueText) Merge(other *FugueText) {
	other.mu.RLock()
	pending := make([]*fugueNode, 0, len(other.registry))
	for _, n := range other.registry {
		cp := *n
		pending = append(pending, &cp)
	}
	other.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	for len(pending) > 0 {
		var next []*fugueNode
		progressed := false
		for _, n := range pending {
			if existing, ok := t.registry[n.ID]; ok {
				if n.Deleted {
					existing.Deleted = true
				}
				progressed = true
				continue
			}
			if n.LeftOrigin != nil {
				if _, ok := t.registry[*n.LeftOrigin]; !ok {
					next = append(next, n)
					continue
				}
			}
			node := &fugueNode{ID: n.ID, LeftOrigin: n.LeftOrigin, RightOrigin: n.RightOrigin, Value: n.Value, Deleted: n.Deleted}
			t.integrate(node)
			progressed = true
		}
		if !progressed {
			// Remaining nodes never find their left origin (truncated
			// or corrupt input); integrate them at the root rather than
			// dropping them silently.
			for _, n := range next {
				node := &fugueNode{ID: n.ID, LeftOrigin: nil, RightOrigin: n.RightOrigin, Value: n.Value, Deleted: n.Deleted}
				t.integrate(node)
			}
			break
		}
		pending = next
	}
}

type fugueNodeSnapshot struct {
	ID          NodeID  `json:"id"`
	LeftOrigin  *NodeID `json:"leftOrigin,omitempty"`
	RightOrigin *NodeID `json:"rightOrigin,omitempty"`
	Value       rune    `json:"value"`
	Deleted     bool    `json:"deleted,omitempty"`
}

type fugueTextSnapshot struct {
	Nodes []fugueNodeSnapshot `json:"nodes"`
}

// Snapshot serializes every node in insertion-list order, tombstones
// included, so a freshly loaded replica preserves full deletion history.
func (t *FugueText) Snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var snap fugueTextSnapshot
	for n := t.head.Next; n != nil; n = n.Next {
		snap.Nodes = append(snap.Nodes, fugueNodeSnapshot{
			ID: n.ID, LeftOrigin: n.LeftOrigin, RightOrigin: n.RightOrigin,
			Value: n.Value, Deleted: n.Deleted,
		})
	}
	return json.Marshal(snap)
}

// Load rebuilds the node list from a snapshot produced by Snapshot,
// re-integrating each node in its recorded order.
func (t *FugueText) Load(data []byte) error {
	var snap fugueTextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &errs.FormatError{Reason: "fuguetext: malformed snapshot", Cause: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = &fugueNode{}
	t.registry = make(map[NodeID]*fugueNode)
	for _, ns := range snap.Nodes {
		node := &fugueNode{ID: ns.ID, LeftOrigin: ns.LeftOrigin, RightOrigin: ns.RightOrigin, Value: ns.Value, Deleted: ns.Deleted}
		t.integrate(node)
	}
	return nil
}
