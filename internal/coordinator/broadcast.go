// Package coordinator implements the cross-tab coordinator: leader
// election, heartbeat-driven divergence detection, and full-state
// handoff over a per-document broadcast channel.
package coordinator

import "sync"

// MessageType enumerates the cross-tab broadcast-channel message set.
type MessageType string

const (
	MessageTabJoined        MessageType = "tab-joined"
	MessageTabLeaving       MessageType = "tab-leaving"
	MessageElection         MessageType = "election"
	MessageHeartbeat        MessageType = "heartbeat"
	MessageRequestFullSync  MessageType = "request-full-sync"
	MessageFullSyncResponse MessageType = "full-sync-response"
	MessageUpdate           MessageType = "update"
	MessageTextInsert       MessageType = "text-insert"
	MessageTextDelete       MessageType = "text-delete"
	MessageUndoAdd          MessageType = "undo-add"
	MessageUndo             MessageType = "undo"
	MessageRedo             MessageType = "redo"
)

// Message is the envelope every broadcast-channel message carries. Not
// every field is meaningful for every Type: TabStartTime only matters
// for election, StateHash/Snapshot only for heartbeat/full-sync-
// response, Payload only for the application-level relay types.
type Message struct {
	Type         MessageType
	From         string
	To           string // empty means "every tab"; set for request-full-sync/full-sync-response
	Seq          uint64
	Timestamp    int64
	TabStartTime int64
	StateHash    string
	Snapshot     []byte
	Payload      interface{}
}

// Handler receives a delivered Message.
type Handler func(msg Message)

// Broadcast is the named per-document channel the coordinator depends
// on. A production host wires the browser BroadcastChannel API (or an
// equivalent) behind this interface; Hub/Member below is the in-process
// reference implementation used by tests and the demo binary.
type Broadcast interface {
	Send(msg Message) error
	OnMessage(handler Handler)
	Close()
}

// Hub is an in-process N-way broadcast channel: every Member.Send
// delivers synchronously to every joined Member, including the sender,
// mirroring how the coordinator itself is required to filter on `from`
// rather than assume the channel never echoes (§4.5: "MUST ignore
// messages whose from equals its own tabId").
type Hub struct {
	mu      sync.Mutex
	members []*Member
}

// NewHub returns an empty Hub. Tabs Join it to obtain their own Member.
func NewHub() *Hub { return &Hub{} }

// Join admits a new Member to the hub.
func (h *Hub) Join() *Member {
	m := &Member{hub: h}
	h.mu.Lock()
	h.members = append(h.members, m)
	h.mu.Unlock()
	return m
}

// Member is one tab's view of a Hub: a Broadcast implementation.
type Member struct {
	hub      *Hub
	mu       sync.RWMutex
	handlers []Handler
}

func (m *Member) Send(msg Message) error {
	m.hub.mu.Lock()
	members := append([]*Member(nil), m.hub.members...)
	m.hub.mu.Unlock()
	for _, other := range members {
		other.deliver(msg)
	}
	return nil
}

func (m *Member) deliver(msg Message) {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		safeDeliver(h, msg)
	}
}

// safeDeliver isolates one handler's panic from the rest (§4.5: "handler
// exceptions are caught per-handler and isolated").
func safeDeliver(h Handler, msg Message) {
	defer func() { recover() }()
	h(msg)
}

func (m *Member) OnMessage(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Close removes m from its hub, so m stops receiving. Send on a closed
// Member still delivers to the members that remain joined.
func (m *Member) Close() {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	for i, other := range m.hub.members {
		if other == m {
			m.hub.members = append(m.hub.members[:i], m.hub.members[i+1:]...)
			return
		}
	}
}

// Registry keys Hubs by channel name, so every Coordinator that joins
// the same "synckit-<documentId>" name shares one Hub without any
// out-of-band wiring — the in-process stand-in for a host's named
// BroadcastChannel constructor.
type Registry struct {
	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry returns an empty named-channel registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub)}
}

// Join returns a fresh Member on the Hub registered under name,
// creating that Hub on first use.
func (r *Registry) Join(name string) *Member {
	r.mu.Lock()
	h, ok := r.hubs[name]
	if !ok {
		h = NewHub()
		r.hubs[name] = h
	}
	r.mu.Unlock()
	return h.Join()
}

// ChannelName is the "synckit-<documentId>" naming convention every
// Coordinator for documentId should join under.
func ChannelName(documentID string) string {
	return "synckit-" + documentID
}
