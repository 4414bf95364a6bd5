package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/synckit/synckit/internal/config"
	"github.com/synckit/synckit/internal/metrics"
)

// StateProvider lets the coordinator compute and apply the divergence
// digest and full-state snapshot without knowing anything about CRDT
// state, undo stacks, or documents. A host wires its own implementation
// (typically backed by a document.Document plus an undo manager); the
// coordinator degrades to election/heartbeat-only behavior without one.
type StateProvider interface {
	StateHash() (string, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// RelayListener receives an inbound application-level relay message
// (update, text-insert, text-delete, undo-add, undo, redo) originated by
// another tab sharing this document's broadcast channel.
type RelayListener func(msgType MessageType, payload interface{})

var relayTypes = map[MessageType]bool{
	MessageUpdate:     true,
	MessageTextInsert: true,
	MessageTextDelete: true,
	MessageUndoAdd:    true,
	MessageUndo:       true,
	MessageRedo:       true,
}

// candidate tracks the best election claim seen in the current round:
// lowest tabStartTime wins, ties broken by lexicographically lower
// tabId.
type candidate struct {
	tabID        string
	tabStartTime int64
}

func (c candidate) beats(other candidate) bool {
	if c.tabStartTime != other.tabStartTime {
		return c.tabStartTime < other.tabStartTime
	}
	return c.tabID < other.tabID
}

// Coordinator is one tab's membership in a document's cross-tab
// coordination group: it elects a single leader among every tab with
// the same documentID open, relays application messages between them,
// and repairs state divergence detected via leader heartbeats.
type Coordinator struct {
	mu sync.Mutex

	tabID        string
	tabStartTime int64
	documentID   string

	broadcast Broadcast
	opts      config.Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
	state     StateProvider

	seq uint64

	leaderID string
	isLeader bool
	best     candidate

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker
	heartbeatStop   chan struct{}
	followerTimer   *time.Timer

	relayLs []RelayListener

	closed bool
}

// New constructs a Coordinator for documentID, joined to broadcast. It
// does not start electing until Start is called.
func New(documentID string, broadcast Broadcast, opts config.Options, logger *zap.Logger, m *metrics.Metrics, state StateProvider) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		tabID:        uuid.NewString(),
		tabStartTime: time.Now().UnixNano(),
		documentID:   documentID,
		broadcast:    broadcast,
		opts:         opts,
		logger:       logger,
		metrics:      m,
		state:        state,
	}
	c.best = candidate{tabID: c.tabID, tabStartTime: c.tabStartTime}
	broadcast.OnMessage(c.handleMessage)
	return c
}

// TabID returns this coordinator's stable per-construction identity.
func (c *Coordinator) TabID() string { return c.tabID }

// IsLeader reports whether this tab currently believes itself leader.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// LeaderID returns the tabId this tab currently believes is leader, or
// "" if none is known yet.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// Start announces this tab's arrival and begins the election round.
func (c *Coordinator) Start() {
	c.send(Message{Type: MessageTabJoined})
	c.runElection()
}

// Stop announces departure and releases every timer and the broadcast
// membership. A Coordinator is not reusable after Stop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimersLocked()
	c.mu.Unlock()

	c.send(Message{Type: MessageTabLeaving})
	c.broadcast.Close()
}

// Relay broadcasts an application-level message to every other tab
// sharing this document's coordination group.
func (c *Coordinator) Relay(msgType MessageType, payload interface{}) error {
	if !relayTypes[msgType] {
		return &invalidRelayTypeError{msgType}
	}
	return c.send(Message{Type: msgType, Payload: payload})
}

// OnRelay registers a listener invoked for every inbound relay message
// from another tab.
func (c *Coordinator) OnRelay(l RelayListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayLs = append(c.relayLs, l)
}

func (c *Coordinator) send(msg Message) error {
	c.mu.Lock()
	c.seq++
	msg.From = c.tabID
	msg.Seq = c.seq
	msg.Timestamp = time.Now().UnixMilli()
	c.mu.Unlock()

	if err := c.broadcast.Send(msg); err != nil {
		// §4.5: broadcast-send failures are logged and swallowed, never
		// surfaced as a fatal error to the caller mid-session.
		c.logger.Warn("coordinator: broadcast send failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return nil
	}
	return nil
}

func (c *Coordinator) handleMessage(msg Message) {
	if msg.From == c.tabID {
		return
	}
	switch msg.Type {
	case MessageTabJoined:
		c.onTabJoined(msg)
	case MessageTabLeaving:
		c.onTabLeaving(msg)
	case MessageElection:
		c.onElection(msg)
	case MessageHeartbeat:
		c.onHeartbeat(msg)
	case MessageRequestFullSync:
		c.onRequestFullSync(msg)
	case MessageFullSyncResponse:
		c.onFullSyncResponse(msg)
	default:
		if relayTypes[msg.Type] {
			c.onRelay(msg)
		}
	}
}

// onTabJoined re-asserts this tab's candidacy so the newcomer learns the
// current leader (or joins the same election round) without waiting out
// its own settle timeout unnecessarily.
func (c *Coordinator) onTabJoined(msg Message) {
	c.mu.Lock()
	isLeader := c.isLeader
	c.mu.Unlock()
	if isLeader {
		c.sendHeartbeat()
		return
	}
	c.send(Message{Type: MessageElection, TabStartTime: c.tabStartTime})
}

func (c *Coordinator) onTabLeaving(msg Message) {
	c.mu.Lock()
	wasLeader := msg.From == c.leaderID
	c.mu.Unlock()
	if wasLeader {
		c.runElection()
	}
}

// onElection applies §4.5's rule: the numerically/lexically older
// candidate always wins; a newer tab cancels its own pending
// self-election on receipt of an older candidate, while an incumbent
// leader re-asserts leadership on receipt of a newer candidate.
func (c *Coordinator) onElection(msg Message) {
	incoming := candidate{tabID: msg.From, tabStartTime: msg.TabStartTime}

	c.mu.Lock()
	isLeader := c.isLeader
	outranksUs := isLeader && incoming.beats(c.best)
	if !isLeader && incoming.beats(c.best) {
		c.best = incoming
		c.leaderID = incoming.tabID
	}
	c.mu.Unlock()

	if isLeader && !outranksUs {
		// We're still the rightful leader; reassert rather than
		// silently let the newer candidate assume a vacancy.
		c.sendHeartbeat()
	}
}

func (c *Coordinator) onHeartbeat(msg Message) {
	c.mu.Lock()
	if c.isLeader && msg.From != c.leaderID {
		// A stale leader is still beating after we won an election; the
		// oldest-wins rule is authoritative, so only step down if it
		// actually outranks us.
		incoming := candidate{tabID: msg.From, tabStartTime: msg.TabStartTime}
		if !incoming.beats(c.best) {
			c.mu.Unlock()
			return
		}
		c.isLeader = false
		c.stopHeartbeatLocked()
	}
	c.leaderID = msg.From
	c.best = candidate{tabID: msg.From, tabStartTime: msg.TabStartTime}
	c.resetFollowerTimerLocked()
	localHash := ""
	if c.state != nil {
		h, err := c.state.StateHash()
		if err == nil {
			localHash = h
		}
	}
	mismatch := c.state != nil && msg.StateHash != "" && localHash != "" && msg.StateHash != localHash
	c.mu.Unlock()

	if mismatch {
		c.send(Message{Type: MessageRequestFullSync, To: msg.From})
	}
}

func (c *Coordinator) onRequestFullSync(msg Message) {
	c.mu.Lock()
	isLeader := c.isLeader
	c.mu.Unlock()
	if !isLeader || msg.To != c.tabID || c.state == nil {
		return
	}
	snapshot, err := c.state.Snapshot()
	if err != nil {
		c.logger.Warn("coordinator: snapshot for full-sync failed", zap.Error(err))
		return
	}
	c.send(Message{Type: MessageFullSyncResponse, To: msg.From, Snapshot: snapshot})
}

func (c *Coordinator) onFullSyncResponse(msg Message) {
	if msg.To != c.tabID || c.state == nil {
		return
	}
	if err := c.state.Restore(msg.Snapshot); err != nil {
		c.logger.Warn("coordinator: restoring full-sync snapshot failed", zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.DivergenceRepairs.Inc()
	}
}

func (c *Coordinator) onRelay(msg Message) {
	c.mu.Lock()
	listeners := append([]RelayListener(nil), c.relayLs...)
	c.mu.Unlock()
	for _, l := range listeners {
		safeRelay(l, msg.Type, msg.Payload)
	}
}

func safeRelay(l RelayListener, msgType MessageType, payload interface{}) {
	defer func() { recover() }()
	l(msgType, payload)
}

// runElection broadcasts this tab's candidacy and, unless an older
// candidate is heard within ElectionSettleTimeout, elevates itself.
func (c *Coordinator) runElection() {
	c.mu.Lock()
	c.isLeader = false
	c.leaderID = ""
	c.best = candidate{tabID: c.tabID, tabStartTime: c.tabStartTime}
	if c.electionTimer != nil {
		c.electionTimer.Stop()
	}
	settle := c.opts.ElectionSettleTimeout
	c.electionTimer = time.AfterFunc(settle, c.settleElection)
	c.mu.Unlock()

	c.send(Message{Type: MessageElection, TabStartTime: c.tabStartTime})
}

func (c *Coordinator) settleElection() {
	c.mu.Lock()
	won := c.best.tabID == c.tabID
	c.mu.Unlock()
	if !won {
		return
	}
	c.becomeLeader()
}

func (c *Coordinator) becomeLeader() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.isLeader = true
	c.leaderID = c.tabID
	c.stopHeartbeatLocked()
	c.stopFollowerTimerLocked()
	interval := c.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	c.heartbeatTicker = ticker
	c.heartbeatStop = done
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.LeaderElections.Inc()
	}
	c.sendHeartbeat()
	go c.runHeartbeatLoop(ticker, done)
}

func (c *Coordinator) runHeartbeatLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			c.sendHeartbeat()
		case <-done:
			return
		}
	}
}

func (c *Coordinator) sendHeartbeat() {
	hash := ""
	if c.state != nil {
		if h, err := c.state.StateHash(); err == nil {
			hash = h
		}
	}
	c.send(Message{Type: MessageHeartbeat, TabStartTime: c.tabStartTime, StateHash: hash})
}

func (c *Coordinator) resetFollowerTimerLocked() {
	c.stopFollowerTimerLocked()
	timeout := c.opts.HeartbeatTimeout
	c.followerTimer = time.AfterFunc(timeout, func() {
		c.logger.Info("coordinator: leader heartbeat timed out, re-electing", zap.String("tab", c.tabID))
		c.runElection()
	})
}

func (c *Coordinator) stopFollowerTimerLocked() {
	if c.followerTimer != nil {
		c.followerTimer.Stop()
		c.followerTimer = nil
	}
}

func (c *Coordinator) stopHeartbeatLocked() {
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
		close(c.heartbeatStop)
		c.heartbeatTicker = nil
		c.heartbeatStop = nil
	}
}

func (c *Coordinator) stopTimersLocked() {
	if c.electionTimer != nil {
		c.electionTimer.Stop()
	}
	c.stopFollowerTimerLocked()
	c.stopHeartbeatLocked()
}

type invalidRelayTypeError struct {
	msgType MessageType
}

func (e *invalidRelayTypeError) Error() string {
	return "coordinator: " + string(e.msgType) + " is not a relayable message type"
}
