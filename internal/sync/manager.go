// Package sync implements the Sync Manager: the per-client orchestrator
// that registers documents, subscribes them to the transport, pushes
// local operations with ACK tracking, applies remote deltas under LWW
// conflict resolution, and replays the offline queue on reconnect.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/synckit/synckit/internal/clock"
	"github.com/synckit/synckit/internal/config"
	"github.com/synckit/synckit/internal/crdt"
	"github.com/synckit/synckit/internal/document"
	"github.com/synckit/synckit/internal/errs"
	"github.com/synckit/synckit/internal/metrics"
	"github.com/synckit/synckit/internal/queue"
	"github.com/synckit/synckit/internal/tracing"
	"github.com/synckit/synckit/internal/transport"
)

// State is a document's sync status as observed through the manager.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateOffline State = "offline"
	StateError   State = "error"
)

// SyncState is the observable per-document status the manager publishes
// to status listeners after every transition.
type SyncState struct {
	State             State  `json:"state"`
	LastSyncedAt      int64  `json:"lastSyncedAt"`
	Error             string `json:"error,omitempty"`
	PendingOperations int    `json:"pendingOperations"`
}

// StatusListener receives a document's updated SyncState.
type StatusListener func(documentID string, status SyncState)

type deltaPayload struct {
	MessageID  string
	DocumentID string
	Op         crdt.Operation
}

type ackPayload struct {
	MessageID string
}

type syncRequestPayload struct {
	DocumentID string
	Clock      clock.VectorClock
}

type syncResponsePayload struct {
	DocumentID string
	Ops        []crdt.Operation
	Clock      clock.VectorClock
}

type trackedDoc struct {
	doc          *document.Document
	state        State
	subscribed   bool
	lastSyncedAt int64
	errMsg       string
	syncTimer    *time.Timer
}

type pendingAck struct {
	documentID string
	op         crdt.Operation
	timer      *time.Timer
	pushedAt   time.Time
}

// Manager is the Sync Manager. One Manager serves every document
// registered with it over a single Transport.
type Manager struct {
	mu        sync.Mutex
	clientID  string
	transport transport.Transport
	queue     *queue.Queue
	opts      config.Options
	logger    *zap.Logger
	metrics   *metrics.Metrics

	docs     map[string]*trackedDoc
	pending  map[string]*pendingAck
	statusLs []StatusListener

	lastFailedDepth int
}

// NewManager constructs a Manager bound to t, wiring its transport
// handlers and (if q is non-nil) bridging queue depth into metrics.
func NewManager(clientID string, t transport.Transport, q *queue.Queue, opts config.Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		clientID:  clientID,
		transport: t,
		queue:     q,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		docs:      make(map[string]*trackedDoc),
		pending:   make(map[string]*pendingAck),
	}
	t.On(transport.MessageDelta, mgr.onDelta)
	t.On(transport.MessageAck, mgr.onAck)
	t.On(transport.MessageSyncResp, mgr.onSyncResponse)
	t.OnStateChange(mgr.onConnectionStateChange)

	if q != nil && m != nil {
		q.OnChange(func(s queue.Stats) {
			m.QueueDepth.Set(float64(s.Pending))
			m.FailedQueueDepth.Set(float64(s.Failed))
			if s.Failed > mgr.lastFailedDepth {
				m.OperationsDeadLetter.Add(float64(s.Failed - mgr.lastFailedDepth))
			}
			mgr.lastFailedDepth = s.Failed
		})
	}
	return mgr
}

// Register records doc, initializing its sync state to idle. A
// document must be registered before Subscribe or RequestSync have any
// effect on it; HandleLocalOperation pushes operations whether or not
// their document is registered.
func (m *Manager) Register(doc *document.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID()] = &trackedDoc{doc: doc, state: StateIdle}
}

// Unregister drops doc from the manager, canceling any pending timers.
func (m *Manager) Unregister(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if td, ok := m.docs[documentID]; ok {
		if td.syncTimer != nil {
			td.syncTimer.Stop()
		}
		delete(m.docs, documentID)
	}
}

// HandleLocalOperation implements document.Sink: the document façade
// calls this synchronously, as the last step of its local-mutation
// sequence, handing off the freshly minted operation for transmission.
func (m *Manager) HandleLocalOperation(op crdt.Operation) {
	m.Push(op)
}

// Push transmits op as a delta and tracks it for acknowledgement within
// the configured ACK timeout. If the transport is not connected, or the
// send itself fails, op is durably enqueued for replay on reconnect
// instead of being tracked.
func (m *Manager) Push(op crdt.Operation) {
	_, span := tracing.StartSpan(context.Background(), "sync.push")
	defer span.End()

	if !m.transport.IsConnected() {
		m.enqueue(op)
		return
	}

	messageID := uuid.NewString()
	msg := transport.Message{
		Type:      transport.MessageDelta,
		Payload:   deltaPayload{MessageID: messageID, DocumentID: op.DocumentID, Op: op},
		Timestamp: time.Now().UnixMilli(),
	}

	// Track the message before sending: a synchronous transport can
	// deliver the peer's ack before Send returns.
	timer := time.AfterFunc(m.opts.AckTimeout, func() { m.onAckTimeout(messageID) })
	m.mu.Lock()
	m.pending[messageID] = &pendingAck{documentID: op.DocumentID, op: op, timer: timer, pushedAt: time.Now()}
	m.mu.Unlock()

	if err := m.transport.Send(msg); err != nil {
		timer.Stop()
		m.mu.Lock()
		delete(m.pending, messageID)
		m.mu.Unlock()
		m.enqueue(op)
		return
	}

	if m.metrics != nil {
		m.metrics.OperationsPushed.Inc()
	}
}

func (m *Manager) enqueue(op crdt.Operation) {
	if m.queue == nil {
		return
	}
	if err := m.queue.Enqueue(op, time.Now().UnixMilli()); err != nil {
		if m.logger != nil {
			m.logger.Error("failed to enqueue operation for offline replay", zap.String("documentId", op.DocumentID), zap.Error(err))
		}
		return
	}
	if m.metrics != nil {
		m.metrics.OperationsEnqueued.Inc()
	}
}

func (m *Manager) onAckTimeout(messageID string) {
	m.mu.Lock()
	pa, ok := m.pending[messageID]
	if ok {
		delete(m.pending, messageID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	timeoutErr := &errs.TimeoutError{Op: "push-ack"}
	if m.metrics != nil {
		m.metrics.AckTimeouts.Inc()
	}
	if m.logger != nil {
		m.logger.Warn("ack timeout, enqueueing for retry", zap.String("documentId", pa.documentID), zap.Error(timeoutErr))
	}
	m.mu.Lock()
	if td, ok := m.docs[pa.documentID]; ok {
		td.errMsg = timeoutErr.Error()
	}
	m.mu.Unlock()
	m.enqueue(pa.op)
}

func (m *Manager) onAck(msg transport.Message) {
	payload, ok := msg.Payload.(ackPayload)
	if !ok {
		return
	}
	m.mu.Lock()
	pa, ok := m.pending[payload.MessageID]
	if ok {
		pa.timer.Stop()
		delete(m.pending, payload.MessageID)
		if td, tdOK := m.docs[pa.documentID]; tdOK {
			td.lastSyncedAt = time.Now().UnixMilli()
			td.errMsg = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.metrics != nil {
		m.metrics.OperationsAcked.Inc()
		m.metrics.PushLatency.Observe(time.Since(pa.pushedAt).Seconds())
	}
	m.notifyStatus(pa.documentID)
}

// onDelta applies an inbound remote operation to its target document.
// Before applying, it checks the pending-ACK table for a local,
// not-yet-acknowledged op addressed at the same target; if the remote
// op's clock strictly dominates (or wins the LWW tiebreak against) that
// local op, the local op has lost the race and is re-pushed so it is
// never silently dropped.
func (m *Manager) onDelta(msg transport.Message) {
	payload, ok := msg.Payload.(deltaPayload)
	if !ok {
		return
	}

	m.mu.Lock()
	td, exists := m.docs[payload.DocumentID]
	if !exists {
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Warn("apply-remote for unknown document", zap.String("documentId", payload.DocumentID))
		}
		return
	}

	var loser *pendingAck
	var loserID string
	for id, pa := range m.pending {
		if pa.documentID != payload.DocumentID || operationTarget(pa.op) != operationTarget(payload.Op) {
			continue
		}
		switch clock.Compare(pa.op.Clock, payload.Op.Clock) {
		case clock.Before:
			loser, loserID = pa, id
		case clock.Concurrent:
			if remoteWinsTiebreak(payload.Op, pa.op) {
				loser, loserID = pa, id
			}
		}
	}
	if loser != nil {
		loser.timer.Stop()
		delete(m.pending, loserID)
		if m.metrics != nil {
			m.metrics.ConflictsResolved.Inc()
		}
	}
	m.mu.Unlock()

	if err := td.doc.ApplyRemote(payload.Op); err != nil {
		if m.logger != nil {
			m.logger.Warn("failed to apply remote operation", zap.String("documentId", payload.DocumentID), zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	td.lastSyncedAt = time.Now().UnixMilli()
	m.mu.Unlock()

	_ = m.transport.Send(transport.Message{
		Type:      transport.MessageAck,
		Payload:   ackPayload{MessageID: payload.MessageID},
		Timestamp: time.Now().UnixMilli(),
	})

	m.notifyStatus(payload.DocumentID)
	if loser != nil {
		m.Push(loser.op)
	}
}

// operationTarget identifies what within a document an operation
// addresses, so two operations can be compared as "competing for the
// same slot" regardless of type-specific field names.
func operationTarget(op crdt.Operation) string {
	switch op.Type {
	case crdt.OpSet, crdt.OpDelete:
		return "field:" + op.Field
	case crdt.OpTextInsert, crdt.OpTextDelete:
		return fmt.Sprintf("pos:%d", op.Position)
	case crdt.OpSetAdd, crdt.OpSetRemove:
		return "element:" + op.Element
	default:
		return ""
	}
}

// remoteWinsTiebreak reports whether remote beats local under the LWW
// (timestamp, clientId) rule, mirroring crdt.LWWMap's tiebreak.
func remoteWinsTiebreak(remote, local crdt.Operation) bool {
	if remote.Timestamp != local.Timestamp {
		return remote.Timestamp > local.Timestamp
	}
	return remote.ClientID > local.ClientID
}

// Subscribe marks documentID as subscribed, sends a subscribe message
// carrying the document's current clock, and starts the sync-response
// timer. It returns as soon as the message is sent (or the send fails)
// without waiting for the sync_response; the response, or the timeout,
// surfaces through Status and the status listeners.
func (m *Manager) Subscribe(documentID string) error {
	m.mu.Lock()
	if td, ok := m.docs[documentID]; ok {
		td.subscribed = true
	}
	m.mu.Unlock()
	return m.sendSyncAwait(documentID, transport.MessageSubscribe)
}

// RequestSync sends a sync_request carrying documentID's current clock
// and starts the sync-response timer. Like Subscribe, it does not wait
// for the sync_response; the outcome surfaces through Status.
func (m *Manager) RequestSync(documentID string) error {
	return m.sendSyncAwait(documentID, transport.MessageSyncRequest)
}

func (m *Manager) sendSyncAwait(documentID string, msgType transport.MessageType) error {
	m.mu.Lock()
	td, ok := m.docs[documentID]
	if !ok {
		m.mu.Unlock()
		return &errs.UnknownDocumentError{DocumentID: documentID}
	}
	td.state = StateSyncing
	td.errMsg = ""
	if td.syncTimer != nil {
		td.syncTimer.Stop()
	}
	td.syncTimer = time.AfterFunc(m.opts.SyncResponseTimeout, func() { m.onSyncTimeout(documentID) })
	clk := td.doc.GetClock()
	m.mu.Unlock()
	m.notifyStatus(documentID)

	err := m.transport.Send(transport.Message{
		Type:      msgType,
		Payload:   syncRequestPayload{DocumentID: documentID, Clock: clk},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		m.mu.Lock()
		if td.syncTimer != nil {
			td.syncTimer.Stop()
			td.syncTimer = nil
		}
		td.state = StateIdle
		m.mu.Unlock()
		m.notifyStatus(documentID)
	}
	return err
}

// Unsubscribe sends unsubscribe (best-effort when disconnected) and
// resets documentID's state to idle.
func (m *Manager) Unsubscribe(documentID string) {
	m.mu.Lock()
	td, ok := m.docs[documentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	td.subscribed = false
	if td.syncTimer != nil {
		td.syncTimer.Stop()
		td.syncTimer = nil
	}
	td.state = StateIdle
	connected := m.transport.IsConnected()
	m.mu.Unlock()

	if connected {
		_ = m.transport.Send(transport.Message{
			Type:      transport.MessageUnsubscribe,
			Payload:   syncRequestPayload{DocumentID: documentID},
			Timestamp: time.Now().UnixMilli(),
		})
	}
	m.notifyStatus(documentID)
}

func (m *Manager) onSyncResponse(msg transport.Message) {
	payload, ok := msg.Payload.(syncResponsePayload)
	if !ok {
		return
	}
	m.mu.Lock()
	td, ok := m.docs[payload.DocumentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if td.syncTimer != nil {
		td.syncTimer.Stop()
		td.syncTimer = nil
	}
	m.mu.Unlock()

	for _, op := range payload.Ops {
		if err := td.doc.ApplyRemote(op); err != nil && m.logger != nil {
			m.logger.Warn("failed to apply sync-response operation", zap.String("documentId", payload.DocumentID), zap.Error(err))
		}
	}

	m.mu.Lock()
	td.state = StateSynced
	td.lastSyncedAt = time.Now().UnixMilli()
	td.errMsg = ""
	m.mu.Unlock()
	m.notifyStatus(payload.DocumentID)
}

func (m *Manager) onSyncTimeout(documentID string) {
	timeoutErr := &errs.TimeoutError{Op: "request-sync"}
	m.mu.Lock()
	td, ok := m.docs[documentID]
	if ok {
		td.state = StateIdle
		td.syncTimer = nil
		td.errMsg = timeoutErr.Error()
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.metrics != nil {
		m.metrics.SyncResponseTimeouts.Inc()
	}
	if m.logger != nil {
		m.logger.Warn("sync response timeout", zap.String("documentId", documentID), zap.Error(timeoutErr))
	}
	m.notifyStatus(documentID)
}

// onConnectionStateChange reacts to transport connection-state
// transitions: on reconnect, every subscribed document re-subscribes
// and the offline queue replays through Push; on disconnect, subscribed
// documents are marked offline; on failure, they are marked error.
func (m *Manager) onConnectionStateChange(state transport.ConnectionState) {
	switch state {
	case transport.StateConnected:
		m.mu.Lock()
		var toResubscribe []string
		for id, td := range m.docs {
			if td.subscribed {
				td.state = StateSyncing
				toResubscribe = append(toResubscribe, id)
			}
		}
		m.mu.Unlock()
		for _, id := range toResubscribe {
			m.notifyStatus(id)
			go m.sendSyncAwait(id, transport.MessageSubscribe)
		}
		if m.queue != nil {
			go m.queue.Replay(func(op crdt.Operation) error {
				m.Push(op)
				return nil
			})
		}
	case transport.StateDisconnected, transport.StateReconnecting:
		m.mu.Lock()
		var ids []string
		for id, td := range m.docs {
			if td.subscribed {
				td.state = StateOffline
				ids = append(ids, id)
			}
		}
		m.mu.Unlock()
		for _, id := range ids {
			m.notifyStatus(id)
		}
	case transport.StateFailed:
		m.mu.Lock()
		var ids []string
		for id, td := range m.docs {
			if td.subscribed {
				td.state = StateError
				td.errMsg = "Connection failed"
				ids = append(ids, id)
			}
		}
		m.mu.Unlock()
		for _, id := range ids {
			m.notifyStatus(id)
		}
	}
}

// Status returns documentID's current observable sync state.
func (m *Manager) Status(documentID string) (SyncState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(documentID)
}

func (m *Manager) statusLocked(documentID string) (SyncState, bool) {
	td, ok := m.docs[documentID]
	if !ok {
		return SyncState{}, false
	}
	pending := 0
	for _, pa := range m.pending {
		if pa.documentID == documentID {
			pending++
		}
	}
	return SyncState{State: td.state, LastSyncedAt: td.lastSyncedAt, Error: td.errMsg, PendingOperations: pending}, true
}

// OnStatusChange registers a listener invoked with a document's updated
// SyncState after every transition. Panics inside a listener are
// recovered and logged, never propagated.
func (m *Manager) OnStatusChange(listener StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusLs = append(m.statusLs, listener)
}

func (m *Manager) notifyStatus(documentID string) {
	m.mu.Lock()
	status, ok := m.statusLocked(documentID)
	listeners := append([]StatusListener(nil), m.statusLs...)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range listeners {
		m.safeNotify(l, documentID, status)
	}
}

func (m *Manager) safeNotify(listener StatusListener, documentID string, status SyncState) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("sync status listener panicked", zap.Any("recover", r))
		}
	}()
	listener(documentID, status)
}
