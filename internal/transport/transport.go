// Package transport defines the bidirectional typed message channel the
// Sync Manager depends on, plus a loopback reference pair used by tests
// and the demo binary. A production host wires a real WebSocket (or
// equivalent) implementation behind the same interface.
package transport

import (
	"reflect"
	"sync"
)

// MessageType is the wire-level discriminator for transport messages.
type MessageType string

const (
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessageDelta       MessageType = "delta"
	MessageAck         MessageType = "ack"
	MessageSyncRequest MessageType = "sync_request"
	MessageSyncResp    MessageType = "sync_response"
	MessageError       MessageType = "error"
)

// ConnectionState mirrors the states a Transport reports through
// OnStateChange.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
)

// Message is the envelope every transport message carries.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Handler receives a delivered Message.
type Handler func(msg Message)

// StateHandler receives connection-state transitions.
type StateHandler func(state ConnectionState)

// Transport is the full-duplex typed channel the Sync Manager sends
// subscribe/unsubscribe/delta/sync_request messages over and receives
// sync_response/delta/ack/error messages from.
type Transport interface {
	Send(msg Message) error
	On(mt MessageType, handler Handler)
	Off(mt MessageType, handler Handler)
	OnStateChange(handler StateHandler)
	IsConnected() bool
}

// ChannelTransport is an in-process Transport: Send on one end delivers
// to the handlers registered on the ChannelTransport it is paired with
// by LoopbackTransport, synchronously. It is the reference implementation LoopbackTransport
// builds a connected pair from, used by tests and cmd/synckit-demo in
// place of a real network socket.
type ChannelTransport struct {
	mu        sync.RWMutex
	peer      *ChannelTransport
	connected bool
	handlers  map[MessageType][]Handler
	onState   []StateHandler
}

func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{handlers: make(map[MessageType][]Handler)}
}

// LoopbackTransport returns two ChannelTransports wired to each other
// and marked connected, simulating an already-established duplex link.
func LoopbackTransport() (*ChannelTransport, *ChannelTransport) {
	a := NewChannelTransport()
	b := NewChannelTransport()
	a.peer = b
	b.peer = a
	a.connected = true
	b.connected = true
	return a, b
}

func (c *ChannelTransport) Send(msg Message) error {
	c.mu.RLock()
	peer := c.peer
	connected := c.connected
	c.mu.RUnlock()
	if !connected || peer == nil {
		return ErrNotConnected
	}
	peer.deliver(msg)
	return nil
}

func (c *ChannelTransport) deliver(msg Message) {
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[msg.Type]...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (c *ChannelTransport) On(mt MessageType, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[mt] = append(c.handlers[mt], handler)
}

func (c *ChannelTransport) Off(mt MessageType, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := c.handlers[mt]
	for i, h := range existing {
		if sameFunc(h, handler) {
			c.handlers[mt] = append(existing[:i], existing[i+1:]...)
			return
		}
	}
}

// sameFunc compares handlers by pointer identity of their underlying
// function value's address, the best Go offers for "is this the same
// registered callback" without caller-supplied handles.
func sameFunc(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func (c *ChannelTransport) OnStateChange(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, handler)
}

func (c *ChannelTransport) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetConnected flips this transport's connection state and notifies
// registered state handlers, letting tests simulate disconnect/
// reconnect without a real network.
func (c *ChannelTransport) SetConnected(connected bool, state ConnectionState) {
	c.mu.Lock()
	c.connected = connected
	handlers := append([]StateHandler(nil), c.onState...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

// ErrNotConnected is returned by Send when this end is marked
// disconnected or has no peer. The peer's own connection flag is not
// consulted.
var ErrNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "transport: not connected" }
