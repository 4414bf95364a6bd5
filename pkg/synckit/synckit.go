// Package synckit is the public façade over the offline-first document
// sync core: a Client wires a transport, an offline queue, and a
// persistence adapter together behind a small Document/Coordinator
// surface, leaving every internal package free to change shape
// underneath it.
package synckit

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/synckit/synckit/internal/config"
	"github.com/synckit/synckit/internal/coordinator"
	"github.com/synckit/synckit/internal/crdt"
	"github.com/synckit/synckit/internal/document"
	"github.com/synckit/synckit/internal/logging"
	"github.com/synckit/synckit/internal/metrics"
	"github.com/synckit/synckit/internal/queue"
	"github.com/synckit/synckit/internal/storage"
	"github.com/synckit/synckit/internal/sync"
	"github.com/synckit/synckit/internal/transport"
)

// Kind re-exports the CRDT variant a caller opens a document as.
type Kind = crdt.Kind

const (
	KindLWWMap    = crdt.KindLWWMap
	KindFugueText = crdt.KindFugueText
	KindPNCounter = crdt.KindPNCounter
	KindORSet     = crdt.KindORSet
)

// SyncState, StatusListener, and the sync states re-export the Sync
// Manager's observable status surface so callers never need to import
// internal/sync directly.
type (
	SyncState      = sync.SyncState
	StatusListener = sync.StatusListener
)

const (
	StateIdle    = sync.StateIdle
	StateSyncing = sync.StateSyncing
	StateSynced  = sync.StateSynced
	StateOffline = sync.StateOffline
	StateError   = sync.StateError
)

// Options configures a Client. Transport is the only required field;
// everything else defaults the way DefaultOptions/a fresh in-memory
// adapter would.
type Options struct {
	ClientID  string
	Transport transport.Transport
	Adapter   storage.Adapter
	// Registerer, if set, receives this Client's Prometheus collectors.
	Registerer prometheus.Registerer
	// Logger, if set, overrides LogLevel/LogFormat entirely.
	Logger *zap.Logger
	// LogLevel and LogFormat build a logger via internal/logging when
	// Logger is unset. LogLevel defaults to "info", LogFormat to "json".
	LogLevel  string
	LogFormat string
	Config    config.Options
}

// Client is the public entry point: one Client per replica (browser tab,
// process, whatever embeds this module), serving every document it
// opens over a single transport connection.
type Client struct {
	clientID  string
	opts      config.Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
	transport transport.Transport
	adapter   storage.Adapter
	queue     *queue.Queue
	mgr       *sync.Manager
}

// New constructs a Client. Transport must be non-nil; every other
// Options field is optional.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("synckit: Transport cannot be nil")
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	adapter := opts.Adapter
	if adapter == nil {
		adapter = storage.NewMemoryAdapter()
	}
	cfg := opts.Config
	if (cfg == config.Options{}) {
		cfg = config.DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		level := opts.LogLevel
		if level == "" {
			level = "info"
		}
		format := opts.LogFormat
		if format == "" {
			format = "json"
		}
		l, err := logging.NewLogger(level, format)
		if err != nil {
			return nil, fmt.Errorf("synckit: failed to construct logger: %w", err)
		}
		logger = l.Logger
	}
	m := metrics.NewMetrics(opts.Registerer)

	q, err := queue.New(adapter, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("synckit: failed to construct offline queue: %w", err)
	}

	mgr := sync.NewManager(clientID, opts.Transport, q, cfg, logger, m)

	return &Client{
		clientID:  clientID,
		opts:      cfg,
		logger:    logger,
		metrics:   m,
		transport: opts.Transport,
		adapter:   adapter,
		queue:     q,
		mgr:       mgr,
	}, nil
}

// ClientID returns this replica's identifier, used as the clientId
// component of every vector clock entry and LWW tiebreak it produces.
func (c *Client) ClientID() string { return c.clientID }

// OpenDocument constructs (or rehydrates, if the adapter already holds
// an envelope under id) a document of the given kind, registers it with
// the Sync Manager, and subscribes it over the transport.
func (c *Client) OpenDocument(id string, kind Kind) (*Document, error) {
	doc, err := document.New(id, c.clientID, kind, c.adapter, c.mgr)
	if err != nil {
		return nil, err
	}
	if data, ok, err := c.adapter.Get(id); err == nil && ok {
		if loadErr := doc.Load(data); loadErr != nil && c.logger != nil {
			c.logger.Warn("synckit: discarding malformed persisted envelope", zap.String("document", id), zap.Error(loadErr))
		}
	}
	c.mgr.Register(doc)
	if err := c.mgr.Subscribe(id); err != nil && c.logger != nil {
		c.logger.Warn("synckit: initial subscribe failed", zap.String("document", id), zap.Error(err))
	}
	return &Document{inner: doc}, nil
}

// CloseDocument unsubscribes and unregisters documentID from the Sync
// Manager. The Document value returned by OpenDocument remains usable
// locally but no longer transmits or receives operations.
func (c *Client) CloseDocument(documentID string) {
	c.mgr.Unsubscribe(documentID)
	c.mgr.Unregister(documentID)
}

// JoinTabGroup starts a Cross-Tab Coordinator for documentID over
// broadcast, optionally wired to state for divergence detection and
// full-state handoff. Callers own the returned Coordinator's lifetime
// and must Stop it themselves.
func (c *Client) JoinTabGroup(documentID string, broadcast coordinator.Broadcast, state coordinator.StateProvider) *coordinator.Coordinator {
	co := coordinator.New(documentID, broadcast, c.opts, c.logger, c.metrics, state)
	co.Start()
	return co
}

// Status returns documentID's current observable sync state.
func (c *Client) Status(documentID string) (SyncState, bool) { return c.mgr.Status(documentID) }

// OnStatusChange registers a listener invoked after every sync-state
// transition for any registered document.
func (c *Client) OnStatusChange(l StatusListener) { c.mgr.OnStatusChange(l) }

// Raw exposes the underlying Sync Manager for advanced use the public
// surface doesn't cover.
func (c *Client) Raw() *sync.Manager { return c.mgr }

// Document is the public per-document handle: mutate, read, and observe
// without touching the CRDT/clock/sink machinery underneath.
type Document struct {
	inner *document.Document
}

// ID returns the document's identifier.
func (d *Document) ID() string { return d.inner.ID() }

// Get returns the document's current observable view: map[string]interface{}
// for lww-map, string for fugue-text, int64 for pn-counter, or
// []string (the present elements, in no fixed order) for or-set.
func (d *Document) Get() interface{} { return d.inner.Get() }

// Subscribe registers cb, calling it immediately with the current view
// and again after every subsequent local or remote mutation. The
// returned func unsubscribes.
func (d *Document) Subscribe(cb func(view interface{})) func() {
	return d.inner.Subscribe(document.Subscriber(cb))
}

// Set assigns field on an lww-map document.
func (d *Document) Set(field string, value interface{}) error {
	_, err := d.inner.Set(field, value)
	return err
}

// Delete tombstones field on an lww-map document.
func (d *Document) Delete(field string) error {
	_, err := d.inner.Delete(field)
	return err
}

// InsertText inserts ch at visible index pos on a fugue-text document.
func (d *Document) InsertText(pos int, ch rune) error {
	_, err := d.inner.InsertText(pos, ch)
	return err
}

// DeleteText tombstones [pos, pos+length) on a fugue-text document.
func (d *Document) DeleteText(pos, length int) error {
	_, err := d.inner.DeleteText(pos, length)
	return err
}

// Increment adds delta to a pn-counter document's increment total.
func (d *Document) Increment(delta int64) error {
	_, err := d.inner.Increment(delta)
	return err
}

// Decrement adds delta to a pn-counter document's decrement total.
func (d *Document) Decrement(delta int64) error {
	_, err := d.inner.Decrement(delta)
	return err
}

// AddToSet adds element/value to an or-set document.
func (d *Document) AddToSet(element string, value interface{}) error {
	_, err := d.inner.AddToSet(element, value)
	return err
}

// RemoveFromSet removes element from an or-set document.
func (d *Document) RemoveFromSet(element string) error {
	_, err := d.inner.RemoveFromSet(element)
	return err
}

// Raw exposes the underlying Document façade for advanced use.
func (d *Document) Raw() *document.Document { return d.inner }
