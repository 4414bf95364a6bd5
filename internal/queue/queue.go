// Package queue implements the offline operation queue: a durable FIFO
// of pending operations with exponential backoff, a retry cap, a
// dead-letter queue, and dedup on enqueue.
package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/synckit/synckit/internal/config"
	"github.com/synckit/synckit/internal/crdt"
	"github.com/synckit/synckit/internal/errs"
	"github.com/synckit/synckit/internal/storage"
)

const (
	keyPrefix       = "queue:"
	failedKeyPrefix = "queue:failed:"
)

// Entry is a queued operation plus its retry bookkeeping.
type Entry struct {
	ID         string         `json:"id"`
	Op         crdt.Operation `json:"op"`
	Retries    int            `json:"retries"`
	EnqueuedAt int64          `json:"enqueuedAt"`
}

// Stats is the snapshot broadcast to listeners on every queue mutation.
type Stats struct {
	Pending        int  `json:"pending"`
	Failed         int  `json:"failed"`
	ReplayInFlight bool `json:"replayInFlight"`
}

// Listener receives the queue's current Stats after every mutation.
// Panics inside a listener are recovered and logged, never propagated.
type Listener func(Stats)

// Sender delivers a single operation during replay, returning an error
// if delivery failed. Queue treats any non-nil error identically: the
// entry's retry count is bumped and, past the configured cap, the entry
// moves to the dead-letter queue.
type Sender func(op crdt.Operation) error

// Queue is the durable, at-least-once offline operation queue shared by
// every document on a replica.
type Queue struct {
	mu        sync.Mutex
	adapter   storage.Adapter
	opts      config.Options
	logger    *zap.Logger
	pending   []Entry
	failed    []Entry
	listeners []Listener
	replaying bool
}

// New constructs a Queue and loads any persisted entries from adapter,
// sorted by EnqueuedAt, so a restarted replica resumes with the same
// durable backlog it had before the crash.
func New(adapter storage.Adapter, opts config.Options, logger *zap.Logger) (*Queue, error) {
	q := &Queue{adapter: adapter, opts: opts, logger: logger}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	keys, err := q.adapter.List()
	if err != nil {
		return err
	}
	for _, key := range keys {
		switch {
		case hasPrefix(key, failedKeyPrefix):
			entry, err := q.loadEntry(key)
			if err != nil {
				continue
			}
			q.failed = append(q.failed, entry)
		case hasPrefix(key, keyPrefix):
			entry, err := q.loadEntry(key)
			if err != nil {
				continue
			}
			q.pending = append(q.pending, entry)
		}
	}
	sort.SliceStable(q.pending, func(i, j int) bool { return q.pending[i].EnqueuedAt < q.pending[j].EnqueuedAt })
	sort.SliceStable(q.failed, func(i, j int) bool { return q.failed[i].EnqueuedAt < q.failed[j].EnqueuedAt })
	return nil
}

func (q *Queue) loadEntry(key string) (Entry, error) {
	data, ok, err := q.adapter.Get(key)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, &storage.NotFoundError{Key: key}
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		if q.logger != nil {
			q.logger.Warn("dropping malformed queue entry", zap.String("key", key), zap.Error(err))
		}
		return Entry{}, &errs.FormatError{Reason: "queue: malformed entry " + key, Cause: err}
	}
	return entry, nil
}

// dedupKey identifies operations that should collapse into a single
// queue entry: same document, same operation type, and same
// field/position/element target.
func dedupKey(op crdt.Operation) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", op.DocumentID, op.Type, op.Field, op.Position, op.Element)
}

// Enqueue adds op to the queue. If a pending entry already targets the
// same (documentId, type, field/position/element, value) the existing
// entry's timestamp is bumped in place and no new entry is created.
// Enqueue fails with a *errs.QueueFullError when the queue is at
// capacity and the operation is genuinely new; it never evicts existing
// work to make room.
func (q *Queue) Enqueue(op crdt.Operation, nowMs int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupKey(op)
	valueJSON, _ := json.Marshal(op.Value)
	for i := range q.pending {
		if dedupKey(q.pending[i].Op) != key {
			continue
		}
		existingValueJSON, _ := json.Marshal(q.pending[i].Op.Value)
		if string(existingValueJSON) != string(valueJSON) {
			continue
		}
		q.pending[i].EnqueuedAt = nowMs
		q.pending[i].Op = op
		if err := q.persistEntry(q.pending[i]); err != nil {
			return err
		}
		q.notifyLocked()
		return nil
	}

	if len(q.pending) >= q.opts.QueueMaxSize {
		return &errs.QueueFullError{DocumentID: op.DocumentID, Capacity: q.opts.QueueMaxSize}
	}

	entry := Entry{ID: uuid.NewString(), Op: op, EnqueuedAt: nowMs}
	if err := q.persistEntry(entry); err != nil {
		return err
	}
	q.pending = append(q.pending, entry)
	q.notifyLocked()
	return nil
}

func (q *Queue) persistEntry(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return &errs.FormatError{Reason: "queue: failed to marshal entry", Cause: err}
	}
	return q.adapter.Set(keyPrefix+entry.ID, data)
}

func (q *Queue) persistFailedEntry(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return &errs.FormatError{Reason: "queue: failed to marshal failed entry", Cause: err}
	}
	return q.adapter.Set(failedKeyPrefix+entry.ID, data)
}

// Replay invokes sender for each pending entry in FIFO order. A
// successful send removes the entry (and its persisted key); a failed
// send increments the entry's retry count, sleeps
// RetryDelay*RetryBackoff^(retries-1), and — once retries reaches
// QueueMaxRetries — moves the entry to the dead-letter queue. Only one
// replay may run at a time; a concurrent call returns an
// *errs.InvariantError rather than interleaving two replays over the
// same backing store.
func (q *Queue) Replay(sender Sender) (int, error) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return 0, &errs.InvariantError{Reason: "queue: replay is already in flight"}
	}
	q.replaying = true
	q.notifyLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.notifyLocked()
		q.mu.Unlock()
	}()

	replayed := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		entry := q.pending[0]
		q.mu.Unlock()

		if err := sender(entry.Op); err != nil {
			q.handleReplayFailure(entry)
			continue
		}

		q.mu.Lock()
		if len(q.pending) > 0 && q.pending[0].ID == entry.ID {
			q.pending = q.pending[1:]
		}
		if delErr := q.adapter.Delete(keyPrefix + entry.ID); delErr != nil && q.logger != nil {
			q.logger.Warn("failed to delete replayed queue entry", zap.String("id", entry.ID), zap.Error(delErr))
		}
		q.notifyLocked()
		q.mu.Unlock()
		replayed++
	}
	return replayed, nil
}

func (q *Queue) handleReplayFailure(entry Entry) {
	entry.Retries++

	q.mu.Lock()
	if entry.Retries >= q.opts.QueueMaxRetries {
		if len(q.pending) > 0 && q.pending[0].ID == entry.ID {
			q.pending = q.pending[1:]
		}
		q.adapter.Delete(keyPrefix + entry.ID)
		if err := q.persistFailedEntry(entry); err != nil && q.logger != nil {
			q.logger.Error("failed to persist dead-lettered queue entry", zap.String("id", entry.ID), zap.Error(err))
		}
		q.failed = append(q.failed, entry)
		q.notifyLocked()
		q.mu.Unlock()
		return
	}
	if len(q.pending) > 0 && q.pending[0].ID == entry.ID {
		q.pending[0] = entry
	}
	if err := q.persistEntry(entry); err != nil && q.logger != nil {
		q.logger.Warn("failed to persist retry count", zap.String("id", entry.ID), zap.Error(err))
	}
	q.notifyLocked()
	q.mu.Unlock()

	delay := backoffDelay(q.opts.RetryDelay, q.opts.RetryBackoff, entry.Retries)
	time.Sleep(delay)
}

func backoffDelay(base time.Duration, multiplier float64, retries int) time.Duration {
	d := float64(base)
	for i := 1; i < retries; i++ {
		d *= multiplier
	}
	return time.Duration(d)
}

// Stats returns the queue's current depth counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	return Stats{Pending: len(q.pending), Failed: len(q.failed), ReplayInFlight: q.replaying}
}

// ClearFailed empties the dead-letter queue, removing every failed
// entry from the persistence adapter.
func (q *Queue) ClearFailed() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.failed {
		if err := q.adapter.Delete(failedKeyPrefix + entry.ID); err != nil {
			return err
		}
	}
	q.failed = nil
	q.notifyLocked()
	return nil
}

// Clear empties both the pending and failed queues.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.pending {
		if err := q.adapter.Delete(keyPrefix + entry.ID); err != nil {
			return err
		}
	}
	for _, entry := range q.failed {
		if err := q.adapter.Delete(failedKeyPrefix + entry.ID); err != nil {
			return err
		}
	}
	q.pending = nil
	q.failed = nil
	q.notifyLocked()
	return nil
}

// OnChange registers a listener invoked with the current Stats after
// every queue mutation.
func (q *Queue) OnChange(listener Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, listener)
}

func (q *Queue) notifyLocked() {
	stats := q.statsLocked()
	for _, listener := range q.listeners {
		q.safeNotify(listener, stats)
	}
}

func (q *Queue) safeNotify(listener Listener, stats Stats) {
	defer func() {
		if r := recover(); r != nil && q.logger != nil {
			q.logger.Error("queue listener panicked", zap.Any("recover", r))
		}
	}()
	listener(stats)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
