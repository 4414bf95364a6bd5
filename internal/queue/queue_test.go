package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/synckit/synckit/internal/clock"
	"github.com/synckit/synckit/internal/config"
	"github.com/synckit/synckit/internal/crdt"
	"github.com/synckit/synckit/internal/errs"
	"github.com/synckit/synckit/internal/storage"
)

func newTestQueue(t *testing.T, opts config.Options) (*Queue, *storage.MemoryAdapter) {
	t.Helper()
	adapter := storage.NewMemoryAdapter()
	q, err := New(adapter, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	return q, adapter
}

func op(documentID, field string, value interface{}) crdt.Operation {
	return crdt.Operation{DocumentID: documentID, Type: crdt.OpSet, Field: field, Value: value, Clock: clock.VectorClock{"A": 1}, ClientID: "A"}
}

// TestEnqueueDedupDistinctValues is scenario S3's corrected dedup rule:
// (a,1) and (a,3) are distinct entries because dedup keys on value too.
func TestEnqueueDedupDistinctValues(t *testing.T) {
	q, _ := newTestQueue(t, config.DefaultOptions())
	if err := q.Enqueue(op("doc", "a", 1), 1); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(op("doc", "b", 2), 2); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(op("doc", "a", 3), 3); err != nil {
		t.Fatal(err)
	}
	if stats := q.Stats(); stats.Pending != 3 {
		t.Fatalf("expected 3 distinct entries, got %d", stats.Pending)
	}
}

func TestEnqueueDedupSameValueBumpsTimestamp(t *testing.T) {
	q, adapter := newTestQueue(t, config.DefaultOptions())
	if err := q.Enqueue(op("doc", "a", 1), 1); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(op("doc", "a", 1), 99); err != nil {
		t.Fatal(err)
	}
	if stats := q.Stats(); stats.Pending != 1 {
		t.Fatalf("expected dedup to collapse into 1 entry, got %d", stats.Pending)
	}
	if q.pending[0].EnqueuedAt != 99 {
		t.Fatalf("expected timestamp bumped to 99, got %d", q.pending[0].EnqueuedAt)
	}
	keys, _ := adapter.List()
	if len(keys) != 1 {
		t.Fatalf("expected a single persisted key, got %v", keys)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	opts := config.DefaultOptions()
	opts.QueueMaxSize = 1
	q, _ := newTestQueue(t, opts)
	if err := q.Enqueue(op("doc", "a", 1), 1); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(op("doc", "b", 2), 2)
	if !errors.Is(err, errs.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if stats := q.Stats(); stats.Pending != 1 {
		t.Fatalf("expected existing entry preserved, got %d", stats.Pending)
	}
}

// TestReplayDurableFIFO is scenario S3: after replay, queue is empty and
// the sender observed all operations in FIFO order.
func TestReplayDurableFIFO(t *testing.T) {
	q, adapter := newTestQueue(t, config.DefaultOptions())
	q.Enqueue(op("doc", "a", 1), 1)
	q.Enqueue(op("doc", "b", 2), 2)
	q.Enqueue(op("doc", "a", 3), 3)

	var seen []interface{}
	count, err := q.Replay(func(o crdt.Operation) error {
		seen = append(seen, o.Value)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("expected 3 replayed, got %d", count)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("expected FIFO order [1 2 3], got %v", seen)
	}
	if stats := q.Stats(); stats.Pending != 0 {
		t.Fatalf("expected empty queue after replay, got %d", stats.Pending)
	}
	keys, _ := adapter.List()
	if len(keys) != 0 {
		t.Fatalf("expected no persisted entries after replay, got %v", keys)
	}
}

// TestReplayMovesToDeadLetterAfterMaxRetries covers §8 property 6 in
// reverse: a permanently failing send exhausts retries and moves to the
// failed queue rather than looping forever.
func TestReplayMovesToDeadLetterAfterMaxRetries(t *testing.T) {
	opts := config.DefaultOptions()
	opts.QueueMaxRetries = 2
	opts.RetryDelay = time.Millisecond
	opts.RetryBackoff = 1.0
	q, _ := newTestQueue(t, opts)
	q.Enqueue(op("doc", "a", 1), 1)

	count, err := q.Replay(func(o crdt.Operation) error {
		return errors.New("send failed")
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 successfully replayed, got %d", count)
	}
	stats := q.Stats()
	if stats.Pending != 0 || stats.Failed != 1 {
		t.Fatalf("expected entry dead-lettered, got pending=%d failed=%d", stats.Pending, stats.Failed)
	}
}

func TestReplayNonReentrant(t *testing.T) {
	q, _ := newTestQueue(t, config.DefaultOptions())
	q.Enqueue(op("doc", "a", 1), 1)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Replay(func(o crdt.Operation) error {
			close(started)
			<-done
			return nil
		})
	}()
	<-started
	_, err := q.Replay(func(o crdt.Operation) error { return nil })
	close(done)
	if !errors.Is(err, errs.ErrInvariant) {
		t.Fatalf("expected ErrInvariant for concurrent replay, got %v", err)
	}
}

func TestQueueLoadsFromAdapterOnRestart(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	opts := config.DefaultOptions()
	q1, err := New(adapter, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	q1.Enqueue(op("doc", "a", 1), 1)
	q1.Enqueue(op("doc", "b", 2), 2)

	q2, err := New(adapter, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats := q2.Stats(); stats.Pending != 2 {
		t.Fatalf("expected 2 entries restored from adapter, got %d", stats.Pending)
	}
}

func TestOnChangeNotifiesAndSurvivesPanic(t *testing.T) {
	q, _ := newTestQueue(t, config.DefaultOptions())
	calls := 0
	q.OnChange(func(s Stats) { panic("boom") })
	q.OnChange(func(s Stats) { calls++ })
	q.Enqueue(op("doc", "a", 1), 1)
	if calls != 1 {
		t.Fatalf("expected second listener still called despite first panicking, got %d", calls)
	}
}

func TestClearFailedEmptiesDeadLetterOnly(t *testing.T) {
	opts := config.DefaultOptions()
	opts.QueueMaxRetries = 1
	opts.RetryDelay = time.Millisecond
	opts.RetryBackoff = 1.0
	q, _ := newTestQueue(t, opts)
	q.Enqueue(op("doc", "a", 1), 1)
	q.Replay(func(o crdt.Operation) error { return errors.New("fail") })
	q.Enqueue(op("doc", "b", 2), 2)

	if err := q.ClearFailed(); err != nil {
		t.Fatal(err)
	}
	stats := q.Stats()
	if stats.Failed != 0 || stats.Pending != 1 {
		t.Fatalf("expected failed cleared, pending untouched: %+v", stats)
	}
}
