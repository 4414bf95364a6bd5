package document

import (
	"testing"

	"github.com/synckit/synckit/internal/crdt"
	"github.com/synckit/synckit/internal/storage"
)

type fakeSink struct {
	ops []crdt.Operation
}

func (f *fakeSink) HandleLocalOperation(op crdt.Operation) {
	f.ops = append(f.ops, op)
}

func TestSubscribeCalledImmediatelyWithCurrentView(t *testing.T) {
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var got interface{}
	d.Subscribe(func(view interface{}) { got = view })
	view, ok := got.(map[string]interface{})
	if !ok || len(view) != 0 {
		t.Fatalf("expected empty map view on subscribe, got %v", got)
	}
}

func TestSetNotifiesSubscribersAndSink(t *testing.T) {
	sink := &fakeSink{}
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), sink)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	d.Subscribe(func(view interface{}) { calls++ })
	if calls != 1 {
		t.Fatalf("expected 1 call on subscribe, got %d", calls)
	}

	if _, err := d.Set("title", "hello"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected subscriber notified after Set, got %d calls", calls)
	}
	if len(sink.ops) != 1 || sink.ops[0].Field != "title" {
		t.Fatalf("expected sink to receive the local operation, got %+v", sink.ops)
	}
	view := d.Get().(map[string]interface{})
	if view["title"] != "hello" {
		t.Fatalf("expected view to reflect the set, got %v", view)
	}
}

// TestSubscriberPanicDoesNotBlockOthers exercises the invariant that one
// subscriber's panic never prevents later subscribers from being called.
func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	secondCalled := false
	d.Subscribe(func(view interface{}) { panic("boom") })
	d.Subscribe(func(view interface{}) { secondCalled = true })
	if !secondCalled {
		t.Fatal("expected second subscriber to be called despite first panicking")
	}

	secondCalled = false
	if _, err := d.Set("a", 1); err != nil {
		t.Fatal(err)
	}
	if !secondCalled {
		t.Fatal("expected second subscriber called on mutation despite first panicking")
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	unsubscribe := d.Subscribe(func(view interface{}) { calls++ })
	unsubscribe()
	calls = 0
	if _, err := d.Set("a", 1); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("expected no notification after unsubscribe, got %d", calls)
	}
}

// TestLocalMutationTicksClockMonotonically covers §8 property 4: every
// local mutation strictly advances the replica's own clock component.
func TestLocalMutationTicksClockMonotonically(t *testing.T) {
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	before := d.GetClock().Get("A")
	if _, err := d.Set("a", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Set("b", 2); err != nil {
		t.Fatal(err)
	}
	after := d.GetClock().Get("A")
	if after != before+2 {
		t.Fatalf("expected clock to advance by 2, got before=%d after=%d", before, after)
	}
}

func TestWrongVariantMethodReturnsInvariantError(t *testing.T) {
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.InsertText(0, 'x'); err == nil {
		t.Fatal("expected an error calling InsertText on an lww-map document")
	}
}

func TestApplyRemoteMergesClockAndDoesNotCallSink(t *testing.T) {
	sink := &fakeSink{}
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), sink)
	if err != nil {
		t.Fatal(err)
	}
	other, err := New("doc1", "B", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	op, err := other.Set("title", "from-b")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ApplyRemote(op); err != nil {
		t.Fatal(err)
	}
	if len(sink.ops) != 0 {
		t.Fatalf("expected remote apply not to invoke the sink, got %+v", sink.ops)
	}
	view := d.Get().(map[string]interface{})
	if view["title"] != "from-b" {
		t.Fatalf("expected remote set applied, got %v", view)
	}
	if d.GetClock().Get("B") != 1 {
		t.Fatalf("expected clock merged to include B's tick, got %v", d.GetClock())
	}
}

func TestSnapshotRoundTripPreservesStateAndClock(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	d, err := New("doc1", "A", crdt.KindPNCounter, adapter, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Increment(5); err != nil {
		t.Fatal(err)
	}
	data, err := d.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := New("doc1", "A", crdt.KindPNCounter, adapter, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Load(data); err != nil {
		t.Fatal(err)
	}
	if loaded.Get().(int64) != 5 {
		t.Fatalf("expected loaded counter to read 5, got %v", loaded.Get())
	}
	if loaded.GetClock().Get("A") != 1 {
		t.Fatalf("expected loaded clock to preserve A's tick, got %v", loaded.GetClock())
	}
}

func TestMutationPersistsToAdapter(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	d, err := New("doc1", "A", crdt.KindLWWMap, adapter, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Set("a", 1); err != nil {
		t.Fatal(err)
	}
	data, ok, err := adapter.Get("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(data) == 0 {
		t.Fatal("expected a persisted envelope after Set")
	}
}

// TestReentrantMutationFromSubscriberRejected covers Open Question 2:
// a subscriber that tries to mutate the same document from within its
// own notification is rejected with an invariant error, not queued.
func TestReentrantMutationFromSubscriberRejected(t *testing.T) {
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var reentrantErr error
	d.Subscribe(func(view interface{}) {
		if v, ok := view.(map[string]interface{}); ok && v["a"] != nil {
			_, reentrantErr = d.Set("b", 2)
		}
	})
	if _, err := d.Set("a", 1); err != nil {
		t.Fatal(err)
	}
	if reentrantErr == nil {
		t.Fatal("expected reentrant Set from within notification to fail")
	}
}

func TestLoadMalformedEnvelopeReturnsFormatError(t *testing.T) {
	d, err := New("doc1", "A", crdt.KindLWWMap, storage.NewMemoryAdapter(), nil)
	if err != nil {
		t.Fatal(err)
	}
	err = d.Load([]byte("not json"))
	if err == nil {
		t.Fatal("expected an error loading malformed envelope")
	}
}
