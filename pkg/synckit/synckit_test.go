package synckit

import (
	"testing"
	"time"

	"github.com/synckit/synckit/internal/storage"
	"github.com/synckit/synckit/internal/transport"
)

func TestOpenDocumentSetPropagatesAcrossClients(t *testing.T) {
	tA, tB := transport.LoopbackTransport()

	clientA, err := New(Options{ClientID: "A", Transport: tA, Adapter: storage.NewMemoryAdapter()})
	if err != nil {
		t.Fatal(err)
	}
	clientB, err := New(Options{ClientID: "B", Transport: tB, Adapter: storage.NewMemoryAdapter()})
	if err != nil {
		t.Fatal(err)
	}

	docA, err := clientA.OpenDocument("doc1", KindLWWMap)
	if err != nil {
		t.Fatal(err)
	}
	docB, err := clientB.OpenDocument("doc1", KindLWWMap)
	if err != nil {
		t.Fatal(err)
	}

	if err := docA.Set("title", "hello"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if view, ok := docB.Get().(map[string]interface{}); ok && view["title"] == "hello" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected document B to observe A's set, got %v", docB.Get())
}

func TestOpenDocumentRehydratesFromAdapter(t *testing.T) {
	tA, _ := transport.LoopbackTransport()
	adapter := storage.NewMemoryAdapter()

	client, err := New(Options{ClientID: "A", Transport: tA, Adapter: adapter})
	if err != nil {
		t.Fatal(err)
	}
	doc, err := client.OpenDocument("doc1", KindPNCounter)
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Increment(5); err != nil {
		t.Fatal(err)
	}

	reopened, err := client.OpenDocument("doc1", KindPNCounter)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Get().(int64) != 5 {
		t.Fatalf("expected rehydrated counter to read 5, got %v", reopened.Get())
	}
}
