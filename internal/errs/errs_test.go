package errs

import (
	"errors"
	"testing"
)

func TestKindMatchesSentinel(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
		is   error
	}{
		{&QueueFullError{DocumentID: "doc1", Capacity: 10}, KindQueueFull, ErrQueueFull},
		{&TimeoutError{Op: "push-ack"}, KindTimeout, ErrTimeout},
		{&FormatError{Reason: "bad envelope"}, KindFormat, ErrFormat},
		{&InvariantError{Reason: "reentrant mutation"}, KindInvariant, ErrInvariant},
		{&UnknownDocumentError{DocumentID: "doc1"}, KindUnknownDocument, ErrUnknownDocument},
	}
	for _, tc := range cases {
		kinder, ok := tc.err.(interface{ Kind() Kind })
		if !ok {
			t.Fatalf("%T does not implement Kind()", tc.err)
		}
		if kinder.Kind() != tc.kind {
			t.Fatalf("%T: expected kind %q, got %q", tc.err, tc.kind, kinder.Kind())
		}
		if !errors.Is(tc.err, tc.is) {
			t.Fatalf("%T: expected errors.Is to match its sentinel", tc.err)
		}
	}
}

func TestTimeoutErrorWrapsCause(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := &TimeoutError{Op: "request-sync", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected TimeoutError to unwrap to its cause")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("expected TimeoutError to still match ErrTimeout")
	}
}
