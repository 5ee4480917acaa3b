package ifwatch

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The platform change-watcher goroutine unwinds on context
		// cancellation and may still be mid-exit when the check runs.
		goleak.IgnoreAnyFunction("github.com/umbranet/umbra/internal/ifwatch.watchChanges"),
		goleak.IgnoreAnyFunction("github.com/umbranet/umbra/internal/ifwatch.pollChanges"),
	)
}

func TestInitialSnapshotArrivesAsUpEvents(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	// Every machine running the tests has at least loopback with an
	// IPv4 address.
	select {
	case ev := <-w.Events():
		if ev.Op != Up {
			t.Errorf("first event Op = %v, want Up", ev.Op)
		}
		if ev.IP.To4() == nil {
			t.Errorf("event IP %v is not IPv4", ev.IP)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no initial Up event within 5s")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// A second Close must not panic or block.
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestOpString(t *testing.T) {
	if Up.String() != "up" || Down.String() != "down" {
		t.Fatalf("Op strings = %v/%v, want up/down", Up, Down)
	}
}
