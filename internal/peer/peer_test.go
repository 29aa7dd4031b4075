package peer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// newLoopbackPair wires two non-trickle Sessions together by hand,
// feeding each side's "handshake" events to the other, each in its own
// goroutine, as a Supervisor would via its rendezvous dialect.
func newLoopbackPair(t *testing.T) (a, b *Session) {
	t.Helper()

	a, err := NewSession(Config{Initiator: true})
	if err != nil {
		t.Fatalf("new initiator session: %v", err)
	}
	b, err = NewSession(Config{Initiator: false})
	if err != nil {
		t.Fatalf("new answerer session: %v", err)
	}

	a.On("handshake", func(v any) {
		go b.Handshake(v.([]byte))
	})
	b.On("handshake", func(v any) {
		go a.Handshake(v.([]byte))
	})

	return a, b
}

func TestHandshakeOpensMetaAndDefault(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer a.Close(true)
	defer b.Close(true)

	var aReady, bReady atomic.Bool
	aConnect := make(chan struct{})
	bConnect := make(chan struct{})
	a.Once("connect", func(v any) { aReady.Store(true); close(aConnect) })
	b.Once("connect", func(v any) { bReady.Store(true); close(bConnect) })

	if err := a.Handshake(nil); err != nil {
		t.Fatalf("start handshake: %v", err)
	}

	waitFor(t, aConnect, "initiator connect")
	waitFor(t, bConnect, "answerer connect")

	if !aReady.Load() || !bReady.Load() {
		t.Fatal("both sides should have emitted connect")
	}
	if a.State() != StateSignalStable || b.State() != StateSignalStable {
		t.Errorf("expected both sessions signal-stable, got %s / %s", a.State(), b.State())
	}
}

func TestSendBeforeOpenIsBuffered(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer a.Close(true)
	defer b.Close(true)

	received := make(chan []byte, 1)
	b.On("message", func(v any) { received <- v.([]byte) })

	// Enqueue before the handshake even starts — default channel isn't
	// open yet, so this must be queued, not dropped.
	payload := []byte("hello before open")
	if err := a.Send(payload, ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := a.Handshake(nil); err != nil {
		t.Fatalf("start handshake: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("got %q, want %q", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for buffered message to flush")
	}
}

func TestGlareResolutionInitiatorWins(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer a.Close(true)
	defer b.Close(true)

	aConnect := make(chan struct{})
	bConnect := make(chan struct{})
	a.Once("connect", func(v any) { close(aConnect) })
	b.Once("connect", func(v any) { close(bConnect) })

	if err := a.Handshake(nil); err != nil {
		t.Fatalf("start handshake: %v", err)
	}
	waitFor(t, aConnect, "initiator connect")
	waitFor(t, bConnect, "answerer connect")

	var aErr, bErr atomic.Value
	a.On("error", func(v any) { aErr.Store(v.(error)) })
	b.On("error", func(v any) { bErr.Store(v.(error)) })

	// Both sides race a renegotiation simultaneously — the initiator's
	// offer should win, the non-initiator's should roll back silently.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.renegotiate() }()
	go func() { defer wg.Done(); b.renegotiate() }()
	wg.Wait()

	time.Sleep(200 * time.Millisecond)

	if v := aErr.Load(); v != nil {
		t.Errorf("initiator unexpectedly errored: %v", v)
	}
	if v := bErr.Load(); v != nil {
		t.Errorf("answerer unexpectedly errored: %v", v)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _ := newLoopbackPair(t)

	var closeCount atomic.Int32
	a.On("close", func(v any) { closeCount.Add(1) })

	a.Close(true)
	a.Close(true)
	a.Close(true)

	if n := closeCount.Load(); n != 1 {
		t.Errorf("close emitted %d times, want 1", n)
	}
	if a.State() != StateClosed {
		t.Errorf("state = %s, want closed", a.State())
	}
}

func TestNonInitiatorHandshakeWithNilPayloadIsFatal(t *testing.T) {
	_, b := newLoopbackPair(t)
	defer b.Close(true)

	errCh := make(chan error, 1)
	b.On("error", func(v any) { errCh <- v.(error) })

	if err := b.Handshake(nil); err == nil {
		t.Fatal("expected error starting handshake on non-initiator with no payload")
	}

	waitFor(t, toStructChan(errCh), "fatal error event")
}

func toStructChan(errCh chan error) chan struct{} {
	out := make(chan struct{})
	go func() {
		<-errCh
		close(out)
	}()
	return out
}
