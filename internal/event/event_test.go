package event

import "testing"

func TestSubscribeRoundTrip(t *testing.T) {
	b := New(nil)
	var got []any
	unsub := b.On("ping", func(v any) { got = append(got, v) })
	b.Emit("ping", 1)
	unsub()
	b.Emit("ping", 2)

	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected exactly one delivery of 1, got %v", got)
	}
}

func TestOnceFiresAtMostOnce(t *testing.T) {
	b := New(nil)
	count := 0
	b.Once("x", func(v any) { count++ })
	b.Emit("x", nil)
	b.Emit("x", nil)
	if count != 1 {
		t.Fatalf("once handler fired %d times, want 1", count)
	}
}

func TestPermanentSurvivesRemoveAllListeners(t *testing.T) {
	b := New(nil)
	var permanentCount, clearableCount int
	b.Permanent("evt", func(v any) { permanentCount++ })
	b.On("evt", func(v any) { clearableCount++ })

	b.Emit("evt", nil)
	b.RemoveAllListeners()
	b.Emit("evt", nil)

	if permanentCount != 2 {
		t.Fatalf("permanent handler fired %d times, want 2", permanentCount)
	}
	if clearableCount != 1 {
		t.Fatalf("clearable handler fired %d times, want 1 (should be cleared)", clearableCount)
	}
}

func TestEmitSurvivesPanickingHandler(t *testing.T) {
	b := New(nil)
	var secondRan bool
	b.On("boom", func(v any) { panic("nope") })
	b.On("boom", func(v any) { secondRan = true })

	b.Emit("boom", nil)

	if !secondRan {
		t.Fatalf("second handler did not run after first panicked")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	unsub := b.On("e", func(v any) {})
	unsub()
	unsub() // must not panic
}
