// Package event implements the Subscribable event bus (spec.md §4.1):
// named event dispatch with one-shot registrations and a permanent
// layer immune to removeAllListeners.
package event

import (
	"log/slog"
	"sync"
)

// Handler receives whatever value an emitter passes for an event.
type Handler func(value any)

// Unsubscribe removes a registration. Calling it more than once is a no-op.
type Unsubscribe func()

type handlerEntry struct {
	id int
	cb Handler
}

// Bus is a mapping from event name to an ordered set of handlers, split
// into a clearable layer and a permanent layer that survives
// RemoveAllListeners.
type Bus struct {
	mu        sync.Mutex
	clearable map[string][]handlerEntry
	permanent map[string][]handlerEntry
	nextID    int
	log       *slog.Logger
}

// New creates an empty Bus. log may be nil, in which case handler panics
// are swallowed silently (matching spec.md §4.1's "emit catches and
// suppresses"); pass a logger to observe them.
func New(log *slog.Logger) *Bus {
	return &Bus{
		clearable: make(map[string][]handlerEntry),
		permanent: make(map[string][]handlerEntry),
		log:       log,
	}
}

// On registers cb for event and returns an idempotent unsubscribe closure.
func (b *Bus) On(evt string, cb Handler) Unsubscribe {
	return b.register(evt, cb, false)
}

// Once wraps cb so it unregisters itself before being invoked.
func (b *Bus) Once(evt string, cb Handler) Unsubscribe {
	var unsub Unsubscribe
	var fired bool
	var mu sync.Mutex
	wrapped := func(v any) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		unsub()
		cb(v)
	}
	unsub = b.register(evt, wrapped, false)
	return unsub
}

// Permanent registers cb in the layer immune to RemoveAllListeners.
func (b *Bus) Permanent(evt string, cb Handler) Unsubscribe {
	return b.register(evt, cb, true)
}

func (b *Bus) register(evt string, cb Handler, permanent bool) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	entry := handlerEntry{id: id, cb: cb}
	if permanent {
		b.permanent[evt] = append(b.permanent[evt], entry)
	} else {
		b.clearable[evt] = append(b.clearable[evt], entry)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			layer := b.clearable
			if permanent {
				layer = b.permanent
			}
			entries := layer[evt]
			for i, e := range entries {
				if e.id == id {
					layer[evt] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit invokes every registered handler for evt, in insertion order,
// permanent handlers after clearable ones. A snapshot is taken before
// invocation so a handler unregistering itself mid-emit does not skip
// siblings (spec.md §9). A handler that panics is recovered and logged;
// it never prevents the remaining handlers from running (spec.md §4.1).
func (b *Bus) Emit(evt string, value any) {
	b.mu.Lock()
	snapshot := make([]handlerEntry, 0, len(b.clearable[evt])+len(b.permanent[evt]))
	snapshot = append(snapshot, b.clearable[evt]...)
	snapshot = append(snapshot, b.permanent[evt]...)
	b.mu.Unlock()

	for _, e := range snapshot {
		b.invoke(evt, e.cb, value)
	}
}

func (b *Bus) invoke(evt string, cb Handler, value any) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error("event handler panicked", "event", evt, "recover", r)
		}
	}()
	cb(value)
}

// RemoveAllListeners clears the clearable layer for the given events (or
// every event if none is given). Permanent handlers live in a separate
// layer that this does not touch, so they remain live.
func (b *Bus) RemoveAllListeners(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(events) == 0 {
		for evt := range b.clearable {
			events = append(events, evt)
		}
	}
	for _, evt := range events {
		delete(b.clearable, evt)
		// Permanent handlers already live in b.permanent and were never
		// touched — nothing to re-register; they were simply immune.
		_ = b.permanent[evt]
	}
}
