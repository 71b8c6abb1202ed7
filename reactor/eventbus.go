package reactor

import (
	"sync"
	"time"
)

// Token identifies a subscription returned by EventBus.Subscribe, used to
// Unsubscribe later. The zero Token is never issued.
type Token uint64

type subscriber struct {
	token Token
	fn    func(Event)
	types map[EventType]bool // nil means "every type"
}

// EventBus is the publish-subscribe fan-out behind the promiscuous
// handler set: every subscriber observes every emitted event
// exactly once, in emission order, even under concurrent Emit calls.
// Subscribe/Unsubscribe may be called from inside a subscriber callback
// (e.g. a handler detaching itself on Close) without corrupting an Emit in
// progress, because Emit dispatches from a snapshot rather than the live
// slice.
type EventBus struct {
	mu      sync.Mutex
	subs    []subscriber
	nextTok Token
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for every event and returns a token to Unsubscribe.
func (b *EventBus) Subscribe(fn func(Event)) Token {
	return b.subscribe(fn, nil)
}

// SubscribeTypes registers fn for only the listed event types.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) Token {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.subscribe(fn, set)
}

func (b *EventBus) subscribe(fn func(Event), types map[EventType]bool) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTok++
	tok := b.nextTok
	b.subs = append(b.subs, subscriber{token: tok, fn: fn, types: types})
	return tok
}

// Unsubscribe removes the subscriber registered under token. It is
// idempotent and a silent no-op for an unknown or already-removed token.
func (b *EventBus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.token == token {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit stamps ev.Timestamp if unset and delivers it to every matching
// subscriber, in subscription order, from a point-in-time snapshot.
func (b *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		s.fn(ev)
	}
}
