// Package events is a small push-based invalidation channel.
// Handlers register for named event kinds and the transport that feeds a Broker
// (in-process service, SSE, websocket, polling) stays swappable behind Source.
package events

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindRecordAdded    Kind = "recordAdded"
	KindStatsChanged   Kind = "statsChanged"
	KindSessionChanged Kind = "sessionChanged"
)

// Event is the envelope shared by every transport: {"kind": ..., "data": ...}.
type Event struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(kind Kind, data interface{}) (Event, error) {
	evt := Event{Kind: kind}
	if data == nil {
		return evt, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, errors.Wrapf(err, "marshalling %s event", kind)
	}
	evt.Data = raw
	return evt, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.Errorf("%s event has no data", e.Kind)
	}
	return errors.Wrapf(json.Unmarshal(e.Data, v), "decoding %s event", e.Kind)
}

type Handler func(Event)

type (
	Publisher interface {
		Publish(evt Event)
	}

	// Source is anything a consumer can subscribe to.
	Source interface {
		Subscribe(kind Kind, fn Handler) (unsubscribe func())
		SubscribeAll(fn Handler) (unsubscribe func())
	}
)

// Broker fans events out to subscribers. Handlers run synchronously, in subscription order,
// outside of the broker lock so they may (un)subscribe.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	kind Kind // empty: all kinds
	fn   Handler
}

var (
	_ Publisher = (*Broker)(nil)
	_ Source    = (*Broker)(nil)
)

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscription)}
}

func (b *Broker) subscribe(kind Kind, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{kind: kind, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Broker) Subscribe(kind Kind, fn Handler) func() {
	return b.subscribe(kind, fn)
}

func (b *Broker) SubscribeAll(fn Handler) func() {
	return b.subscribe("", fn)
}

func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id, sub := range b.subs {
		if sub.kind == "" || sub.kind == evt.Kind {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id].fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
