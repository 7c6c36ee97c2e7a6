// Package events implements the subscribe_events side of spec §6's core
// query interface: a simple mutex-guarded subscriber-list broadcaster, in
// the teacher's small-struct-plus-mutex idiom (no direct teacher analogue
// exists — rubin-protocol has no event bus — so this is built fresh in that
// style per DESIGN.md).
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind enumerates the events spec §6/§7 name as observable: block_inserted,
// round_finalized, tx_admitted, tx_skipped, round_skipped.
type Kind string

const (
	KindBlockInserted  Kind = "block_inserted"
	KindRoundFinalized Kind = "round_finalized"
	KindTxAdmitted     Kind = "tx_admitted"
	KindTxSkipped      Kind = "tx_skipped"
	KindRoundSkipped   Kind = "round_skipped"
)

// Event is one item on the event stream.
type Event struct {
	Kind   Kind
	Fields map[string]any
}

// Filter selects which event kinds a subscriber receives; a nil/empty set
// means "all kinds".
type Filter struct {
	Kinds map[Kind]struct{}
}

func (f Filter) accepts(k Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	_, ok := f.Kinds[k]
	return ok
}

type subscriber struct {
	id     string
	filter Filter
	ch     chan Event
}

// Bus fans out published events to subscribers matching their filter.
// Subscribers with a full channel have events dropped for them rather than
// blocking the publisher — the event stream is best-effort, not a
// durability contract.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a new subscription and returns its id (for
// Unsubscribe) and a channel of matching events.
func (b *Bus) Subscribe(filter Filter) (string, <-chan Event) {
	id := uuid.NewString()
	sub := &subscriber{id: id, filter: filter, ch: make(chan Event, 256)}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return id, sub.ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish delivers ev to every subscriber whose filter accepts its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.accepts(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Backpressure: drop for this slow subscriber rather than block the publisher.
		}
	}
}
