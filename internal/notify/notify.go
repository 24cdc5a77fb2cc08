package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Topic string

const (
	TopicBalance Topic = "balance"
	TopicPrice   Topic = "price"
	TopicOrder   Topic = "order"
)

// Channel is the PostgreSQL NOTIFY channel a topic is published on.
func (t Topic) Channel() string {
	return "econ_" + string(t)
}

var Topics = []Topic{TopicBalance, TopicPrice, TopicOrder}

const (
	BalanceChanged      = "balance-changed"
	RatesChanged        = "rates-changed"
	PriceChanged        = "price-changed"
	OrderPlaced         = "order-placed"
	OrderFilled         = "order-filled"
	OrderCancelled      = "order-cancelled"
	OrderExpired        = "order-expired"
	EnterpriseUpdated   = "enterprise-updated"
	EnterpriseProduced  = "enterprise-produced"
	EnterpriseSuspended = "enterprise-suspended"
	MissedPayroll       = "missed-payroll"
	TaxCollected        = "tax-collected"
)

// Event is the payload carried on every topic. Receivers treat it as a cache
// invalidation hint and re-read the store for the authoritative value.
type Event struct {
	Topic      Topic     `json:"topic"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Event      string    `json:"event"`
	Value      *int64    `json:"value,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewEvent(topic Topic, kind, id, event string, at time.Time) Event {
	return Event{Topic: topic, EntityKind: kind, EntityID: id, Event: event, Timestamp: at.UTC()}
}

func (e Event) WithValue(v int64) Event {
	e.Value = &v
	return e
}

func (e Event) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(raw), nil
}

func Decode(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Bus fans events out to in-process subscribers. Slow subscribers lose events
// instead of blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
