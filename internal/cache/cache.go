// Package cache is the read-side LRU in front of the store. It is never the
// source of truth: entries expire after a TTL and are dropped as soon as a
// notification names the entity they were built from. A nil *Cache is valid
// and caches nothing.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"realmecon/internal/econ"
	"realmecon/internal/notify"
)

// Entity kinds used in keys. Party kinds and the notification entity kinds
// share the same spelling.
const (
	KindAccount    = string(econ.PartyAccount)
	KindTreasury   = string(econ.PartyTreasury)
	KindEnterprise = string(econ.PartyEnterprise)
	KindItem       = "item"
	KindOrder      = "order"
	KindTx         = "tx"
	KindTax        = "tax"
	KindTotals     = "totals"
)

type entry struct {
	value   any
	expires time.Time
}

type Cache struct {
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

func New(size int, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be > 0")
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("new lru: %w", err)
	}
	return &Cache{lru: l, ttl: ttl, now: time.Now, log: logger}, nil
}

// Key addresses one entity.
func Key(kind, id string) string {
	return kind + ":" + id
}

// ListKey addresses a derived view (a list, a quote) built from entities of
// kind. Every list key of a kind is dropped when any entity of that kind changes.
func ListKey(kind, query string) string {
	return kind + "*:" + query
}

func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	raw, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Set(key string, value any) {
	if c == nil {
		return
	}
	c.lru.Add(key, entry{value: value, expires: c.now().Add(c.ttl)})
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Invalidate drops the entity and every list view of its kind.
func (c *Cache) Invalidate(kind, id string) {
	if c == nil {
		return
	}
	c.lru.Remove(Key(kind, id))
	c.dropLists(kind)
}

func (c *Cache) dropLists(kind string) {
	c.dropPrefix(kind + "*:")
}

func (c *Cache) dropPrefix(prefix string) {
	for _, k := range c.lru.Keys() {
		if s, ok := k.(string); ok && strings.HasPrefix(s, prefix) {
			c.lru.Remove(k)
		}
	}
}

// Apply invalidates whatever ev says may be stale.
func (c *Cache) Apply(ev notify.Event) {
	if c == nil {
		return
	}
	c.Invalidate(ev.EntityKind, ev.EntityID)
	switch ev.Topic {
	case notify.TopicBalance:
		c.lru.Remove(Key(KindTotals, ""))
		c.dropLists(KindTx)
		c.dropLists(KindTax)
		if ev.EntityKind == KindEnterprise {
			// Employee lists hang off the enterprise.
			c.lru.Remove(ListKey(KindEnterprise, "employees/"+ev.EntityID))
		}
	case notify.TopicOrder:
		// Placement and fills move the item's counters and price.
		c.dropPrefix(KindItem)
	}
}

// Load returns the cached value for key or loads, stores and returns it.
// Load errors are never cached.
func Load[T any](c *Cache, key string, load func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Watch subscribes to bus before it returns, so no event published after the
// call is missed. The returned loop applies events until ctx is done or the
// bus closes.
func (c *Cache) Watch(bus *notify.Bus) func(ctx context.Context) {
	if c == nil {
		return func(context.Context) {}
	}
	events, cancel := bus.Subscribe(1024)
	return func(ctx context.Context) {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.Apply(ev)
				c.log.Debug("cache invalidated", "kind", ev.EntityKind, "id", ev.EntityID, "event", ev.Event)
			}
		}
	}
}
