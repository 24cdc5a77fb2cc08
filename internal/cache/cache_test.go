package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"realmecon/internal/notify"
)

func newCache(t *testing.T, size int) (*Cache, *time.Time) {
	t.Helper()
	c, err := New(size, time.Minute, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestEntriesExpire(t *testing.T) {
	c, now := newCache(t, 8)
	c.Set(Key(KindAccount, "olga"), 42)
	if v, ok := c.Get(Key(KindAccount, "olga")); !ok || v.(int) != 42 {
		t.Fatalf("get = %v %v", v, ok)
	}
	*now = now.Add(time.Minute)
	if _, ok := c.Get(Key(KindAccount, "olga")); ok {
		t.Fatalf("entry outlived its ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry kept, len = %d", c.Len())
	}
}

func TestApplyInvalidatesEntityAndViews(t *testing.T) {
	c, _ := newCache(t, 64)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	keys := map[string]bool{
		Key(KindAccount, "olga"):                true,
		Key(KindAccount, "pete"):                false,
		ListKey(KindAccount, "polity=north"):    true,
		Key(KindTotals, ""):                     true,
		ListKey(KindTx, "account:olga"):         true,
		ListKey(KindTax, "north"):               true,
		Key(KindItem, "wheat"):                  false,
		ListKey(KindItem, "quote/wheat/buy/10"): false,
	}
	for k := range keys {
		c.Set(k, true)
	}
	c.Apply(notify.NewEvent(notify.TopicBalance, KindAccount, "olga", notify.BalanceChanged, at))
	for k, dropped := range keys {
		if _, ok := c.Get(k); ok == dropped {
			t.Fatalf("%s present=%v after balance event", k, ok)
		}
	}

	c.Apply(notify.NewEvent(notify.TopicOrder, KindOrder, "7", notify.OrderFilled, at))
	if _, ok := c.Get(ListKey(KindItem, "quote/wheat/buy/10")); ok {
		t.Fatalf("quote survived an order fill")
	}
	if _, ok := c.Get(Key(KindItem, "wheat")); ok {
		t.Fatalf("item counters survived an order fill")
	}
	c.Set(Key(KindItem, "wheat"), true)
	c.Set(Key(KindItem, "iron"), true)
	c.Apply(notify.NewEvent(notify.TopicPrice, KindItem, "wheat", notify.PriceChanged, at))
	if _, ok := c.Get(Key(KindItem, "wheat")); ok {
		t.Fatalf("item survived price-changed")
	}
	if _, ok := c.Get(Key(KindItem, "iron")); !ok {
		t.Fatalf("unrelated item dropped")
	}
}

func TestEnterpriseEventDropsEmployees(t *testing.T) {
	c, _ := newCache(t, 8)
	c.Set(ListKey(KindEnterprise, "employees/3"), []string{"a"})
	c.Apply(notify.NewEvent(notify.TopicBalance, KindEnterprise, "3", notify.EnterpriseUpdated, time.Now()))
	if _, ok := c.Get(ListKey(KindEnterprise, "employees/3")); ok {
		t.Fatalf("employee list survived")
	}
}

func TestLoadCachesOnlySuccess(t *testing.T) {
	c, _ := newCache(t, 8)
	calls := 0
	boom := errors.New("boom")
	load := func() (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 7, nil
	}
	if _, err := Load(c, "k", load); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	for range 3 {
		if v, err := Load(c, "k", load); err != nil || v != 7 {
			t.Fatalf("load = %d, %v", v, err)
		}
	}
	if calls != 2 {
		t.Fatalf("loader calls = %d", calls)
	}
}

func TestNilCacheIsPassThrough(t *testing.T) {
	var c *Cache
	c.Set("k", 1)
	c.Apply(notify.Event{})
	if _, ok := c.Get("k"); ok {
		t.Fatalf("nil cache returned a value")
	}
	v, err := Load(c, "k", func() (string, error) { return "fresh", nil })
	if err != nil || v != "fresh" {
		t.Fatalf("load = %q, %v", v, err)
	}
}

func TestWatchAppliesBusEvents(t *testing.T) {
	c, _ := newCache(t, 8)
	bus := notify.NewBus()
	c.Set(Key(KindTreasury, "north"), 1)

	// The subscription exists once Watch returns; an event published before
	// the loop runs still reaches the cache.
	run := c.Watch(bus)
	bus.Publish(notify.NewEvent(notify.TopicBalance, KindTreasury, "north", notify.RatesChanged, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := c.Get(Key(KindTreasury, "north")); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch never invalidated the entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWatchStopsWhenBusCloses(t *testing.T) {
	c, _ := newCache(t, 8)
	bus := notify.NewBus()
	run := c.Watch(bus)
	done := make(chan struct{})
	go func() {
		run(context.Background())
		close(done)
	}()
	bus.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("watch kept running after the bus closed")
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	if _, err := New(0, time.Minute, nil); err == nil {
		t.Fatalf("size 0 accepted")
	}
	if _, err := New(8, 0, nil); err == nil {
		t.Fatalf("ttl 0 accepted")
	}
}
