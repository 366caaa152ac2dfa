package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/poolbet/ledger-engine/internal/model"
)

// mapCache is an in-process stand-in for the Redis commands the cache uses.
type mapCache struct {
	mu      sync.Mutex
	data    map[string]string
	hits    int
	deleted []string
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string]string)} }

func (c *mapCache) Get(_ context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	c.hits++
	return redis.NewStringResult(v, nil)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		c.data[key] = string(v)
	case string:
		c.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (c *mapCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
		c.deleted = append(c.deleted, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func seedPosition(t *testing.T, s Store, id string) {
	t.Helper()
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPosition(ctx, &model.Position{
			ID: id, Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionPending, CreatedAt: t0,
		}); err != nil {
			return err
		}
		return tx.InsertAllocations(ctx, []model.Allocation{
			{PositionID: id, InvestorID: "alice", Percent: decimal.RequireFromString("0.25"), CapitalAmount: 1000, SnapshotAmount: 25},
			{PositionID: id, InvestorID: "bob", Percent: decimal.RequireFromString("0.75"), CapitalAmount: 3000, SnapshotAmount: 75},
		})
	})
	if err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
}

func TestCachedStore_PositionReadsNeverStale(t *testing.T) {
	primary := NewMemoryStore()
	cache := newMapCache()
	s := newCachedStore(primary, cache, time.Minute)
	ctx := context.Background()
	seedPosition(t, s, "p1")

	if p, err := s.GetPosition(ctx, "p1"); err != nil || p.Status != model.PositionPending {
		t.Fatalf("expected pending position, got %+v, %v", p, err)
	}

	// A settlement whose eviction ran before an in-flight read repopulated
	// the cache; the next read must still see the committed row.
	net := int64(90)
	err := primary.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdatePositionResult(ctx, &model.Position{
			ID: "p1", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionWon, NetResult: &net, CreatedAt: t0,
		})
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	p, err := s.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != model.PositionWon || p.NetResult == nil || *p.NetResult != 90 {
		t.Errorf("expected the settled row, got %+v", p)
	}
}

func TestCachedStore_AllocationsReadThrough(t *testing.T) {
	cache := newMapCache()
	s := newCachedStore(NewMemoryStore(), cache, time.Minute)
	ctx := context.Background()
	seedPosition(t, s, "p1")

	if len(cache.deleted) != 1 || cache.deleted[0] != allocationsKey("p1") {
		t.Errorf("expected eviction of the written allocation set, got %v", cache.deleted)
	}

	first, err := s.ListAllocations(ctx, "p1")
	if err != nil || len(first) != 2 {
		t.Fatalf("expected 2 allocations, got %d, %v", len(first), err)
	}
	if cache.hits != 0 {
		t.Errorf("first read should miss, got %d hits", cache.hits)
	}

	second, err := s.ListAllocations(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.hits != 1 {
		t.Errorf("second read should hit the cache, got %d hits", cache.hits)
	}
	if len(second) != 2 || !second[1].Percent.Equal(first[1].Percent) || second[1].InvestorID != "bob" {
		t.Errorf("cached allocations differ: %+v", second)
	}

	// Unknown positions are not cached.
	if allocs, _ := s.ListAllocations(ctx, "missing"); len(allocs) != 0 {
		t.Errorf("expected no allocations, got %d", len(allocs))
	}
	if _, ok := cache.data[allocationsKey("missing")]; ok {
		t.Error("empty allocation set must not be cached")
	}
}

func TestCachedStore_CorruptEntryFallsBack(t *testing.T) {
	cache := newMapCache()
	s := newCachedStore(NewMemoryStore(), cache, time.Minute)
	seedPosition(t, s, "p1")
	cache.data[allocationsKey("p1")] = "{not json"

	allocs, err := s.ListAllocations(context.Background(), "p1")
	if err != nil || len(allocs) != 2 {
		t.Fatalf("expected fallback to primary, got %d, %v", len(allocs), err)
	}
}
