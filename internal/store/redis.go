package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poolbet/ledger-engine/internal/model"
)

// cacheClient is the part of the Redis client the cache needs.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position allocations. Allocations are frozen when a position
// opens, so a cached set can never be stale.
//
// Positions, balances and distributions are never cached: settlement
// rewrites them, and a read racing a settlement could put an old row back
// into the cache after the commit evicted it.
type CachedStore struct {
	Store
	rdb cacheClient
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return newCachedStore(primary, rdb, ttl)
}

func newCachedStore(primary Store, rdb cacheClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// InTx runs fn on the primary and, once it has committed, evicts the
// allocation sets the transaction wrote.
func (s *CachedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched []string
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		touched = touched[:0] // a retried closure starts clean
		return fn(ctx, &trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		keys := make([]string, 0, len(touched))
		seen := make(map[string]bool, len(touched))
		for _, id := range touched {
			if !seen[id] {
				seen[id] = true
				keys = append(keys, allocationsKey(id))
			}
		}
		// Use a fresh context: the commit already happened.
		delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.rdb.Del(delCtx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// ListAllocations checks Redis first, then falls back to the primary.
func (s *CachedStore) ListAllocations(ctx context.Context, positionID string) ([]model.Allocation, error) {
	data, err := s.rdb.Get(ctx, allocationsKey(positionID)).Bytes()
	if err == nil {
		var allocs []model.Allocation
		if json.Unmarshal(data, &allocs) == nil {
			return allocs, nil
		}
	}

	allocs, err := s.Store.ListAllocations(ctx, positionID)
	if err != nil {
		return nil, err
	}
	// An empty set is not cached: the position may not exist yet.
	if len(allocs) > 0 {
		if data, err := json.Marshal(allocs); err == nil {
			s.rdb.Set(ctx, allocationsKey(positionID), data, s.ttl)
		}
	}
	return allocs, nil
}

// trackingTx records the positions whose allocations a transaction writes.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) InsertAllocations(ctx context.Context, allocs []model.Allocation) error {
	for _, a := range allocs {
		*t.touched = append(*t.touched, a.PositionID)
	}
	return t.Tx.InsertAllocations(ctx, allocs)
}

func allocationsKey(id string) string { return fmt.Sprintf("pool:allocations:%s", id) }
