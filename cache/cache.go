// Package cache contains a read-through cache whose entries live in a transactional map.
//
// A miss is resolved with the cache's Resolver and the value is put in the map, so under a
// transactional cache each transaction sees values it resolved or invalidated itself, and
// other transactions see them once it commits.
package cache

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/txmap"
	"github.com/sharedcode/txmap/cowmap"
	"github.com/sharedcode/txmap/transaction"
)

// Cache is a read-through cache keyed by TK.
type Cache[TK comparable, TV any] interface {
	// ID returns the cache ID.
	ID() string
	// Get returns the cached value of key, resolving and caching it on a miss.
	// It reports false if the resolver has no value for key.
	Get(ctx context.Context, key TK) (TV, bool, error)
	// GetAll returns the values of keys, resolving and caching the missing ones.
	// Keys the resolver has no value for are absent from the result.
	GetAll(ctx context.Context, keys []TK) (map[TK]TV, error)
	// GetCachedValue returns the cached value of key without resolving it.
	GetCachedValue(ctx context.Context, key TK) (TV, bool)
	// Invalidate removes the entries accepted by filter. A nil filter removes nothing.
	Invalidate(ctx context.Context, filter EntryFilter[TK, TV])
	// Snapshot returns a copy of the cached entries.
	Snapshot(ctx context.Context) map[TK]TV
	// Count returns the number of cached entries.
	Count(ctx context.Context) int
}

type cache[TK comparable, TV any] struct {
	transactional bool
	entries       *cowmap.Map[TK, TV]
	resolver      Resolver[TK, TV]
}

// New creates a cache. options.ID and resolver are required.
func New[TK comparable, TV any](options txmap.CacheOptions, resolver Resolver[TK, TV]) Cache[TK, TV] {
	if resolver == nil {
		panic(fmt.Sprintf("cache %s: resolver is required", options.ID))
	}
	return &cache[TK, TV]{
		transactional: options.Transactional,
		entries: cowmap.New(txmap.MapOptions{
			MemberID:    options.ID,
			FastForward: options.Transactional && options.FastForward,
		}, map[TK]TV{}),
		resolver: resolver,
	}
}

func (c *cache[TK, TV]) ID() string {
	return c.entries.MemberID()
}

// scope hides the ambient transaction from a non-transactional cache.
func (c *cache[TK, TV]) scope(ctx context.Context) context.Context {
	if c.transactional || transaction.Current(ctx) == nil {
		return ctx
	}
	return transaction.WithCurrent(ctx, nil)
}

func (c *cache[TK, TV]) Get(ctx context.Context, key TK) (TV, bool, error) {
	ctx = c.scope(ctx)
	if v, ok := c.entries.Get(ctx, key); ok {
		return v, true, nil
	}
	v, ok, err := c.resolver.Resolve(ctx, key)
	if err != nil {
		var zero TV
		return zero, false, fmt.Errorf("cache %s can't resolve key %v, details: %w", c.ID(), key, err)
	}
	if !ok {
		return v, false, nil
	}
	c.entries.Put(ctx, key, v)
	return v, true, nil
}

func (c *cache[TK, TV]) GetAll(ctx context.Context, keys []TK) (map[TK]TV, error) {
	ctx = c.scope(ctx)
	r := make(map[TK]TV, len(keys))
	missing := make([]TK, 0, len(keys))
	for _, k := range keys {
		if _, ok := r[k]; ok {
			continue
		}
		if v, ok := c.entries.Get(ctx, k); ok {
			r[k] = v
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return r, nil
	}

	if br, ok := c.resolver.(BulkResolver[TK, TV]); ok {
		resolved, err := br.ResolveAll(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("cache %s can't resolve %d keys, details: %w", c.ID(), len(missing), err)
		}
		// Everything resolved is cached and returned, even keys that were not asked for.
		for k, v := range resolved {
			c.entries.Put(ctx, k, v)
			r[k] = v
		}
		return r, nil
	}

	seen := make(map[TK]struct{}, len(missing))
	for _, k := range missing {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		v, ok, err := c.resolver.Resolve(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("cache %s can't resolve key %v, details: %w", c.ID(), k, err)
		}
		if ok {
			c.entries.Put(ctx, k, v)
			r[k] = v
		}
	}
	return r, nil
}

func (c *cache[TK, TV]) GetCachedValue(ctx context.Context, key TK) (TV, bool) {
	return c.entries.Get(c.scope(ctx), key)
}

func (c *cache[TK, TV]) Invalidate(ctx context.Context, filter EntryFilter[TK, TV]) {
	ctx = c.scope(ctx)
	switch f := filter.(type) {
	case nil:
		return
	case allEntries[TK, TV]:
		c.entries.Clear(ctx)
	case keyFilter[TK, TV]:
		// Keys are removed even when not cached so a pending resolve of them can't fast-forward.
		for _, k := range f.keys {
			c.entries.Remove(ctx, k)
		}
	default:
		for _, e := range c.entries.Entries(ctx) {
			if f.Accept(e.Key, e.Value) {
				c.entries.Remove(ctx, e.Key)
			}
		}
	}
	log.Debug("cache invalidated", "cache", c.ID())
}

func (c *cache[TK, TV]) Snapshot(ctx context.Context) map[TK]TV {
	return c.entries.Snapshot(c.scope(ctx))
}

func (c *cache[TK, TV]) Count(ctx context.Context) int {
	return c.entries.Size(c.scope(ctx))
}
