package cache

import "context"

// Resolver loads the value of a key missing from a cache. It reports false if there is none.
type Resolver[TK comparable, TV any] interface {
	Resolve(ctx context.Context, key TK) (TV, bool, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc[TK comparable, TV any] func(ctx context.Context, key TK) (TV, bool, error)

func (f ResolverFunc[TK, TV]) Resolve(ctx context.Context, key TK) (TV, bool, error) {
	return f(ctx, key)
}

// BulkResolver is implemented by resolvers able to load many keys at once. GetAll uses it
// when present. Every entry it returns is cached, including ones not asked for, which
// allows preloading a cache lazily.
type BulkResolver[TK comparable, TV any] interface {
	Resolver[TK, TV]
	ResolveAll(ctx context.Context, keys []TK) (map[TK]TV, error)
}
