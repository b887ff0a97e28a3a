package cache

import "slices"

// EntryFilter selects cache entries to invalidate.
type EntryFilter[TK comparable, TV any] interface {
	Accept(key TK, value TV) bool
}

type allEntries[TK comparable, TV any] struct{}

// AllEntries accepts every entry. Invalidating with it clears the cache.
func AllEntries[TK comparable, TV any]() EntryFilter[TK, TV] {
	return allEntries[TK, TV]{}
}

func (allEntries[TK, TV]) Accept(TK, TV) bool {
	return true
}

type keyFilter[TK comparable, TV any] struct {
	keys []TK
}

// Keys accepts the entries of the given keys.
func Keys[TK comparable, TV any](keys ...TK) EntryFilter[TK, TV] {
	return keyFilter[TK, TV]{keys: keys}
}

func (f keyFilter[TK, TV]) Accept(key TK, _ TV) bool {
	return slices.Contains(f.keys, key)
}

// FilterFunc adapts a function to an EntryFilter.
type FilterFunc[TK comparable, TV any] func(key TK, value TV) bool

func (f FilterFunc[TK, TV]) Accept(key TK, value TV) bool {
	return f(key, value)
}
