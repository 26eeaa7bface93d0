// Package cache provides a bounded memo used in front of lookup queries.
//
// The cache only ever saves round trips: every value it hands out could have
// been produced by calling the generator again. Once the accumulated key
// length reaches the configured budget the whole cache is dropped, there is
// no per-entry eviction.
package cache

// Cache maps string keys to values of type T. It is not safe for concurrent
// use.
type Cache[T any] struct {
	entries   map[string]T
	size      int
	resetSize int
}

// New creates a cache that clears itself once the summed length of the keys
// it has stored reaches resetSize. A resetSize of zero or less never clears.
func New[T any](resetSize int) *Cache[T] {
	return &Cache[T]{
		entries:   make(map[string]T),
		resetSize: resetSize,
	}
}

// Get returns the cached value for key, calling generate on a miss. Failed
// generations are not memoized.
//
// The entry stored by a miss may be dropped before Get returns when it
// pushes the cache over budget; callers must not rely on it staying resident.
func (c *Cache[T]) Get(key string, generate func(key string) (T, error)) (T, error) {
	if v, ok := c.entries[key]; ok {
		return v, nil
	}
	v, err := generate(key)
	if err != nil {
		return v, err
	}
	c.entries[key] = v
	c.size += len(key)
	if c.resetSize > 0 && c.size >= c.resetSize {
		c.Clear()
	}
	return v, nil
}

// Put stores a value without going through a generator. It counts against
// the budget like a miss does.
func (c *Cache[T]) Put(key string, v T) {
	if _, ok := c.entries[key]; ok {
		c.entries[key] = v
		return
	}
	c.entries[key] = v
	c.size += len(key)
	if c.resetSize > 0 && c.size >= c.resetSize {
		c.Clear()
	}
}

// Clear drops every entry and resets the accumulated size.
func (c *Cache[T]) Clear() {
	c.entries = make(map[string]T)
	c.size = 0
}

// Len returns the number of resident entries.
func (c *Cache[T]) Len() int {
	return len(c.entries)
}

// Size returns the accumulated key length since the last clear.
func (c *Cache[T]) Size() int {
	return c.size
}
