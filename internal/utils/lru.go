package utils

import "container/list"

// LRU is a small bounded map with least-recently-used eviction. It is not
// safe for concurrent use; callers guard it with their own mutex.
type LRU[V any] struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry[V any] struct {
	key   string
	value V
}

// NewLRU creates an LRU with the given capacity (minimum 1).
func NewLRU[V any](capacity int) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[V]{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the value for key, marking it recently used.
func (l *LRU[V]) Get(key string) (V, bool) {
	if elem, ok := l.entries[key]; ok {
		l.order.MoveToFront(elem)
		return elem.Value.(*lruEntry[V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or updates key, evicting the least-recently-used entry when
// over capacity. The evicted key is returned when an eviction happened.
func (l *LRU[V]) Put(key string, value V) (evicted string, didEvict bool) {
	if elem, ok := l.entries[key]; ok {
		elem.Value.(*lruEntry[V]).value = value
		l.order.MoveToFront(elem)
		return "", false
	}
	l.entries[key] = l.order.PushFront(&lruEntry[V]{key: key, value: value})
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		entry := oldest.Value.(*lruEntry[V])
		l.order.Remove(oldest)
		delete(l.entries, entry.key)
		return entry.key, true
	}
	return "", false
}

// Remove deletes key if present.
func (l *LRU[V]) Remove(key string) {
	if elem, ok := l.entries[key]; ok {
		l.order.Remove(elem)
		delete(l.entries, key)
	}
}

// Len returns the number of entries.
func (l *LRU[V]) Len() int {
	return l.order.Len()
}

// Clear drops all entries.
func (l *LRU[V]) Clear() {
	l.order.Init()
	l.entries = make(map[string]*list.Element)
}
