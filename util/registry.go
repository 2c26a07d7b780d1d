package util

import (
	"sort"
	"sync"

	"github.com/cubefs/itemdb/errors"
)

// Registry owns a set of entries keyed by id. Register rejects a duplicate
// id and Unregister is idempotent.
type Registry[K comparable, V any] struct {
	lock    sync.RWMutex
	entries map[K]V
}

func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]V)}
}

func (r *Registry[K, V]) Register(key K, value V) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.entries[key]; ok {
		return errors.ErrDuplicateID
	}
	r.entries[key] = value
	return nil
}

// GetOrCreate returns the entry for key, creating it with fn when absent.
func (r *Registry[K, V]) GetOrCreate(key K, fn func() V) V {
	r.lock.RLock()
	v, ok := r.entries[key]
	r.lock.RUnlock()
	if ok {
		return v
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if v, ok = r.entries[key]; ok {
		return v
	}
	v = fn()
	r.entries[key] = v
	return v
}

func (r *Registry[K, V]) Unregister(key K) (V, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	v, ok := r.entries[key]
	delete(r.entries, key)
	return v, ok
}

func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

func (r *Registry[K, V]) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.entries)
}

// Values returns a snapshot of all entries.
func (r *Registry[K, V]) Values() []V {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ret := make([]V, 0, len(r.entries))
	for _, v := range r.entries {
		ret = append(ret, v)
	}
	return ret
}

// SortedKeys returns the keys ordered by less.
func (r *Registry[K, V]) SortedKeys(less func(a, b K) bool) []K {
	r.lock.RLock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.lock.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
