package utils

import (
	"sort"
	"sync"
)

// SyncMapWrapper is a typed view over sync.Map.
type SyncMapWrapper[K comparable, V any] struct {
	sm sync.Map
}

func NewSyncMapWrapper[K comparable, V any]() *SyncMapWrapper[K, V] {
	return &SyncMapWrapper[K, V]{}
}

func (sw *SyncMapWrapper[K, V]) Store(key K, value V) {
	sw.sm.Store(key, value)
}

func (sw *SyncMapWrapper[K, V]) Load(key K) (V, bool) {
	val, ok := sw.sm.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(V), true
}

func (sw *SyncMapWrapper[K, V]) LoadAndDelete(key K) (V, bool) {
	val, ok := sw.sm.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(V), true
}

// CompareAndDelete deletes key only while it still maps to old.
func (sw *SyncMapWrapper[K, V]) CompareAndDelete(key K, old V) bool {
	return sw.sm.CompareAndDelete(key, old)
}

func (sw *SyncMapWrapper[K, V]) Range(f func(key K, value V) bool) {
	sw.sm.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

func (sw *SyncMapWrapper[K, V]) Len() int {
	count := 0
	sw.sm.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Values returns the stored values ordered by less over their keys.
func (sw *SyncMapWrapper[K, V]) Values(less func(a, b K) bool) []V {
	type kv struct {
		k K
		v V
	}
	pairs := make([]kv, 0)
	sw.Range(func(k K, v V) bool {
		pairs = append(pairs, kv{k, v})
		return true
	})
	sort.Slice(pairs, func(i, j int) bool { return less(pairs[i].k, pairs[j].k) })

	values := make([]V, len(pairs))
	for i, p := range pairs {
		values[i] = p.v
	}
	return values
}
