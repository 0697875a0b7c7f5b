// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package containers

import "sync"

type SyncMap[K any, V any] struct {
	internal sync.Map
}

func (m *SyncMap[K, V]) Load(key K) (V, bool) {
	val, found := m.internal.Load(key)
	if !found {
		var empty V
		return empty, false
	}
	return val.(V), true
}

func (m *SyncMap[K, V]) Store(key K, val V) {
	m.internal.Store(key, val)
}

// LoadOrStore returns the existing value if present, otherwise stores and
// returns the given value. loaded is true if the value was already present.
func (m *SyncMap[K, V]) LoadOrStore(key K, val V) (V, bool) {
	actual, loaded := m.internal.LoadOrStore(key, val)
	return actual.(V), loaded
}

func (m *SyncMap[K, V]) Delete(key K) {
	m.internal.Delete(key)
}
