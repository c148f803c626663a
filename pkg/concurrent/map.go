// Package concurrent 并发安全的泛型容器
package concurrent

import (
	"sync"
	"sync/atomic"
)

// Map 泛型 sync.Map，额外维护元素个数
type Map[K comparable, V any] struct {
	length atomic.Int64
	data   sync.Map
}

// Len 当前元素个数
func (m *Map[K, V]) Len() int64 {
	return m.length.Load()
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	value, ok := m.data.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return value.(V), true
}

// LoadOrStore 已存在时返回旧值且 loaded 为 true
func (m *Map[K, V]) LoadOrStore(key K, value V) (V, bool) {
	actual, loaded := m.data.LoadOrStore(key, value)
	if !loaded {
		m.length.Add(1)
	}
	return actual.(V), loaded
}

func (m *Map[K, V]) Delete(key K) {
	if _, loaded := m.data.LoadAndDelete(key); loaded {
		m.length.Add(-1)
	}
}

// Keys 返回所有 key，顺序不定
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Len())
	m.data.Range(func(k, _ any) bool {
		keys = append(keys, k.(K))
		return true
	})
	return keys
}
