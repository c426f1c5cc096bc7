// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package typeutil

import (
	"sync"

	"go.uber.org/atomic"
)

// ConcurrentMap 是类型安全的并发 map 封装。
type ConcurrentMap[K comparable, V any] struct {
	inner sync.Map
	len   atomic.Uint64
}

func NewConcurrentMap[K comparable, V any]() *ConcurrentMap[K, V] {
	return &ConcurrentMap[K, V]{}
}

func (m *ConcurrentMap[K, V]) Len() int {
	return int(m.len.Load())
}

// Insert 无条件写入键值对。
func (m *ConcurrentMap[K, V]) Insert(key K, value V) {
	_, loaded := m.inner.Swap(key, value)
	if !loaded {
		m.len.Inc()
	}
}

func (m *ConcurrentMap[K, V]) Get(key K) (V, bool) {
	var zeroValue V
	value, ok := m.inner.Load(key)
	if !ok {
		return zeroValue, ok
	}
	return value.(V), true
}

// GetOrInsert 返回已有值，否则写入给定值。
// 第二个返回值表示键是否已存在。
func (m *ConcurrentMap[K, V]) GetOrInsert(key K, value V) (V, bool) {
	stored, loaded := m.inner.LoadOrStore(key, value)
	if !loaded {
		m.len.Inc()
		return stored.(V), false
	}
	return stored.(V), true
}

// GetAndRemove 返回并删除给定键对应的值。
// 键不存在时返回零值和 false。
func (m *ConcurrentMap[K, V]) GetAndRemove(key K) (V, bool) {
	var zeroValue V
	value, loaded := m.inner.LoadAndDelete(key)
	if !loaded {
		return zeroValue, false
	}
	m.len.Dec()
	return value.(V), true
}

func (m *ConcurrentMap[K, V]) Remove(key K) {
	_, loaded := m.inner.LoadAndDelete(key)
	if loaded {
		m.len.Dec()
	}
}

func (m *ConcurrentMap[K, V]) Contain(key K) bool {
	_, ok := m.inner.Load(key)
	return ok
}

func (m *ConcurrentMap[K, V]) Range(f func(key K, value V) bool) {
	m.inner.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Keys 返回当前所有键的快照。
func (m *ConcurrentMap[K, V]) Keys() []K {
	keys := make([]K, 0, m.Len())
	m.inner.Range(func(key, value any) bool {
		keys = append(keys, key.(K))
		return true
	})
	return keys
}

// Values 返回当前所有值的快照。
func (m *ConcurrentMap[K, V]) Values() []V {
	values := make([]V, 0, m.Len())
	m.inner.Range(func(key, value any) bool {
		values = append(values, value.(V))
		return true
	})
	return values
}
