package denorm

import "github.com/streamweld/streamweld/types"

// indexMap is an insertion-ordered map keyed by a primary-key tuple.
// Entries are addressable both by key and by their stable insertion index,
// which is what the batched lookups use to re-find entries cheaply.
type indexMap[V any] struct {
	index map[string]int
	keys  [][]types.Field
	vals  []V
}

func newIndexMap[V any]() indexMap[V] {
	return indexMap[V]{index: make(map[string]int)}
}

// entry returns the index and value pointer for key, inserting a zero
// value if the key is absent.
func (m *indexMap[V]) entry(key []types.Field) (int, *V, error) {
	enc, err := types.EncodeKey(key)
	if err != nil {
		return 0, nil, err
	}
	if idx, ok := m.index[enc]; ok {
		return idx, &m.vals[idx], nil
	}
	idx := len(m.vals)
	m.index[enc] = idx
	m.keys = append(m.keys, key)
	var zero V
	m.vals = append(m.vals, zero)
	return idx, &m.vals[idx], nil
}

// get returns the value pointer for key, or false if absent.
func (m *indexMap[V]) get(key []types.Field) (*V, bool, error) {
	enc, err := types.EncodeKey(key)
	if err != nil {
		return nil, false, err
	}
	idx, ok := m.index[enc]
	if !ok {
		return nil, false, nil
	}
	return &m.vals[idx], true, nil
}

// getIndex returns the key and value pointer at insertion index i.
func (m *indexMap[V]) getIndex(i int) ([]types.Field, *V, bool) {
	if i < 0 || i >= len(m.vals) {
		return nil, nil, false
	}
	return m.keys[i], &m.vals[i], true
}

func (m *indexMap[V]) len() int {
	return len(m.vals)
}

func (m *indexMap[V]) clear() {
	m.index = make(map[string]int)
	m.keys = nil
	m.vals = nil
}

// drain visits every entry in insertion order and clears the map.
func (m *indexMap[V]) drain(f func(key []types.Field, v V) error) error {
	keys, vals := m.keys, m.vals
	m.clear()
	for i := range keys {
		if err := f(keys[i], vals[i]); err != nil {
			return err
		}
	}
	return nil
}
