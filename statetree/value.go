// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statetree walks a nested state value tree (the thing a training
// script hands to a checkpoint engine: weights, optimizer moments, RNG
// state, epoch counters, ...), replacing every tensor leaf with a
// placeholder string and recording where its bytes will live on disk.
//
// The tree is built out of five variants, mirroring spec §3:
//   - tensor leaf:  anything implementing tensor.Tensor
//   - mapping node: *OrderedMap (ordered string -> Value, like Python's dict)
//   - sequence node: []Value
//   - scalar leaf:  any other value the scalar codec round-trips
//   - opaque leaf:  anything else; treated identically to a scalar leaf
package statetree

import "fmt"

// Value is an element of the state tree: a tensor.Tensor, a *OrderedMap, a
// []Value, or a scalar/opaque leaf value accepted by the scalar codec.
type Value = any

// Separator is the reserved path component separator. Keys may not contain it.
const Separator = "|"

// TensorPlaceholderPrefix precedes a dotted path in the placeholder string
// that replaces a tensor leaf in the serialized scalar tree.
const TensorPlaceholderPrefix = "TENSOR" + Separator

// Placeholder returns the placeholder string for the tensor at dotted path p.
func Placeholder(path string) string {
	return TensorPlaceholderPrefix + path
}

// OrderedMap is an insertion-ordered string-keyed mapping node, the tree's
// analogue of Python's OrderedDict (the representation original_source's
// DataStates-LLM and CheckFreq checkpointing code both pass state_dicts as).
type OrderedMap struct {
	keys []string
	vals map[string]Value
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{vals: map[string]Value{}}
}

// Set inserts or updates the value at key, preserving first-insertion order.
func (m *OrderedMap) Set(key string, v Value) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return nil
}

// Get returns the value at key and whether it was present.
func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Keys returns the map's keys in insertion order.
func (m *OrderedMap) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

func validateKey(key string) error {
	for _, r := range key {
		if string(r) == Separator {
			return fmt.Errorf("statetree: key %q contains reserved separator %q", key, Separator)
		}
	}
	return nil
}
