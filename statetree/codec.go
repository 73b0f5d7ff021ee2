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

package statetree

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// RegisterScalarType registers a concrete type that may appear as a scalar or
// opaque leaf value in a state tree, via encoding/gob's interface-value
// registry. Built-in scalar kinds (bool, the fixed-width ints/uints, the
// floats, string, []byte) are pre-registered; callers only need this for
// their own leaf types (e.g. a custom RNG-state struct).
func RegisterScalarType(v any) {
	gob.Register(v)
}

func init() {
	for _, v := range []any{
		bool(false),
		int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		string(""),
		[]byte(nil),
	} {
		gob.Register(v)
	}
}

// scalarNode is the gob-safe shadow of a Value tree once every tensor leaf
// has already been replaced by its placeholder string. This is the "generic
// binary-safe encoder" contract referenced in spec §4.C: it round-trips all
// five value variants (tensors having already become plain strings by this
// point).
type scalarNode struct {
	Kind byte // 'M' mapping, 'S' sequence, 'L' leaf
	Keys []string
	Kids []scalarNode
	Leaf any
}

const (
	nodeMap  = 'M'
	nodeSeq  = 'S'
	nodeLeaf = 'L'
)

func toScalarNode(v Value) (scalarNode, error) {
	switch t := v.(type) {
	case *OrderedMap:
		n := scalarNode{Kind: nodeMap, Keys: t.Keys()}
		for _, k := range n.Keys {
			child, _ := t.Get(k)
			cn, err := toScalarNode(child)
			if err != nil {
				return scalarNode{}, err
			}
			n.Kids = append(n.Kids, cn)
		}
		return n, nil
	case []Value:
		n := scalarNode{Kind: nodeSeq}
		for _, child := range t {
			cn, err := toScalarNode(child)
			if err != nil {
				return scalarNode{}, err
			}
			n.Kids = append(n.Kids, cn)
		}
		return n, nil
	default:
		return scalarNode{Kind: nodeLeaf, Leaf: v}, nil
	}
}

func fromScalarNode(n scalarNode) (Value, error) {
	switch n.Kind {
	case nodeMap:
		m := NewOrderedMap()
		for i, k := range n.Keys {
			v, err := fromScalarNode(n.Kids[i])
			if err != nil {
				return nil, err
			}
			if err := m.Set(k, v); err != nil {
				return nil, err
			}
		}
		return m, nil
	case nodeSeq:
		s := make([]Value, 0, len(n.Kids))
		for _, kid := range n.Kids {
			v, err := fromScalarNode(kid)
			if err != nil {
				return nil, err
			}
			s = append(s, v)
		}
		return s, nil
	case nodeLeaf:
		return n.Leaf, nil
	default:
		return nil, fmt.Errorf("statetree: unknown scalar node kind %q", n.Kind)
	}
}

// EncodeScalarTree serializes a scalar tree (a Value tree with all tensor
// leaves already replaced by placeholder strings) to bytes.
func EncodeScalarTree(v Value) ([]byte, error) {
	n, err := toScalarNode(v)
	if err != nil {
		return nil, fmt.Errorf("statetree: convert to scalar node: %w", err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(n); err != nil {
		return nil, fmt.Errorf("statetree: encode scalar tree: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeScalarTree parses bytes produced by EncodeScalarTree back into a
// Value tree of *OrderedMap / []Value / leaf values.
func DecodeScalarTree(data []byte) (Value, error) {
	var n scalarNode
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&n); err != nil {
		return nil, fmt.Errorf("statetree: decode scalar tree: %w", err)
	}
	return fromScalarNode(n)
}
