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
	"fmt"
	"strconv"

	"github.com/adaptive-ckpt/ckptengine/tensor"
)

// TensorRecord is one tensor leaf discovered while walking a state tree,
// with the byte range it will occupy relative to the start of the tensor
// payload region (i.e. NOT yet offset by the header size; Engine.Save adds
// that base once the header's own size is known).
type TensorRecord struct {
	Path   string
	Tensor tensor.Tensor
	Start  int64
	End    int64
}

// ParseResult is the output of Walk.
type ParseResult struct {
	// ScalarTree is Input with every tensor leaf replaced by its placeholder string.
	ScalarTree Value
	// Tensors is every tensor leaf discovered, in the order visited (depth-first,
	// map keys in insertion order, sequence elements in index order).
	Tensors []TensorRecord
}

// Walk depth-first traverses state, replacing each tensor.Tensor leaf with
// the placeholder string "TENSOR|<dotted-path>" and recording its byte range
// in the returned tensor payload region. Numeric sequence indices become
// decimal digit strings, and the reserved separator "|" joins path
// components, per spec §4.C.
func Walk(state Value) (*ParseResult, error) {
	r := &ParseResult{}
	var offset int64
	scalar, err := walk(state, "", &offset, r)
	if err != nil {
		return nil, err
	}
	r.ScalarTree = scalar
	return r, nil
}

func walk(v Value, path string, offset *int64, r *ParseResult) (Value, error) {
	switch t := v.(type) {
	case tensor.Tensor:
		if err := tensor.Validate(t); err != nil {
			return nil, fmt.Errorf("statetree: tensor at %q: %w", path, err)
		}
		rec := TensorRecord{Path: path, Tensor: t}
		rec.Start = *offset
		rec.End = *offset + t.ByteSize()
		*offset = rec.End
		r.Tensors = append(r.Tensors, rec)
		return Placeholder(path), nil

	case *OrderedMap:
		out := NewOrderedMap()
		for _, k := range t.Keys() {
			child, _ := t.Get(k)
			childPath := joinPath(path, k)
			cv, err := walk(child, childPath, offset, r)
			if err != nil {
				return nil, err
			}
			if err := out.Set(k, cv); err != nil {
				return nil, err
			}
		}
		return out, nil

	case []Value:
		out := make([]Value, len(t))
		for i, child := range t {
			childPath := joinPath(path, strconv.Itoa(i))
			cv, err := walk(child, childPath, offset, r)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil

	default:
		// Scalar or opaque leaf: carried through unchanged.
		return v, nil
	}
}

func joinPath(base, component string) string {
	if base == "" {
		return component
	}
	return base + Separator + component
}
