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

import "testing"

func TestScalarTreeRoundTripNestedStructure(t *testing.T) {
	opt := NewOrderedMap()
	_ = opt.Set("momentum", int64(7))
	_ = opt.Set("lr", float64(0.01))

	root := NewOrderedMap()
	_ = root.Set("weight", Placeholder("weight"))
	_ = root.Set("optimizer", opt)
	_ = root.Set("tags", []Value{"a", "b", int64(3)})
	_ = root.Set("step", int64(42))

	data, err := EncodeScalarTree(root)
	if err != nil {
		t.Fatalf("EncodeScalarTree: %v", err)
	}
	got, err := DecodeScalarTree(data)
	if err != nil {
		t.Fatalf("DecodeScalarTree: %v", err)
	}

	gotRoot, ok := got.(*OrderedMap)
	if !ok {
		t.Fatalf("DecodeScalarTree root type = %T, want *OrderedMap", got)
	}
	if w, _ := gotRoot.Get("weight"); w != Placeholder("weight") {
		t.Fatalf("weight = %v, want placeholder", w)
	}
	if s, _ := gotRoot.Get("step"); s != int64(42) {
		t.Fatalf("step = %v, want 42", s)
	}

	gotOpt, ok := func() (*OrderedMap, bool) {
		v, _ := gotRoot.Get("optimizer")
		m, ok := v.(*OrderedMap)
		return m, ok
	}()
	if !ok {
		t.Fatal("optimizer did not round-trip as *OrderedMap")
	}
	if m, _ := gotOpt.Get("momentum"); m != int64(7) {
		t.Fatalf("momentum = %v, want 7", m)
	}

	gotTags, ok := func() ([]Value, bool) {
		v, _ := gotRoot.Get("tags")
		s, ok := v.([]Value)
		return s, ok
	}()
	if !ok || len(gotTags) != 3 {
		t.Fatalf("tags = %v, want a 3-element slice", gotTags)
	}
	if gotTags[2] != int64(3) {
		t.Fatalf("tags[2] = %v, want 3", gotTags[2])
	}
}

func TestScalarTreeRoundTripEmptyMap(t *testing.T) {
	root := NewOrderedMap()
	data, err := EncodeScalarTree(root)
	if err != nil {
		t.Fatalf("EncodeScalarTree: %v", err)
	}
	got, err := DecodeScalarTree(data)
	if err != nil {
		t.Fatalf("DecodeScalarTree: %v", err)
	}
	m, ok := got.(*OrderedMap)
	if !ok || m.Len() != 0 {
		t.Fatalf("DecodeScalarTree = %v, want empty *OrderedMap", got)
	}
}

func TestDecodeScalarTreeRejectsGarbage(t *testing.T) {
	if _, err := DecodeScalarTree([]byte("not a gob stream")); err == nil {
		t.Fatal("DecodeScalarTree: expected error for garbage input")
	}
}

type customRNGState struct {
	Seed uint64
}

func TestRegisterScalarTypeAllowsCustomLeaf(t *testing.T) {
	RegisterScalarType(customRNGState{})

	root := NewOrderedMap()
	_ = root.Set("rng", customRNGState{Seed: 12345})

	data, err := EncodeScalarTree(root)
	if err != nil {
		t.Fatalf("EncodeScalarTree: %v", err)
	}
	got, err := DecodeScalarTree(data)
	if err != nil {
		t.Fatalf("DecodeScalarTree: %v", err)
	}
	m := got.(*OrderedMap)
	rng, _ := m.Get("rng")
	state, ok := rng.(customRNGState)
	if !ok || state.Seed != 12345 {
		t.Fatalf("rng = %v, want customRNGState{Seed: 12345}", rng)
	}
}
