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
	"testing"

	"github.com/adaptive-ckpt/ckptengine/tensor"
)

func mustTensor(t *testing.T, n int64) tensor.Tensor {
	t.Helper()
	ht, err := tensor.NewHostTensor("float32", []int64{n}, make([]byte, n*4))
	if err != nil {
		t.Fatalf("NewHostTensor: %v", err)
	}
	return ht
}

// Testable Property 2 (spec §8): every tensor's dotted path, looked up in
// the scalar tree, yields exactly the placeholder string TENSOR|<path>; and
// nothing else in the tree is touched.
func TestWalkReplacesTensorsWithPlaceholdersAtPath(t *testing.T) {
	opt := NewOrderedMap()
	_ = opt.Set("momentum", mustTensor(t, 2))

	root := NewOrderedMap()
	_ = root.Set("weight", mustTensor(t, 4))
	_ = root.Set("optimizer", opt)
	_ = root.Set("step", int64(5))

	res, err := Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	scalar := res.ScalarTree.(*OrderedMap)
	if w, _ := scalar.Get("weight"); w != Placeholder("weight") {
		t.Fatalf("weight = %v, want %q", w, Placeholder("weight"))
	}
	if s, _ := scalar.Get("step"); s != int64(5) {
		t.Fatalf("step = %v, want 5 (non-tensor leaves pass through unchanged)", s)
	}
	gotOpt := func() *OrderedMap { v, _ := scalar.Get("optimizer"); return v.(*OrderedMap) }()
	if m, _ := gotOpt.Get("momentum"); m != Placeholder("optimizer|momentum") {
		t.Fatalf("optimizer.momentum = %v, want %q", m, Placeholder("optimizer|momentum"))
	}
}

// Every discovered tensor's byte range is contiguous, non-overlapping, and
// in visitation order -- the invariant Engine.stageAndFlush's absolute-offset
// math (spec §3, §6) depends on.
func TestWalkAssignsContiguousNonOverlappingRanges(t *testing.T) {
	root := NewOrderedMap()
	_ = root.Set("a", mustTensor(t, 4))  // 16 bytes
	_ = root.Set("b", mustTensor(t, 2))  // 8 bytes
	_ = root.Set("c", mustTensor(t, 10)) // 40 bytes

	res, err := Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(res.Tensors) != 3 {
		t.Fatalf("len(Tensors) = %d, want 3", len(res.Tensors))
	}

	var prevEnd int64
	for i, rec := range res.Tensors {
		if rec.Start != prevEnd {
			t.Fatalf("Tensors[%d].Start = %d, want %d (contiguous with previous End)", i, rec.Start, prevEnd)
		}
		if rec.End <= rec.Start {
			t.Fatalf("Tensors[%d] has non-positive range [%d,%d)", i, rec.Start, rec.End)
		}
		if rec.End-rec.Start != rec.Tensor.ByteSize() {
			t.Fatalf("Tensors[%d] range length %d != ByteSize() %d", i, rec.End-rec.Start, rec.Tensor.ByteSize())
		}
		prevEnd = rec.End
	}
	wantPaths := []string{"a", "b", "c"}
	for i, rec := range res.Tensors {
		if rec.Path != wantPaths[i] {
			t.Fatalf("Tensors[%d].Path = %q, want %q (visitation order)", i, rec.Path, wantPaths[i])
		}
	}
}

// Sequence (list) elements are walked by positional index (spec §4.C), and a
// tensor nested inside a list gets a path built from that numeric index.
func TestWalkHandlesSequenceElements(t *testing.T) {
	root := NewOrderedMap()
	_ = root.Set("layers", []Value{mustTensor(t, 1), "not-a-tensor", mustTensor(t, 2)})

	res, err := Walk(root)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	got := res.ScalarTree.(*OrderedMap)
	layers, _ := got.Get("layers")
	seq, ok := layers.([]Value)
	if !ok || len(seq) != 3 {
		t.Fatalf("layers = %v, want a 3-element []Value", layers)
	}
	if seq[0] != Placeholder("layers|0") {
		t.Fatalf("layers[0] = %v, want %q", seq[0], Placeholder("layers|0"))
	}
	if seq[1] != "not-a-tensor" {
		t.Fatalf("layers[1] = %v, want passthrough scalar", seq[1])
	}
	if seq[2] != Placeholder("layers|2") {
		t.Fatalf("layers[2] = %v, want %q", seq[2], Placeholder("layers|2"))
	}

	wantPaths := map[string]bool{"layers|0": true, "layers|2": true}
	if len(res.Tensors) != 2 {
		t.Fatalf("len(Tensors) = %d, want 2", len(res.Tensors))
	}
	for _, rec := range res.Tensors {
		if !wantPaths[rec.Path] {
			t.Fatalf("unexpected tensor path %q", rec.Path)
		}
	}
}

func TestWalkRejectsInvalidTensor(t *testing.T) {
	bad := &inconsistentTensor{}
	root := NewOrderedMap()
	_ = root.Set("weight", bad)

	if _, err := Walk(root); err == nil {
		t.Fatal("Walk: expected error for a tensor that fails tensor.Validate")
	}
}

type inconsistentTensor struct{}

func (inconsistentTensor) DType() tensor.DType     { return "float32" }
func (inconsistentTensor) Shape() []int64          { return []int64{4} }
func (inconsistentTensor) NumElements() int64      { return 4 }
func (inconsistentTensor) ElementBytes() int64     { return 4 }
func (inconsistentTensor) ByteSize() int64         { return 999 } // inconsistent with NumElements*ElementBytes
func (inconsistentTensor) Location() tensor.Location { return tensor.Host }
func (inconsistentTensor) Contiguous() bool        { return true }
func (inconsistentTensor) ToHost(dst []byte) error { return nil }
