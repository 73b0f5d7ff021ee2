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

package ckptengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/adaptive-ckpt/ckptengine/statetree"
	"github.com/adaptive-ckpt/ckptengine/tensor"
)

func buildState(t *testing.T, weightVal byte, step int64) statetree.Value {
	t.Helper()
	data := make([]byte, 16)
	for i := range data {
		data[i] = weightVal
	}
	w, err := tensor.NewHostTensor("float32", []int64{4}, data)
	if err != nil {
		t.Fatalf("NewHostTensor: %v", err)
	}

	opt := statetree.NewOrderedMap()
	if err := opt.Set("momentum", int64(step)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	root := statetree.NewOrderedMap()
	if err := root.Set("weight", w); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := root.Set("optimizer", opt); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := root.Set("step", step); err != nil {
		t.Fatalf("Set: %v", err)
	}
	return root
}

func TestSaveLoadRoundTrip(t *testing.T) {
	e, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	ctx := context.Background()

	if err := e.Save(ctx, path, buildState(t, 7, 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := e.Load(ctx, path, tensor.Host)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	blob, ok := res.Tensors["weight"]
	if !ok {
		t.Fatal("Load: missing tensor \"weight\"")
	}
	for i, b := range blob.Data {
		if b != 7 {
			t.Fatalf("weight byte %d = %d, want 7", i, b)
		}
	}
	if string(blob.DType) != "float32" {
		t.Fatalf("DType = %q, want float32", blob.DType)
	}

	// Spec §4.D: Load must splice the restored tensor back into the tree at
	// its placeholder's position, not just hand back an unresolved tree plus
	// a side map.
	m, ok := res.Tree.(*statetree.OrderedMap)
	if !ok {
		t.Fatalf("Tree is %T, want *statetree.OrderedMap", res.Tree)
	}
	weight, ok := m.Get("weight")
	if !ok {
		t.Fatal("Tree: missing key \"weight\"")
	}
	wt, ok := weight.(tensor.Tensor)
	if !ok {
		t.Fatalf("Tree[\"weight\"] is %T, want tensor.Tensor (spliced in place)", weight)
	}
	spliced := make([]byte, wt.ByteSize())
	if err := wt.ToHost(spliced); err != nil {
		t.Fatalf("ToHost on spliced tensor: %v", err)
	}
	for i, b := range spliced {
		if b != 7 {
			t.Fatalf("spliced weight byte %d = %d, want 7", i, b)
		}
	}

	step, _ := m.Get("step")
	if step != int64(1) {
		t.Fatalf("step = %v, want 1", step)
	}
}

func TestSecondSaveOverwritesWithNewVersion(t *testing.T) {
	// Spec concrete scenario S3: save v1 then v2 to the same path; after
	// commit, the loaded content must equal v2's, not v1's.
	e, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	ctx := context.Background()

	if err := e.Save(ctx, path, buildState(t, 1, 1)); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if err := e.Save(ctx, path, buildState(t, 2, 2)); err != nil {
		t.Fatalf("Save v2: %v", err)
	}
	if err := e.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	res, err := e.Load(ctx, path, tensor.Host)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i, b := range res.Tensors["weight"].Data {
		if b != 2 {
			t.Fatalf("weight byte %d = %d, want 2 (v2's value)", i, b)
		}
	}
}

func TestSaveIsIdempotentByteIdentical(t *testing.T) {
	// Spec §7: saving the same state twice produces equivalent files; this
	// checks that the restored tensor bytes are identical.
	e, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	p1 := filepath.Join(t.TempDir(), "a.bin")
	p2 := filepath.Join(t.TempDir(), "b.bin")

	if err := e.Save(ctx, p1, buildState(t, 9, 5)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Save(ctx, p2, buildState(t, 9, 5)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r1, err := e.Load(ctx, p1, tensor.Host)
	if err != nil {
		t.Fatalf("Load p1: %v", err)
	}
	r2, err := e.Load(ctx, p2, tensor.Host)
	if err != nil {
		t.Fatalf("Load p2: %v", err)
	}
	if diff := cmp.Diff(r1.Tensors["weight"].Data, r2.Tensors["weight"].Data); diff != "" {
		t.Fatalf("tensor bytes differ (-p1 +p2):\n%s", diff)
	}
}

func TestOutOfCapacitySurfacesAsKindOutOfCapacity(t *testing.T) {
	e, err := New(WithHostCacheBytes(8), WithIOWorkers(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	err = e.Save(context.Background(), path, buildState(t, 1, 1))
	if err == nil {
		t.Fatal("Save: expected an out-of-capacity error, got nil")
	}
	// Staging now runs on the async stage pool, so the EngineError reaches
	// the caller wrapped (via Wait's %w chain) rather than as err itself.
	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Save error = %v, want an error wrapping *EngineError", err)
	}
	if ee.Kind != KindOutOfCapacity {
		t.Fatalf("Save error kind = %v, want KindOutOfCapacity", ee.Kind)
	}
}

func TestNewEngineRecoversVersionFromExistingFile(t *testing.T) {
	// A fresh Engine pointed at a path that already has a checkpoint on disk
	// should resume version numbering from that file's version, not restart
	// at 1 (DataStates-LLM's get_checkpoint_version behavior).
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	ctx := context.Background()

	e1, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if err := e1.Save(ctx, path, buildState(t, byte(i), i)); err != nil {
			t.Fatalf("Save v%d: %v", i, err)
		}
	}

	e2, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e2.Save(ctx, path, buildState(t, 9, 4)); err != nil {
		t.Fatalf("Save v4: %v", err)
	}

	res, err := e2.Load(ctx, path, tensor.Host)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m, ok := res.Tree.(*statetree.OrderedMap)
	if !ok {
		t.Fatalf("Tree is %T, want *statetree.OrderedMap", res.Tree)
	}
	step, _ := m.Get("step")
	if step != int64(4) {
		t.Fatalf("step = %v, want 4 (v4 was the most recent save)", step)
	}
}

func TestEngineRejectsRegressedVersion(t *testing.T) {
	// KindVersionRegression: if an on-disk checkpoint is already ahead of
	// the version a given save believes it's writing, that save must fail
	// rather than silently clobber newer data.
	e, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	ctx := context.Background()

	if err := e.Save(ctx, path, buildState(t, 1, 1)); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if err := e.Save(ctx, path, buildState(t, 2, 2)); err != nil {
		t.Fatalf("Save v2: %v", err)
	}

	// Force the engine's in-memory counter backwards, simulating a second
	// writer that never saw v2.
	e.pathMu.Lock()
	e.version[path] = 1
	e.pathMu.Unlock()

	err = e.Save(ctx, path, buildState(t, 3, 3))
	if err == nil {
		t.Fatal("Save: expected KindVersionRegression, got nil")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Kind != KindVersionRegression {
		t.Fatalf("Save error = %v, want KindVersionRegression", err)
	}
}

func TestLoadFlipBitInPlaceholderSurfacesKeyMismatch(t *testing.T) {
	// Spec concrete scenario S6: flip one byte in a stored placeholder
	// string, then Load must fail with KindKeyMismatch instead of silently
	// accepting a structurally-misaligned tensor.
	e, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	ctx := context.Background()

	if err := e.Save(ctx, path, buildState(t, 1, 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	placeholder := []byte(statetree.Placeholder("weight"))
	idx := indexOf(raw, placeholder)
	if idx < 0 {
		t.Fatal("did not find encoded placeholder string in checkpoint file")
	}
	raw[idx] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err = e.Load(ctx, path, tensor.Host)
	if err == nil {
		t.Fatal("Load: expected KindKeyMismatch, got nil")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Kind != KindKeyMismatch {
		t.Fatalf("Load error = %v, want KindKeyMismatch", err)
	}
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestCloseDrainsArena(t *testing.T) {
	e, err := New(WithHostCacheBytes(1<<20), WithIOWorkers(2), WithPersist(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	if err := e.Save(context.Background(), path, buildState(t, 1, 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Save(context.Background(), path, buildState(t, 1, 1)); err != ErrClosed {
		t.Fatalf("Save after Close = %v, want ErrClosed", err)
	}
}
