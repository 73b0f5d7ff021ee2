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

package tensor

import (
	"bytes"
	"fmt"
	"testing"
)

func TestDeviceTensorToHostInvokesCopy(t *testing.T) {
	want := []byte{9, 8, 7, 6}
	copied := false
	dt, err := NewDeviceTensor("int32", []int64{1}, true, func(dst []byte) error {
		copied = true
		copy(dst, want)
		return nil
	})
	if err != nil {
		t.Fatalf("NewDeviceTensor: %v", err)
	}
	if dt.Location() != Device {
		t.Fatalf("Location() = %v, want Device", dt.Location())
	}
	if !dt.Contiguous() {
		t.Fatal("Contiguous() = false, want true")
	}

	dst := make([]byte, 4)
	if err := dt.ToHost(dst); err != nil {
		t.Fatalf("ToHost: %v", err)
	}
	if !copied {
		t.Fatal("ToHost: copyToHost callback was never invoked")
	}
	if !bytes.Equal(dst, want) {
		t.Fatalf("ToHost copied %v, want %v", dst, want)
	}
}

func TestDeviceTensorNonContiguous(t *testing.T) {
	dt, err := NewDeviceTensor("float32", []int64{4}, false, func(dst []byte) error { return nil })
	if err != nil {
		t.Fatalf("NewDeviceTensor: %v", err)
	}
	if dt.Contiguous() {
		t.Fatal("Contiguous() = true, want false")
	}
}

func TestDeviceTensorToHostPropagatesCopyError(t *testing.T) {
	boom := fmt.Errorf("dma failed")
	dt, err := NewDeviceTensor("float32", []int64{4}, true, func(dst []byte) error { return boom })
	if err != nil {
		t.Fatalf("NewDeviceTensor: %v", err)
	}
	if err := dt.ToHost(make([]byte, dt.ByteSize())); err == nil {
		t.Fatal("ToHost: expected copyToHost's error to propagate")
	}
}

func TestDeviceTensorToHostRejectsUndersizedDst(t *testing.T) {
	dt, err := NewDeviceTensor("float32", []int64{4}, true, func(dst []byte) error { return nil })
	if err != nil {
		t.Fatalf("NewDeviceTensor: %v", err)
	}
	if err := dt.ToHost(make([]byte, 2)); err == nil {
		t.Fatal("ToHost: expected error for undersized dst")
	}
}
