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

// Package tensor defines the narrow capability interface the state-dict
// parser uses to treat "any tensor-bearing structure" polymorphically,
// instead of type-switching over a concrete tensor implementation. Any
// caller's tensor type can participate in checkpointing by implementing
// Tensor.
package tensor

import "fmt"

// DType is a canonical, lowercase, framework-independent element type name,
// e.g. "float32", "bfloat16", "int64". Implementations of Tensor must
// normalize any framework-qualified prefix (such as "torch.") before
// reporting DType.
type DType string

// Location reports where a tensor's backing storage currently lives.
type Location int

const (
	// Device means the tensor's bytes live in accelerator memory and must be
	// copied to host memory before they can be written to disk.
	Device Location = iota
	// Host means the tensor's bytes are already host-resident and can be
	// written (or staged) directly.
	Host
)

// Tensor is the capability interface every tensor leaf in a state value tree
// must implement. It is intentionally narrow: element_bytes/shape/dtype
// describe the leaf without touching its data, and ToHost is the only
// operation that actually moves bytes.
type Tensor interface {
	// DType returns the canonical element type name.
	DType() DType
	// Shape returns the tensor's dimensions.
	Shape() []int64
	// NumElements is the product of Shape.
	NumElements() int64
	// ElementBytes is the size in bytes of a single element of this DType.
	ElementBytes() int64
	// ByteSize is NumElements*ElementBytes.
	ByteSize() int64
	// Location reports whether the tensor is device- or host-resident.
	Location() Location
	// Contiguous reports whether the tensor's backing storage is contiguous.
	// Non-contiguous tensors must be rematerialized before staging (§4.C).
	Contiguous() bool
	// ToHost copies this tensor's bytes into dst, which must be at least
	// ByteSize() long. It blocks until the copy completes. Implementations
	// backed by device memory perform a device-to-host DMA here;
	// host-resident tensors perform a plain memcpy.
	ToHost(dst []byte) error
}

// Validate checks that a Tensor's self-reported metadata is internally
// consistent, returning a descriptive error if not. Parsers should call this
// once per leaf before trusting NumElements/ByteSize for offset bookkeeping.
func Validate(t Tensor) error {
	want := t.NumElements() * t.ElementBytes()
	if got := t.ByteSize(); got != want {
		return fmt.Errorf("tensor: ByteSize() = %d, want NumElements()*ElementBytes() = %d", got, want)
	}
	n := int64(1)
	for _, d := range t.Shape() {
		if d < 0 {
			return fmt.Errorf("tensor: negative dimension in shape %v", t.Shape())
		}
		n *= d
	}
	if n != t.NumElements() {
		return fmt.Errorf("tensor: NumElements() = %d, want product of Shape() = %d", t.NumElements(), n)
	}
	return nil
}
