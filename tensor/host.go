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

import "fmt"

// dtypeSizes gives the canonical element byte-width for the dtype names this
// package normalizes to. Callers with additional dtypes can still implement
// Tensor directly; this table only backs the Host convenience constructor.
var dtypeSizes = map[DType]int64{
	"float32":  4,
	"float64":  8,
	"float16":  2,
	"bfloat16": 2,
	"int8":     1,
	"int16":    2,
	"int32":    4,
	"int64":    8,
	"uint8":    1,
	"bool":     1,
}

// ElementBytes returns the canonical byte width of d, or an error if d is unknown.
func ElementBytes(d DType) (int64, error) {
	n, ok := dtypeSizes[d]
	if !ok {
		return 0, fmt.Errorf("tensor: unknown dtype %q", d)
	}
	return n, nil
}

// HostTensor is a concrete, host-resident, contiguous Tensor backed by a
// plain byte slice. Training frameworks typically wrap their own tensor type
// instead, but HostTensor is useful for tests, for scalar/opaque leaves that
// callers want staged like tensors, and as the destination type Load
// restores into.
type HostTensor struct {
	dtype DType
	shape []int64
	data  []byte
}

// NewHostTensor constructs a HostTensor from raw little-endian bytes. len(data)
// must equal numElements(shape)*ElementBytes(dtype).
func NewHostTensor(dtype DType, shape []int64, data []byte) (*HostTensor, error) {
	eb, err := ElementBytes(dtype)
	if err != nil {
		return nil, err
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	if want := n * eb; int64(len(data)) != want {
		return nil, fmt.Errorf("tensor: data has %d bytes, want %d for shape %v dtype %s", len(data), want, shape, dtype)
	}
	return &HostTensor{dtype: dtype, shape: append([]int64(nil), shape...), data: data}, nil
}

func (h *HostTensor) DType() DType { return h.dtype }

func (h *HostTensor) Shape() []int64 { return h.shape }

func (h *HostTensor) NumElements() int64 {
	n := int64(1)
	for _, d := range h.shape {
		n *= d
	}
	return n
}

func (h *HostTensor) ElementBytes() int64 {
	n, _ := ElementBytes(h.dtype)
	return n
}

func (h *HostTensor) ByteSize() int64 { return int64(len(h.data)) }

func (h *HostTensor) Location() Location { return Host }

func (h *HostTensor) Contiguous() bool { return true }

func (h *HostTensor) ToHost(dst []byte) error {
	if len(dst) < len(h.data) {
		return fmt.Errorf("tensor: dst has %d bytes, need at least %d", len(dst), len(h.data))
	}
	copy(dst, h.data)
	return nil
}

// Bytes returns the tensor's raw backing bytes, read-only by convention.
func (h *HostTensor) Bytes() []byte { return h.data }
