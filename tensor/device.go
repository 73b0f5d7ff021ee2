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

// DeviceTensor wraps device-resident bytes behind the Tensor interface. This
// module has no direct dependency on any particular accelerator runtime (the
// underlying compute kernels and the device-to-host copy primitive are
// out-of-scope collaborators, per spec); callers plug in copyToHost with
// whatever their runtime's async-copy primitive is (e.g. cudaMemcpyAsync).
type DeviceTensor struct {
	dtype      DType
	shape      []int64
	nbytes     int64
	contiguous bool
	copyToHost func(dst []byte) error
}

// NewDeviceTensor constructs a DeviceTensor. copyToHost must block until the
// full ByteSize() bytes have landed in dst.
func NewDeviceTensor(dtype DType, shape []int64, contiguous bool, copyToHost func(dst []byte) error) (*DeviceTensor, error) {
	eb, err := ElementBytes(dtype)
	if err != nil {
		return nil, err
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return &DeviceTensor{
		dtype:      dtype,
		shape:      append([]int64(nil), shape...),
		nbytes:     n * eb,
		contiguous: contiguous,
		copyToHost: copyToHost,
	}, nil
}

func (d *DeviceTensor) DType() DType { return d.dtype }

func (d *DeviceTensor) Shape() []int64 { return d.shape }

func (d *DeviceTensor) NumElements() int64 {
	n := int64(1)
	for _, dim := range d.shape {
		n *= dim
	}
	return n
}

func (d *DeviceTensor) ElementBytes() int64 {
	n, _ := ElementBytes(d.dtype)
	return n
}

func (d *DeviceTensor) ByteSize() int64 { return d.nbytes }

func (d *DeviceTensor) Location() Location { return Device }

func (d *DeviceTensor) Contiguous() bool { return d.contiguous }

func (d *DeviceTensor) ToHost(dst []byte) error {
	if int64(len(dst)) < d.nbytes {
		return fmt.Errorf("tensor: dst has %d bytes, need at least %d", len(dst), d.nbytes)
	}
	return d.copyToHost(dst)
}
