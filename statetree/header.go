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
	"encoding/json"
	"fmt"
	"sort"

	"github.com/adaptive-ckpt/ckptengine/tensor"
)

// MetaKey is the reserved header entry recording the scalar tree's own byte range.
const MetaKey = "__meta__"

// HeaderEntry describes one tensor leaf's location and type within a checkpoint file.
type HeaderEntry struct {
	DType       tensor.DType `json:"dtype"`
	Shape       []int64      `json:"shape"`
	DataOffsets [2]int64     `json:"data_offsets"`
	// Version is only set on the MetaKey entry. It lets a freshly-started
	// process recover the next version number for a path that already has a
	// checkpoint on disk, instead of assuming every path starts at version 0
	// (mirrors DataStates-LLM's get_checkpoint_version).
	Version uint64 `json:"version,omitempty"`
}

// Header is the JSON object written at the start of a checkpoint file,
// mapping each tensor's dotted path (plus the reserved MetaKey) to its
// location. See spec §6 for the on-disk layout this is embedded in.
type Header map[string]HeaderEntry

// Marshal serializes the header with keys sorted, so that repeated saves of
// an identical state tree produce byte-identical files modulo header key
// ordering differences are eliminated (spec §7 idempotence property).
func (h Header) Marshal() ([]byte, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// encoding/json does not guarantee map key order, so build an ordered
	// intermediate using json.RawMessage in an orderedObject.
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("statetree: marshal header key %q: %w", k, err)
		}
		vb, err := json.Marshal(h[k])
		if err != nil {
			return nil, fmt.Errorf("statetree: marshal header entry %q: %w", k, err)
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalHeader parses a header previously produced by Marshal.
func UnmarshalHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("statetree: unmarshal header: %w", err)
	}
	return h, nil
}

// Meta returns the reserved metadata entry, or an error if it's missing.
func (h Header) Meta() (HeaderEntry, error) {
	e, ok := h[MetaKey]
	if !ok {
		return HeaderEntry{}, fmt.Errorf("statetree: header missing %q entry", MetaKey)
	}
	return e, nil
}

// TensorPaths returns every tensor dotted-path key in h, excluding MetaKey.
func (h Header) TensorPaths() []string {
	paths := make([]string, 0, len(h))
	for k := range h {
		if k == MetaKey {
			continue
		}
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}
