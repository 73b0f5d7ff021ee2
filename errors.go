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
	"errors"
	"fmt"
)

// Kind classifies an EngineError so that callers can branch on failure
// category without string-matching messages.
type Kind int

const (
	// KindConfigInvalid means the Engine was constructed with an invalid
	// combination of options. Fatal: the Engine is not usable.
	KindConfigInvalid Kind = iota
	// KindOutOfCapacity means a single save requested more staging bytes than
	// the host cache can ever provide. Fatal for that save only.
	KindOutOfCapacity
	// KindDeviceUnavailable means a Load asked for device-resident tensors
	// (tensor.Device) without a WithDeviceUploader callback to place them on
	// a device. Fatal for that load.
	KindDeviceUnavailable
	// KindSerializeFailed means the state-dict parser could not encode the
	// scalar tree or a tensor leaf. Surfaced at the next wait()/commit().
	KindSerializeFailed
	// KindIoFailed means a flush job's write to disk failed. Surfaced at the
	// next wait()/commit().
	KindIoFailed
	// KindCorruptHeader means the on-disk header could not be parsed as JSON
	// or its length prefix didn't match the file size. Fatal for that load.
	KindCorruptHeader
	// KindKeyMismatch means a restored placeholder string didn't match its
	// dotted path. Fatal for that load.
	KindKeyMismatch
	// KindVersionRegression means a save, just before writing, found an
	// on-disk version for the same path that is not older than the version
	// it was about to write. Surfaced at the next wait()/commit().
	KindVersionRegression
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindOutOfCapacity:
		return "OutOfCapacity"
	case KindDeviceUnavailable:
		return "DeviceUnavailable"
	case KindSerializeFailed:
		return "SerializeFailed"
	case KindIoFailed:
		return "IoFailed"
	case KindCorruptHeader:
		return "CorruptHeader"
	case KindKeyMismatch:
		return "KeyMismatch"
	case KindVersionRegression:
		return "VersionRegression"
	default:
		return "Unknown"
	}
}

// EngineError is the error type returned from the error slot and from load().
type EngineError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Path, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newErr(k Kind, path string, err error) *EngineError {
	return &EngineError{Kind: k, Path: path, Err: err}
}

// ErrClosed is returned by Save/Load once the Engine has been closed.
var ErrClosed = errors.New("ckptengine: engine is closed")

// ErrAlreadyProfiled is returned by trainstep.New when Config.Adaptive is
// set on an Engine constructed with WithStrategyOverride; the two are
// mutually exclusive per spec.
var ErrAlreadyProfiled = errors.New("ckptengine: strategy_override and profiling are mutually exclusive")
