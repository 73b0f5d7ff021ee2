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

// Package remote mirrors committed checkpoint files to a secondary object
// store once the local commit has already made them durable. Mirroring is
// strictly best-effort: a failure here must never affect training or cause
// commit() to report an error, since the local filesystem write is the
// engine's actual durability boundary.
package remote

import (
	"context"
	"io"
)

// Mirror copies data (identified by objectName, typically the same path used
// on local disk) to a secondary store.
type Mirror interface {
	Upload(ctx context.Context, objectName string, data io.ReadSeeker) error
}
