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

// Package history records frequency-controller decisions and realized
// overhead across runs, supplementing the per-(arch,batch) cache-decision
// file with a queryable store. Recording is best-effort and optional: the
// cache-decision file on disk remains the sole source of truth the engine
// depends on for correctness.
package history

import "context"

// Run is one frequency-controller decision, as cached to `.cache_<arch>_<batch>`.
type Run struct {
	Arch                string
	Batch               int
	AvgIterDur          float64
	ChkFreq             int
	ChkStrategy         string
	UseBackgroundThread bool
	RealizedOverheadPct float64
}

// Sink persists Runs for later analysis.
type Sink interface {
	RecordRun(ctx context.Context, r Run) error
}
