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

// Package freqctl implements the adaptive frequency controller (spec §4.F):
// it persists per-(arch,batch) checkpoint cadence decisions to a
// `.cache_<arch>_<batch>` file so that a restarted run with the same
// architecture and batch size skips re-profiling, keeps a hot in-memory LRU
// of recent decisions, and runs the steady-state overshoot control loop that
// only ever increases chk_freq, never decreases it automatically.
package freqctl

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/adaptive-ckpt/ckptengine/internal/history"
)

// Decision is a frequency controller's cached cadence/strategy choice for a
// given (arch, batch) pair. Arch/Batch key the in-memory LRU and
// PercentOverhead feeds run history; none of the three are part of the
// on-disk cache-decision file (see cacheFileSchema).
type Decision struct {
	Arch          string
	Batch         int
	AvgIterDur    float64
	ChkFreq       int
	UseDeviceSnap bool
	// UseBackgroundThread is carried for forward compatibility with spec
	// §6's cache-decision schema; original_source's background-thread save
	// mode has no Go analogue here (see internal/profiler's doc comment),
	// so this is always false.
	UseBackgroundThread bool
	PercentOverhead     float64
}

// cacheFileSchema is the exact on-disk shape of a `.cache_<arch>_<batch>`
// file per spec §6: {avg_iter_dur, chk_freq, chk_strategy, use_background_thread}.
// arch/batch are encoded in the file name, not its contents, so Decision's
// richer in-memory fields (Arch, Batch, PercentOverhead) never leak into it.
type cacheFileSchema struct {
	AvgIterDur          float64 `json:"avg_iter_dur"`
	ChkFreq             int     `json:"chk_freq"`
	ChkStrategy         string  `json:"chk_strategy"`
	UseBackgroundThread bool    `json:"use_background_thread"`
}

func strategyString(useDevice bool) string {
	if useDevice {
		return "device"
	}
	return "host"
}

func cacheKey(arch string, batch int) string { return fmt.Sprintf("%s_%d", arch, batch) }

func cacheFilePath(dir, arch string, batch int) string {
	return filepath.Join(dir, fmt.Sprintf(".cache_%s_%d", arch, batch))
}

// Controller owns the on-disk cache, in-memory LRU, and overshoot rule.
type Controller struct {
	cacheDir       string
	maxOverheadPct float64
	cache          *lru.Cache[string, Decision]
	history        history.Sink
}

// New constructs a Controller. cacheDir is where `.cache_<arch>_<batch>`
// files are read/written; lruSize bounds the in-memory hot set; sink, if
// non-nil, additionally records every Store as a history.Run.
func New(cacheDir string, maxOverheadPct float64, lruSize int, sink history.Sink) (*Controller, error) {
	if lruSize < 1 {
		lruSize = 1
	}
	cache, err := lru.New[string, Decision](lruSize)
	if err != nil {
		return nil, fmt.Errorf("freqctl: construct LRU cache: %w", err)
	}
	return &Controller{cacheDir: cacheDir, maxOverheadPct: maxOverheadPct, cache: cache, history: sink}, nil
}

// Load returns a previously stored Decision for (arch, batch), checking the
// in-memory LRU first and falling back to the on-disk cache file.
func (c *Controller) Load(arch string, batch int) (Decision, bool) {
	key := cacheKey(arch, batch)
	if d, ok := c.cache.Get(key); ok {
		return d, true
	}
	path := cacheFilePath(c.cacheDir, arch, batch)
	data, err := readFile(path)
	if err != nil {
		return Decision{}, false
	}
	var s cacheFileSchema
	if err := json.Unmarshal(data, &s); err != nil {
		klog.Warningf("freqctl: cache file %q is corrupt, ignoring: %v", path, err)
		return Decision{}, false
	}
	d := Decision{
		Arch:                arch,
		Batch:               batch,
		AvgIterDur:          s.AvgIterDur,
		ChkFreq:             s.ChkFreq,
		UseDeviceSnap:       s.ChkStrategy == "device",
		UseBackgroundThread: s.UseBackgroundThread,
	}
	c.cache.Add(key, d)
	return d, true
}

// Store persists d to the in-memory LRU and atomically overwrites its
// on-disk cache file, then best-effort records it to the history sink.
func (c *Controller) Store(ctx context.Context, d Decision) error {
	key := cacheKey(d.Arch, d.Batch)
	c.cache.Add(key, d)

	s := cacheFileSchema{
		AvgIterDur:          d.AvgIterDur,
		ChkFreq:             d.ChkFreq,
		ChkStrategy:         strategyString(d.UseDeviceSnap),
		UseBackgroundThread: d.UseBackgroundThread,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("freqctl: marshal decision: %w", err)
	}
	path := cacheFilePath(c.cacheDir, d.Arch, d.Batch)
	if err := atomicOverwrite(path, data); err != nil {
		return fmt.Errorf("freqctl: write cache file %q: %w", path, err)
	}

	if c.history != nil {
		run := history.Run{
			Arch:                d.Arch,
			Batch:               d.Batch,
			AvgIterDur:          d.AvgIterDur,
			ChkFreq:             d.ChkFreq,
			ChkStrategy:         strategyString(d.UseDeviceSnap),
			UseBackgroundThread: d.UseBackgroundThread,
			RealizedOverheadPct: d.PercentOverhead,
		}
		if err := c.history.RecordRun(ctx, run); err != nil {
			klog.Warningf("freqctl: failed to record run history (cache file was still written): %v", err)
		}
	}
	return nil
}

// AdjustForOvershoot applies the steady-state control rule: if
// overheadPercent exceeds the configured budget, chk_freq is bumped by 2 and
// the caller should Store the result. chk_freq is never decreased
// automatically, only ever by an explicit re-profile or operator override.
func (c *Controller) AdjustForOvershoot(d Decision, overheadPercent float64) (Decision, bool) {
	if overheadPercent > c.maxOverheadPct {
		d.ChkFreq += 2
		d.PercentOverhead = overheadPercent
		return d, true
	}
	return d, false
}
