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

// Package trainstep wraps a training loop's per-step call in the state
// machine described in spec §4.G: PRE_PROFILE (warming up), PROFILE
// (one-shot strategy/cadence decision), STEADY (checkpointing every
// chk_freq steps and monitoring realized overhead), EPOCH_BOUNDARY (a
// forced save at dataloader exhaustion), and TERMINAL. It is grounded on
// CheckFreq's CFIterator state machine, with rank-0-only profiling/control
// gating: non-zero ranks skip profiling and overshoot control and checkpoint
// at Config.ExplicitChkFreq; this package does not pass rank 0's decided
// cadence to them, and does not stop them from saving.
package trainstep

import (
	"context"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/adaptive-ckpt/ckptengine"
	"github.com/adaptive-ckpt/ckptengine/internal/freqctl"
	"github.com/adaptive-ckpt/ckptengine/internal/profiler"
	"github.com/adaptive-ckpt/ckptengine/statetree"
)

// State is the iterator's current phase.
type State int

const (
	StatePreProfile State = iota
	StateProfile
	StateSteady
	StateEpochBoundary
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StatePreProfile:
		return "PRE_PROFILE"
	case StateProfile:
		return "PROFILE"
	case StateSteady:
		return "STEADY"
	case StateEpochBoundary:
		return "EPOCH_BOUNDARY"
	case StateTerminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// Config configures an Iterator. Arch/Batch identify the (arch, batch) pair
// used as the frequency controller's cache key.
type Config struct {
	Arch  string
	Batch int

	RankZero bool // only rank 0 profiles and adjusts cadence; other ranks follow

	Adaptive        bool // run the profiler/overshoot loop at all
	ExplicitChkFreq int  // used as-is when Adaptive is false; 0 disables iter-level saves
	Persist         bool // whether steady-state saves fsync

	WarmupSteps   int
	ProfileWindow int

	// MemProbe reports free device memory at profiling time, used to gate
	// whether the device snapshot strategy is even feasible for this run's
	// checkpoint size (spec §4.F item 1: S_ckpt <= M_free). Nil means no
	// device binding is available, so profiling only ever measures the host
	// strategy -- matching tensor.DeviceTensor remaining an unbacked stub.
	MemProbe profiler.MemoryProbe

	// StallCSVPath/OverheadCSVPath/RecoveryCSVPath, if non-empty, receive a
	// per-checkpoint stall duration, per-monitor-cycle overhead percentage,
	// and a "load, total" recovery timing pair respectively, one record per
	// line after a header line -- mirroring
	// CFIterator's stall.csv/chk_overhead.csv/recovery_time.csv.
	StallCSVPath    string
	OverheadCSVPath string
	RecoveryCSVPath string
}

func (c Config) withDefaults() Config {
	if c.WarmupSteps == 0 {
		c.WarmupSteps = 5
	}
	if c.ProfileWindow == 0 {
		c.ProfileWindow = 95
	}
	return c
}

// Iterator drives one training process's checkpoint cadence decisions across
// a run.
type Iterator struct {
	cfg    Config
	engine *ckptengine.Engine
	ctl    *freqctl.Controller

	state State

	warmupWindow  *profiler.Window
	monitorWindow *profiler.Window

	avgIterDur    float64
	chkFreq       int
	useDeviceSnap bool

	totalSteps    int
	stepsSinceChk int
	epoch         int
	prevIterEnd   time.Time

	stallFile, overheadFile, recoveryFile *os.File
}

// New constructs an Iterator. If cfg.Adaptive is true and ctl already has a
// cached decision for (cfg.Arch, cfg.Batch), the iterator starts directly in
// STEADY using the cached cadence, skipping profiling entirely -- mirroring
// CFIterator.load_params_from_cache.
func New(engine *ckptengine.Engine, ctl *freqctl.Controller, cfg Config) (*Iterator, error) {
	cfg = cfg.withDefaults()
	if cfg.Adaptive && engine.HasStrategyOverride() {
		return nil, ckptengine.ErrAlreadyProfiled
	}
	it := &Iterator{
		cfg:         cfg,
		engine:      engine,
		ctl:         ctl,
		prevIterEnd: time.Now(),
	}

	var err error
	if it.stallFile, err = openCSV(cfg.StallCSVPath, "stall"); err != nil {
		return nil, err
	}
	if it.overheadFile, err = openCSV(cfg.OverheadCSVPath, "chk_overhead"); err != nil {
		return nil, err
	}
	if it.recoveryFile, err = openCSV(cfg.RecoveryCSVPath, "load_time, full_recovery_time"); err != nil {
		return nil, err
	}

	if !cfg.RankZero {
		it.state = StateSteady
		it.chkFreq = cfg.ExplicitChkFreq
		return it, nil
	}

	if !cfg.Adaptive {
		it.state = StateSteady
		it.chkFreq = cfg.ExplicitChkFreq
		return it, nil
	}

	if ctl != nil {
		if d, ok := ctl.Load(cfg.Arch, cfg.Batch); ok {
			it.avgIterDur = d.AvgIterDur
			it.chkFreq = d.ChkFreq
			it.useDeviceSnap = d.UseDeviceSnap
			it.state = StateSteady
			it.monitorWindow = profiler.NewWindow(0, max1(it.chkFreq))
			klog.Infof("trainstep: loaded cached decision for %s/%d: chk_freq=%d", cfg.Arch, cfg.Batch, it.chkFreq)
			return it, nil
		}
	}

	it.state = StatePreProfile
	it.warmupWindow = profiler.NewWindow(cfg.WarmupSteps, cfg.ProfileWindow)
	return it, nil
}

func openCSV(path, header string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trainstep: create %q: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", header); err != nil {
		return nil, fmt.Errorf("trainstep: write header to %q: %w", path, err)
	}
	return f, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// State returns the iterator's current phase.
func (it *Iterator) State() State { return it.state }

// ChkFreq returns the current checkpoint cadence in steps. 0 means no
// iteration-level checkpointing (epoch-boundary saves still happen).
func (it *Iterator) ChkFreq() int { return it.chkFreq }

// Next advances the iterator by one training step. path/state are the
// checkpoint target and the caller's current state dict, used only if this
// step triggers a save (a profiling probe or a cadence-driven checkpoint);
// callers on a non-checkpointing step may pass a nil state cheaply, though
// profiler probes during StateProfile always need a real one.
func (it *Iterator) Next(ctx context.Context, path string, state statetree.Value) error {
	if it.state == StateTerminal {
		return fmt.Errorf("trainstep: iterator is terminal")
	}

	now := time.Now()
	elapsed := now.Sub(it.prevIterEnd).Seconds()
	it.prevIterEnd = now
	it.totalSteps++

	switch it.state {
	case StatePreProfile:
		if it.warmupWindow.Add(elapsed) {
			it.avgIterDur = it.warmupWindow.Mean()
			it.state = StateProfile
		}
		return nil

	case StateProfile:
		d, err := it.runProfile(ctx, path, state)
		if err != nil {
			return fmt.Errorf("trainstep: profiling pass failed: %w", err)
		}
		it.chkFreq = d.ChkFreq
		it.useDeviceSnap = d.UseDeviceSnap
		it.stepsSinceChk = 0
		it.monitorWindow = profiler.NewWindow(0, max1(it.chkFreq))
		if it.ctl != nil {
			dec := freqctl.Decision{
				Arch: it.cfg.Arch, Batch: it.cfg.Batch,
				AvgIterDur: it.avgIterDur, ChkFreq: d.ChkFreq,
				UseDeviceSnap: d.UseDeviceSnap, PercentOverhead: d.PercentOverhead,
			}
			if err := it.ctl.Store(ctx, dec); err != nil {
				klog.Warningf("trainstep: failed to persist frequency decision: %v", err)
			}
		}
		klog.Infof("trainstep: chosen chk_freq=%d (device_snap=%v, overhead=%.2f%%)", d.ChkFreq, d.UseDeviceSnap, d.PercentOverhead)
		it.state = StateSteady
		return nil

	case StateSteady:
		return it.stepSteady(ctx, path, state, elapsed)

	case StateEpochBoundary:
		it.state = StateSteady
		return it.stepSteady(ctx, path, state, elapsed)

	default:
		return fmt.Errorf("trainstep: unknown state %v", it.state)
	}
}

func (it *Iterator) stepSteady(ctx context.Context, path string, state statetree.Value, elapsed float64) error {
	it.stepsSinceChk++
	if it.chkFreq > 0 && it.stepsSinceChk == it.chkFreq {
		start := time.Now()
		if err := it.checkpoint(ctx, path, state); err != nil {
			return err
		}
		it.writeCSVLine(it.stallFile, fmt.Sprintf("%f", time.Since(start).Seconds()))
		it.stepsSinceChk = 0
	}

	if it.monitorWindow != nil && it.cfg.RankZero && it.cfg.Adaptive {
		if it.monitorWindow.Add(elapsed) {
			total := it.monitorWindow.Total()
			pct := profiler.OverheadPercent(total, it.avgIterDur, it.monitorWindow.Count())
			it.writeCSVLine(it.overheadFile, fmt.Sprintf("%f", pct))

			cur := freqctl.Decision{
				Arch: it.cfg.Arch, Batch: it.cfg.Batch,
				AvgIterDur: it.avgIterDur, ChkFreq: it.chkFreq, UseDeviceSnap: it.useDeviceSnap,
			}
			if adjusted, changed := it.ctl.AdjustForOvershoot(cur, pct); changed {
				it.chkFreq = adjusted.ChkFreq
				if err := it.ctl.Store(ctx, adjusted); err != nil {
					klog.Warningf("trainstep: failed to persist overshoot adjustment: %v", err)
				}
				klog.Infof("trainstep: overhead %.2f%% exceeded budget, chk_freq -> %d", pct, adjusted.ChkFreq)
			}
			it.monitorWindow = profiler.NewWindow(0, max1(it.chkFreq))
		}
	}
	return nil
}

func (it *Iterator) checkpoint(ctx context.Context, path string, state statetree.Value) error {
	return it.engine.Save(ctx, path, state, ckptengine.WithPersistOverride(it.cfg.Persist))
}

func (it *Iterator) runProfile(ctx context.Context, path string, state statetree.Value) (profiler.Decision, error) {
	snapHost := func(ctx context.Context) (time.Duration, error) {
		start := time.Now()
		if err := it.engine.Save(ctx, path, state, ckptengine.WithPersistOverride(false)); err != nil {
			return 0, err
		}
		return time.Since(start), nil
	}
	full := func(ctx context.Context) (time.Duration, error) {
		start := time.Now()
		if err := it.engine.Save(ctx, path, state, ckptengine.WithPersistOverride(true)); err != nil {
			return 0, err
		}
		return time.Since(start), nil
	}

	var snapDevice profiler.SaveTimer
	if it.cfg.MemProbe != nil {
		// There's no separate device-staging path to time independently (the
		// engine's device strategy rides on tensor.DeviceTensor, which is an
		// unbacked stub), so this measures the same save snapHost does;
		// MemProbe's feasibility gate inside profiler.Complete is what
		// actually decides whether it gets invoked at all.
		snapDevice = snapHost
	}

	parsed, err := statetree.Walk(state)
	if err != nil {
		return profiler.Decision{}, fmt.Errorf("trainstep: measuring checkpoint size for feasibility gating: %w", err)
	}
	var ckptBytes int64
	for _, rec := range parsed.Tensors {
		if rec.End > ckptBytes {
			ckptBytes = rec.End
		}
	}

	return profiler.Complete(ctx, it.avgIterDur, ckptBytes, it.cfg.MemProbe, snapHost, snapDevice, full)
}

// EndEpoch forces an epoch-boundary checkpoint (spec §4.G), mirroring
// CFIterator's behavior on dataloader StopIteration: regardless of cadence,
// the current state is always saved at the epoch boundary, and EndEpoch
// returns only once that save is staged, written and fsynced.
func (it *Iterator) EndEpoch(ctx context.Context, path string, state statetree.Value) error {
	if it.state == StateTerminal {
		return fmt.Errorf("trainstep: iterator is terminal")
	}
	if err := it.engine.Save(ctx, path, state, ckptengine.WithPersistOverride(true)); err != nil {
		return fmt.Errorf("trainstep: epoch-boundary save failed: %w", err)
	}
	it.epoch++
	it.stepsSinceChk = 0
	it.state = StateEpochBoundary
	return nil
}

// RecordRecovery appends one (loadSeconds, totalSeconds) pair to the
// recovery CSV, for callers that load a checkpoint to resume a run.
func (it *Iterator) RecordRecovery(loadSeconds, totalSeconds float64) {
	it.writeCSVLine(it.recoveryFile, fmt.Sprintf("%f, %f", loadSeconds, totalSeconds))
}

func (it *Iterator) writeCSVLine(f *os.File, line string) {
	if f == nil {
		return
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		klog.Warningf("trainstep: failed to write csv line: %v", err)
	}
}

// Close transitions the iterator to TERMINAL and closes any open CSV files.
func (it *Iterator) Close() error {
	it.state = StateTerminal
	for _, f := range []*os.File{it.stallFile, it.overheadFile, it.recoveryFile} {
		if f != nil {
			_ = f.Close()
		}
	}
	return nil
}
