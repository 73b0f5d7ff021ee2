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
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/mod/sumdb/note"

	"github.com/adaptive-ckpt/ckptengine/internal/history"
	"github.com/adaptive-ckpt/ckptengine/internal/remote"
)

const (
	// DefaultHostCacheBytes is used if WithHostCacheBytes is not provided.
	DefaultHostCacheBytes = 256 << 20 // 256MiB
	// DefaultParserThreads is used if WithParserThreads is not provided.
	DefaultParserThreads = 2
	// DefaultIOWorkers is used if WithIOWorkers is not provided.
	DefaultIOWorkers = 4
	// DefaultMaxOverheadPct is used if WithMaxOverheadPct is not provided.
	DefaultMaxOverheadPct = 5.0
)

// Strategy selects how a tensor is staged before being written to disk.
type Strategy string

const (
	// StrategyHost copies device tensors into the pinned host cache before flushing.
	StrategyHost Strategy = "host"
	// StrategyDevice clones tensors into spare device memory first, then drains to host/disk.
	StrategyDevice Strategy = "device"
)

// Config holds the resolved options for an Engine. The Engine keeps it in
// an unexported field; callers configure it only via the With* functions
// below.
type Config struct {
	HostCacheBytes   int64
	ParserThreads    int
	IOWorkers        int
	ChkFreq          int
	MaxOverheadPct   float64
	Adaptive         bool
	Persist          bool
	StrategyOverride Strategy // "" means: let the controller decide

	Meter  metric.Meter
	Signer note.Signer

	Mirror  remote.Mirror
	History history.Sink
}

// Option configures an Engine at construction time.
type Option func(*Config)

// WithHostCacheBytes sets the capacity of the pinned-host staging arena (§4.A).
// A single save requiring more than this many bytes of in-flight tensor data
// will fail with KindOutOfCapacity rather than deadlocking; smaller saves
// back-pressure instead of failing.
func WithHostCacheBytes(n int64) Option {
	return func(c *Config) { c.HostCacheBytes = n }
}

// WithParserThreads sets the size of the state-dict parse pool (§4.C, §4.D).
// Parsing may run concurrently with staging and flushing.
func WithParserThreads(n int) Option {
	return func(c *Config) { c.ParserThreads = n }
}

// WithIOWorkers sets the size of the fixed async I/O worker pool (§4.B).
func WithIOWorkers(n int) Option {
	return func(c *Config) { c.IOWorkers = n }
}

// WithChkFreq records an explicit checkpoint cadence in training steps. The
// Engine stores this value but does not read it: the cadence a training
// loop uses comes from trainstep.Config.ExplicitChkFreq (0 there disables
// iteration-level saves).
func WithChkFreq(n int) Option {
	return func(c *Config) { c.ChkFreq = n }
}

// WithMaxOverheadPct records the frequency controller's overhead budget
// (§4.F). The Engine stores this value but does not read it: the budget the
// overshoot rule enforces is the one passed to freqctl.New.
func WithMaxOverheadPct(pct float64) Option {
	return func(c *Config) { c.MaxOverheadPct = pct }
}

// WithAdaptive records whether the frequency controller's control loop
// (§4.F) should run. The Engine stores this value but does not read it: the
// profiling and overshoot loop is switched by trainstep.Config.Adaptive.
func WithAdaptive(enabled bool) Option {
	return func(c *Config) { c.Adaptive = enabled }
}

// WithPersist controls whether commit() fsyncs touched paths (durable) or
// only waits for the writes to return (best-effort). It also makes every
// Save block until its bytes are fsynced. Can be overridden per Save call
// with WithPersistOverride.
func WithPersist(persist bool) Option {
	return func(c *Config) { c.Persist = persist }
}

// WithStrategyOverride records a pinned snapshot strategy. The Engine's save
// path does not read it; its only effect is that trainstep.New rejects
// Config.Adaptive for this Engine with ErrAlreadyProfiled (see
// HasStrategyOverride).
func WithStrategyOverride(s Strategy) Option {
	return func(c *Config) { c.StrategyOverride = s }
}

// WithMetricsMeter attaches an OpenTelemetry meter that the Engine uses to
// record save counts, error counts, bytes flushed, and the flush-time
// histogram. The iteration-time histogram and the controller-decision
// counter are created on it too, but nothing in this module records them.
// If not provided, a no-op meter is used.
func WithMetricsMeter(m metric.Meter) Option {
	return func(c *Config) { c.Meter = m }
}

// WithCommitSigner attaches a note.Signer used to sign the header bytes of
// every path touched by a successful commit(), producing a tamper-evident
// commit record alongside the checkpoint itself. Optional.
func WithCommitSigner(s note.Signer) Option {
	return func(c *Config) { c.Signer = s }
}

// WithRemoteMirror attaches an optional destination that every successfully
// committed checkpoint path is additionally copied to, after the local
// commit has already made it durable. Mirror failures are logged but never
// fail the commit: the local file is the durability boundary (§5).
func WithRemoteMirror(m remote.Mirror) Option {
	return func(c *Config) { c.Mirror = m }
}

// WithRunHistory records an optional run-history sink on the Engine. The
// Engine stores it but does not read it: decisions reach a history sink only
// through the sink passed to freqctl.New.
func WithRunHistory(h history.Sink) Option {
	return func(c *Config) { c.History = h }
}

func defaultConfig() *Config {
	return &Config{
		HostCacheBytes: DefaultHostCacheBytes,
		ParserThreads:  DefaultParserThreads,
		IOWorkers:      DefaultIOWorkers,
		MaxOverheadPct: DefaultMaxOverheadPct,
		Persist:        true,
	}
}

// SaveOption configures a single Save call.
type SaveOption func(*saveOpts)

type saveOpts struct {
	persist      *bool
	profileOnly  bool
	profileKind  Strategy
	useBkgThread bool
}

// WithPersistOverride overrides the Engine-level Persist setting for a single
// Save call, matching DelayCheck's per-call persist toggle.
func WithPersistOverride(persist bool) SaveOption {
	return func(o *saveOpts) { o.persist = &persist }
}

// withProfileOnly marks a Save call as profile-only with the given strategy
// and background-thread setting. Nothing in this module calls it, and Save
// does not read these fields: a Save carrying it behaves like any other.
func withProfileOnly(strategy Strategy, useBackgroundThread bool) SaveOption {
	return func(o *saveOpts) {
		o.profileOnly = true
		o.profileKind = strategy
		o.useBkgThread = useBackgroundThread
	}
}
