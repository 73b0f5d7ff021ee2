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

// Package telemetry wires the Engine's own overhead into OpenTelemetry
// metrics. The iteration-time and decision instruments are defined here
// but not recorded by any caller in this module. Exporting those metrics (OTLP, Prometheus, stdout,
// ...) is a deployment concern left to the caller: this package only
// constructs the instruments against whatever metric.Meter it's given.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics bundles the instruments the checkpoint engine records against.
type Metrics struct {
	SavesTotal       metric.Int64Counter
	ErrorsTotal      metric.Int64Counter
	BytesFlushed     metric.Int64Counter
	IterSeconds      metric.Float64Histogram
	FlushSeconds     metric.Float64Histogram
	ChkFreqDecisions metric.Int64Counter
}

// New constructs a Metrics bundle from m. If m is nil, a no-op meter is used
// so that callers never need to nil-check before recording.
func New(m metric.Meter) *Metrics {
	if m == nil {
		m = noop.Meter{}
	}
	saves, _ := m.Int64Counter("ckpt_saves_total", metric.WithDescription("Number of Save() calls scheduled"))
	errs, _ := m.Int64Counter("ckpt_errors_total", metric.WithDescription("Number of errors surfaced via the error slot"))
	bytes, _ := m.Int64Counter("ckpt_bytes_flushed_total", metric.WithDescription("Bytes written by the async I/O worker pool"))
	iterSec, _ := m.Float64Histogram("ckpt_iter_seconds", metric.WithDescription("Observed per-iteration wall time"), metric.WithUnit("s"))
	flushSec, _ := m.Float64Histogram("ckpt_flush_seconds", metric.WithDescription("Observed end-to-end flush cost of a checkpoint"), metric.WithUnit("s"))
	decisions, _ := m.Int64Counter("ckpt_freq_decisions_total", metric.WithDescription("Number of times the frequency controller (re)computed chk_freq"))

	return &Metrics{
		SavesTotal:       saves,
		ErrorsTotal:      errs,
		BytesFlushed:     bytes,
		IterSeconds:      iterSec,
		FlushSeconds:     flushSec,
		ChkFreqDecisions: decisions,
	}
}

// RecordSave increments the save counter.
func (m *Metrics) RecordSave(ctx context.Context) {
	if m == nil {
		return
	}
	m.SavesTotal.Add(ctx, 1)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(ctx context.Context) {
	if m == nil {
		return
	}
	m.ErrorsTotal.Add(ctx, 1)
}

// RecordFlush records bytes written and the flush duration in seconds.
func (m *Metrics) RecordFlush(ctx context.Context, nbytes int64, seconds float64) {
	if m == nil {
		return
	}
	m.BytesFlushed.Add(ctx, nbytes)
	m.FlushSeconds.Record(ctx, seconds)
}

// RecordIter records one training iteration's wall time.
func (m *Metrics) RecordIter(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.IterSeconds.Record(ctx, seconds)
}

// RecordDecision increments the controller-decision counter.
func (m *Metrics) RecordDecision(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChkFreqDecisions.Add(ctx, 1)
}
