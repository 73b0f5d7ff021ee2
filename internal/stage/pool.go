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

// Package stage implements the state-dict parse/stage worker pool (spec
// §4.C, §4.D): Save must be non-blocking, so walking the state tree,
// gob-encoding the scalar tree, and copying every tensor into the host
// staging cache all happen on this pool instead of on the caller's
// goroutine. It is the same bounded-concurrency, per-path-FIFO shape as
// internal/flush's async I/O worker pool, sized by Config.ParserThreads
// instead of Config.IOWorkers.
package stage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/adaptive-ckpt/ckptengine/internal/telemetry"
)

// Job is one parse-and-stage unit: Run performs the actual walk/encode/stage
// work (and, on success, enqueues the resulting flush jobs itself). Version
// and Path are used only for per-path ordering and error messages.
type Job struct {
	Version uint64
	Path    string
	Run     func() error
}

// Pool runs Jobs with bounded concurrency across paths, while guaranteeing
// Jobs enqueued for the same Path run in submission order -- so that a
// save's parse/stage work, and therefore its flush jobs, can never be
// reordered relative to an earlier save of the same path.
type Pool struct {
	sem     *semaphore.Weighted
	metrics *telemetry.Metrics

	mu sync.Mutex
	qs map[string]*pathQueue
	wg sync.WaitGroup

	errMu sync.Mutex
	err   error
}

type pathQueue struct {
	mu      sync.Mutex
	jobs    []Job
	running bool
}

// New constructs a Pool with the given worker concurrency (Config.ParserThreads).
func New(workers int, metrics *telemetry.Metrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		metrics: metrics,
		qs:      map[string]*pathQueue{},
	}
}

// Enqueue submits job to run asynchronously. It returns immediately.
func (p *Pool) Enqueue(job Job) {
	p.wg.Add(1)

	p.mu.Lock()
	q, ok := p.qs[job.Path]
	if !ok {
		q = &pathQueue{}
		p.qs[job.Path] = q
	}
	p.mu.Unlock()

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go p.drain(q)
	}
}

func (p *Pool) drain(q *pathQueue) {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		p.runJob(job)
	}
}

func (p *Pool) runJob(job Job) {
	defer p.wg.Done()

	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		p.recordErr(fmt.Errorf("stage: acquire worker slot for %q v%d: %w", job.Path, job.Version, err))
		return
	}
	err := job.Run()
	p.sem.Release(1)

	if err != nil {
		klog.Errorf("stage: parse/stage %q v%d: %v", job.Path, job.Version, err)
		p.recordErr(fmt.Errorf("stage %q v%d: %w", job.Path, job.Version, err))
	}
}

func (p *Pool) recordErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
	if p.metrics != nil {
		p.metrics.RecordError(context.Background())
	}
}

// Wait blocks until every enqueued Job has run, then returns the first error
// recorded since the last call to Wait, if any.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.errMu.Lock()
	defer p.errMu.Unlock()
	err := p.err
	p.err = nil
	return err
}
