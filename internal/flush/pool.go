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

// Package flush implements the async I/O worker pool (spec §4.B): a fixed
// concurrency budget of workers that write staged tensor/scalar-tree bytes
// to their target files, preserving per-path version order while allowing
// different paths to flush in parallel.
package flush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/adaptive-ckpt/ckptengine/internal/telemetry"
)

// Job is one unit of work: write Data to Path at FileOffset. Release, if
// non-nil, is called after the write (successful or not) to return the
// source staging slice to the host cache.
type Job struct {
	Version    uint64
	Path       string
	FileOffset int64
	Data       []byte
	Release    func()
}

// WriteAtFunc is the write primitive a Pool flushes jobs through. The
// default, DefaultWriteAt, opens the file (creating parent directories as
// needed) and writes at the given offset; tests substitute an in-memory
// fake.
type WriteAtFunc func(path string, offset int64, data []byte) error

// Pool is a bounded-concurrency async I/O worker pool.
type Pool struct {
	sem     *semaphore.Weighted
	writeAt WriteAtFunc
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

// New constructs a Pool with the given worker concurrency. If writeAt is
// nil, DefaultWriteAt is used. If metrics is nil, flush metrics are not recorded.
func New(workers int, writeAt WriteAtFunc, metrics *telemetry.Metrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	if writeAt == nil {
		writeAt = DefaultWriteAt
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		writeAt: writeAt,
		metrics: metrics,
		qs:      map[string]*pathQueue{},
	}
}

// Enqueue submits job for flushing. Jobs enqueued for the same Path are
// guaranteed to be written in the order Enqueue was called for that path;
// jobs for different paths may be written concurrently and in any relative order.
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

// drain processes q's jobs strictly in FIFO order, one at a time, until the
// queue is empty. Per-path ordering falls out of this being the only
// goroutine ever touching q's jobs while q.running is true.
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

	ctx := context.Background()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.recordErr(fmt.Errorf("flush: acquire worker slot for %q v%d: %w", job.Path, job.Version, err))
		if job.Release != nil {
			job.Release()
		}
		return
	}
	start := time.Now()
	err := p.writeAt(job.Path, job.FileOffset, job.Data)
	p.sem.Release(1)

	if job.Release != nil {
		job.Release()
	}
	if err != nil {
		klog.Errorf("flush: write %q at offset %d (v%d): %v", job.Path, job.FileOffset, job.Version, err)
		p.recordErr(fmt.Errorf("flush %q v%d: %w", job.Path, job.Version, err))
		return
	}
	if p.metrics != nil {
		p.metrics.RecordFlush(ctx, int64(len(job.Data)), time.Since(start).Seconds())
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

// Wait blocks until every enqueued job has been processed (queue empty and
// all writes returned from the OS), then returns the first error recorded
// since the last call to Wait, if any.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.errMu.Lock()
	defer p.errMu.Unlock()
	err := p.err
	p.err = nil
	return err
}

// Commit waits for all outstanding jobs and then fsyncs every distinct path
// touched, returning the first error encountered from either phase.
func (p *Pool) Commit(paths []string) error {
	err := p.Wait()
	for _, path := range paths {
		if syncErr := Fsync(path); syncErr != nil && err == nil {
			err = syncErr
		}
	}
	return err
}
