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

// Package ckptengine implements an adaptive checkpoint engine for deep
// learning training loops: async serialization of nested tensor-bearing
// state dicts through a bounded pinned-host staging cache and a fixed async
// I/O worker pool, with an optional frequency controller that adapts
// checkpoint cadence to the caller's overhead budget.
package ckptengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/adaptive-ckpt/ckptengine/internal/arena"
	"github.com/adaptive-ckpt/ckptengine/internal/flush"
	"github.com/adaptive-ckpt/ckptengine/internal/integrity"
	"github.com/adaptive-ckpt/ckptengine/internal/stage"
	"github.com/adaptive-ckpt/ckptengine/internal/telemetry"
	"github.com/adaptive-ckpt/ckptengine/statetree"
	"github.com/adaptive-ckpt/ckptengine/tensor"
)

// Engine is the checkpoint engine facade (spec §4.D): the entry point a
// training loop calls into for Save/Load/Commit/Wait. An Engine is safe for
// concurrent use by multiple goroutines.
type Engine struct {
	cfg *Config

	arena   *arena.Arena
	stage   *stage.Pool
	pool    *flush.Pool
	metrics *telemetry.Metrics

	pathMu  sync.Mutex
	pathsMu map[string]*sync.Mutex
	version map[string]uint64
	touched map[string]bool // paths written since the last Commit

	closed atomic.Bool
}

// New constructs an Engine from the given options.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.HostCacheBytes <= 0 {
		return nil, newErr(KindConfigInvalid, "", fmt.Errorf("host cache bytes must be positive, got %d", cfg.HostCacheBytes))
	}
	if cfg.IOWorkers <= 0 {
		return nil, newErr(KindConfigInvalid, "", fmt.Errorf("io workers must be positive, got %d", cfg.IOWorkers))
	}

	metrics := telemetry.New(cfg.Meter)
	e := &Engine{
		cfg:     cfg,
		arena:   arena.New(cfg.HostCacheBytes),
		stage:   stage.New(cfg.ParserThreads, metrics),
		pool:    flush.New(cfg.IOWorkers, flush.DefaultWriteAt, metrics),
		metrics: metrics,
		pathsMu: map[string]*sync.Mutex{},
		version: map[string]uint64{},
		touched: map[string]bool{},
	}
	return e, nil
}

func (e *Engine) pathLock(path string) *sync.Mutex {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	m, ok := e.pathsMu[path]
	if !ok {
		m = &sync.Mutex{}
		e.pathsMu[path] = m
	}
	return m
}

// Save enqueues state for parsing, staging into the host cache, and
// flushing to path, and returns immediately (spec §4.D): it does not wait
// for the state tree to be walked, for tensors to be copied into the host
// cache, or for bytes to reach disk. A failure in any of that work is
// surfaced the next time the caller calls Wait or Commit, not from this
// call.
//
// The one synchronous piece of work Save does before returning is bumping
// path's version counter, which is what makes two overlapping Save calls
// for the same path land on the parse/stage pool (ParserThreads, via
// WithParserThreads) and the flush pool (IOWorkers) in submission order: if
// goroutine A calls Save(path, v1) and then goroutine B calls Save(path, v2)
// after A's call returns, v2 is guaranteed to land after v1 on disk (spec
// §4.B Testable Property 4).
//
// Passing WithPersistOverride(true) (or constructing the Engine with
// WithPersist(true), the default) makes this particular call block until
// its own bytes are durable, which is how the profiler times a real,
// uncached save.
func (e *Engine) Save(ctx context.Context, path string, state statetree.Value, opts ...SaveOption) error {
	if e.closed.Load() {
		return ErrClosed
	}
	so := &saveOpts{}
	for _, o := range opts {
		o(so)
	}

	lock := e.pathLock(path)
	lock.Lock()
	if _, seen := e.version[path]; !seen {
		e.version[path] = e.recoverVersion(path)
	}
	version := e.version[path] + 1
	e.version[path] = version
	e.pathMuTouch(path)
	lock.Unlock()

	e.stage.Enqueue(stage.Job{
		Version: version,
		Path:    path,
		Run: func() error {
			return e.stageAndFlush(ctx, path, version, state)
		},
	})

	persist := (so.persist != nil && *so.persist) || (so.persist == nil && e.cfg.Persist)
	if persist {
		if err := e.stage.Wait(); err != nil {
			return err
		}
		if err := e.pool.Commit(e.touchedPaths()); err != nil {
			return newErr(KindIoFailed, path, err)
		}
	}

	e.metrics.RecordSave(ctx)
	return nil
}

// stageAndFlush does the actual parse/stage/enqueue work for one Save call.
// It runs on the stage pool (ParserThreads), never on the caller's
// goroutine, so it is free to block on arena capacity and perform the
// per-tensor host copies without violating Save's non-blocking contract.
func (e *Engine) stageAndFlush(ctx context.Context, path string, version uint64, state statetree.Value) error {
	if err := e.checkVersionMonotonic(path, version); err != nil {
		return err
	}

	parsed, err := statetree.Walk(state)
	if err != nil {
		return newErr(KindSerializeFailed, path, err)
	}
	scalarBytes, err := statetree.EncodeScalarTree(parsed.ScalarTree)
	if err != nil {
		return newErr(KindSerializeFailed, path, err)
	}

	var tensorPayloadLen int64
	for _, rec := range parsed.Tensors {
		if rec.End > tensorPayloadLen {
			tensorPayloadLen = rec.End
		}
	}

	headerBytes, base, err := buildAbsoluteHeader(parsed, scalarBytes, tensorPayloadLen, version)
	if err != nil {
		return newErr(KindSerializeFailed, path, err)
	}

	// Stage every tensor into the host cache before enqueueing any flush job,
	// so a staging failure (out-of-capacity, ctx cancellation) never leaves a
	// partially-written file on disk for this version.
	type staged struct {
		slice *arena.Slice
		off   int64
	}
	stagedTensors := make([]staged, 0, len(parsed.Tensors))
	releaseAll := func() {
		for _, st := range stagedTensors {
			e.arena.Release(st.slice)
		}
	}
	for _, rec := range parsed.Tensors {
		if err := tensor.Validate(rec.Tensor); err != nil {
			releaseAll()
			return newErr(KindSerializeFailed, path, err)
		}
		s, err := e.arena.Acquire(ctx, rec.Tensor.ByteSize())
		if err != nil {
			releaseAll()
			if _, ok := err.(*arena.ErrOutOfCapacity); ok {
				return newErr(KindOutOfCapacity, path, err)
			}
			return newErr(KindSerializeFailed, path, err)
		}
		if rec.Tensor.Contiguous() {
			if err := rec.Tensor.ToHost(s.Bytes); err != nil {
				e.arena.Release(s)
				releaseAll()
				return newErr(KindSerializeFailed, path, err)
			}
		} else {
			// Non-contiguous tensors (a strided view, say) are rematerialized
			// into a throwaway contiguous buffer first (spec §4.C), rather than
			// ToHost-ing directly into the arena slice, since only a contiguous
			// byte run can be handed to the flush pool as-is.
			tmp := make([]byte, rec.Tensor.ByteSize())
			if err := rec.Tensor.ToHost(tmp); err != nil {
				e.arena.Release(s)
				releaseAll()
				return newErr(KindSerializeFailed, path, err)
			}
			copy(s.Bytes, tmp)
			klog.V(2).Infof("ckptengine: rematerialized non-contiguous tensor %q (%d bytes) before staging", rec.Path, len(tmp))
		}
		stagedTensors = append(stagedTensors, staged{slice: s, off: base + rec.Start})
	}

	e.pool.Enqueue(flush.Job{Version: version, Path: path, FileOffset: 0, Data: headerSizePrefix(len(headerBytes))})
	e.pool.Enqueue(flush.Job{Version: version, Path: path, FileOffset: 8, Data: headerBytes})
	for _, st := range stagedTensors {
		st := st
		e.pool.Enqueue(flush.Job{
			Version:    version,
			Path:       path,
			FileOffset: st.off,
			Data:       st.slice.Bytes,
			Release:    func() { e.arena.Release(st.slice) },
		})
	}
	e.pool.Enqueue(flush.Job{Version: version, Path: path, FileOffset: base + tensorPayloadLen, Data: scalarBytes})

	klog.V(2).Infof("ckptengine: staged %s v%d (%d tensors, %d header bytes)", path, version, len(parsed.Tensors), len(headerBytes))
	return nil
}

// buildAbsoluteHeader marshals the header for a save, with every
// DataOffsets entry absolute from the start of the file (8-byte size prefix
// + header bytes + tensor payload region), per spec §3/§6. The header's own
// marshaled length depends on the offsets it contains, which in turn depend
// on that length (base = 8+len(headerBytes)), so this marshals twice: once
// with base=0 to learn headerBytes' length, then again with the real base
// now known. If adding base to every offset changed a JSON number's digit
// width enough to change the header's own length, it remarshals with the
// new base until the length stops changing, rather than shipping an
// inconsistent offset.
func buildAbsoluteHeader(parsed *statetree.ParseResult, scalarBytes []byte, tensorPayloadLen int64, version uint64) ([]byte, int64, error) {
	build := func(base int64) statetree.Header {
		h := statetree.Header{}
		for _, rec := range parsed.Tensors {
			h[rec.Path] = statetree.HeaderEntry{
				DType:       rec.Tensor.DType(),
				Shape:       rec.Tensor.Shape(),
				DataOffsets: [2]int64{base + rec.Start, base + rec.End},
			}
		}
		h[statetree.MetaKey] = statetree.HeaderEntry{
			DataOffsets: [2]int64{base + tensorPayloadLen, base + tensorPayloadLen + int64(len(scalarBytes))},
			Version:     version,
		}
		return h
	}

	provisional, err := build(0).Marshal()
	if err != nil {
		return nil, 0, err
	}
	base := int64(8 + len(provisional))
	headerBytes, err := build(base).Marshal()
	if err != nil {
		return nil, 0, err
	}
	for prev := len(provisional); len(headerBytes) != prev; {
		prev = len(headerBytes)
		base = int64(8 + prev)
		headerBytes, err = build(base).Marshal()
		if err != nil {
			return nil, 0, err
		}
	}
	return headerBytes, base, nil
}

// recoverVersion inspects any existing checkpoint at path to seed its next
// version number, so a process that restarts mid-run doesn't start
// reassigning version 1 to a path that's already on version 40 (mirrors
// DataStates-LLM's get_checkpoint_version). Any failure to read or parse the
// existing file is treated the same as "no prior checkpoint" since path is
// about to be overwritten by this Save regardless.
func (e *Engine) recoverVersion(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var sizeBuf [8]byte
	if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
		return 0
	}
	headerLen := binary.LittleEndian.Uint64(sizeBuf[:])
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return 0
	}
	header, err := statetree.UnmarshalHeader(headerBytes)
	if err != nil {
		return 0
	}
	meta, err := header.Meta()
	if err != nil {
		return 0
	}
	return meta.Version
}

// checkVersionMonotonic guards against writing a version no newer than
// what's already durable for path (KindVersionRegression): two independent
// Engine instances racing to write the same path -- each only has its own
// recoverVersion snapshot from the moment it first saw path, with no shared
// in-memory counter -- is the scenario this catches.
func (e *Engine) checkVersionMonotonic(path string, version uint64) error {
	existing := e.recoverVersion(path)
	if existing >= version {
		return newErr(KindVersionRegression, path, fmt.Errorf("on-disk version %d is not older than incoming version %d", existing, version))
	}
	return nil
}

func (e *Engine) pathMuTouch(path string) {
	e.pathMu.Lock()
	e.touched[path] = true
	e.pathMu.Unlock()
}

func (e *Engine) touchedPaths() []string {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	paths := make([]string, 0, len(e.touched))
	for p := range e.touched {
		paths = append(paths, p)
	}
	return paths
}

func headerSizePrefix(headerLen int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(headerLen))
	return b
}

// Wait blocks until every previously-enqueued Save has finished parsing,
// staging, and writing (but does not fsync), returning the first error
// encountered since the last Wait/Commit call, if any.
func (e *Engine) Wait() error {
	if err := e.stage.Wait(); err != nil {
		return err
	}
	return e.pool.Wait()
}

// Commit blocks until every previously-enqueued Save has finished parsing,
// staging, and writing, and, when the Engine was constructed with
// WithPersist(true), fsyncs every path touched since the last Commit,
// returning the first error encountered from any phase.
func (e *Engine) Commit() error {
	if err := e.stage.Wait(); err != nil {
		return err
	}

	paths := e.touchedPaths()
	var err error
	if e.cfg.Persist {
		err = e.pool.Commit(paths)
	} else {
		err = e.pool.Wait()
	}

	e.pathMu.Lock()
	e.touched = map[string]bool{}
	e.pathMu.Unlock()

	if err != nil {
		return newErr(KindIoFailed, "", err)
	}
	if e.cfg.Mirror != nil {
		for _, p := range paths {
			if mErr := e.mirror(context.Background(), p); mErr != nil {
				klog.Warningf("ckptengine: remote mirror of %q failed (local commit is still durable): %v", p, mErr)
			}
		}
	}
	if e.cfg.Signer != nil {
		for _, p := range paths {
			if sErr := e.signPath(p); sErr != nil {
				klog.Warningf("ckptengine: failed to sign %q (checkpoint is still durable): %v", p, sErr)
			}
		}
	}
	return nil
}

func (e *Engine) mirror(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.cfg.Mirror.Upload(ctx, path, f)
}

// signPath reads path's header back off disk and writes a signed commit
// record alongside it at path+".sig".
func (e *Engine) signPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var sizeBuf [8]byte
	if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
		return fmt.Errorf("read header size prefix: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(sizeBuf[:])
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	signed, err := integrity.Sign(e.cfg.Signer, path, headerBytes)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".sig", signed, 0o644)
}

// TensorBlob is one tensor's raw bytes and shape metadata as read back by Load.
type TensorBlob struct {
	DType tensor.DType
	Shape []int64
	Data  []byte
}

// DeviceUploadFunc reconstructs a device-resident tensor.Tensor from the raw
// host bytes Load read off disk. Required when Load is called with
// tensor.Device as its hint: tensor.Tensor has no generic "from host bytes"
// constructor for device memory (see tensor.DeviceTensor's doc comment), so
// the caller's framework integration supplies the upload itself.
type DeviceUploadFunc func(dtype tensor.DType, shape []int64, data []byte) (tensor.Tensor, error)

// LoadOption configures a single Load call.
type LoadOption func(*loadOpts)

type loadOpts struct {
	upload DeviceUploadFunc
}

// WithDeviceUploader supplies the callback Load uses to reconstruct
// device-resident tensors when hint is tensor.Device. Without one, a Load
// call with a Device hint fails with KindDeviceUnavailable.
func WithDeviceUploader(fn DeviceUploadFunc) LoadOption {
	return func(o *loadOpts) { o.upload = fn }
}

// LoadResult is a checkpoint file read back into memory.
type LoadResult struct {
	// Tree is the state tree with every tensor leaf spliced back into its
	// original placeholder position (spec §4.D), reconstructed according to
	// hint. It has the same shape (*statetree.OrderedMap / []statetree.Value /
	// scalar leaves) that was originally passed to Save, except tensor leaves
	// are now hint-resident tensor.Tensor values.
	Tree statetree.Value
	// Tensors is the same restored tensors, keyed by dotted path, as raw
	// bytes plus shape/dtype -- a convenience view for callers that would
	// rather not walk Tree.
	Tensors map[string]TensorBlob
}

// Load reads the checkpoint file at path back into a LoadResult. hint
// selects where reconstructed tensors should live: tensor.Host builds plain
// tensor.HostTensor values directly from the bytes just read; tensor.Device
// requires a DeviceUploadFunc via WithDeviceUploader to place those bytes
// onto an accelerator.
func (e *Engine) Load(ctx context.Context, path string, hint tensor.Location, opts ...LoadOption) (*LoadResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	lo := &loadOpts{}
	for _, o := range opts {
		o(lo)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindCorruptHeader, path, err)
	}
	defer f.Close()

	var sizeBuf [8]byte
	if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
		return nil, newErr(KindCorruptHeader, path, fmt.Errorf("read header size prefix: %w", err))
	}
	headerLen := binary.LittleEndian.Uint64(sizeBuf[:])

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, newErr(KindCorruptHeader, path, fmt.Errorf("read header: %w", err))
	}
	header, err := statetree.UnmarshalHeader(headerBytes)
	if err != nil {
		return nil, newErr(KindCorruptHeader, path, err)
	}
	meta, err := header.Meta()
	if err != nil {
		return nil, newErr(KindCorruptHeader, path, err)
	}

	// DataOffsets are absolute from the start of the file (spec §3, §6): no
	// base needs adding here, unlike the provisional relative offsets used
	// while building the header, before its own size was known.
	tensors := map[string]TensorBlob{}
	for _, tpath := range header.TensorPaths() {
		entry := header[tpath]
		n := entry.DataOffsets[1] - entry.DataOffsets[0]
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, entry.DataOffsets[0]); err != nil {
			return nil, newErr(KindCorruptHeader, path, fmt.Errorf("read tensor %q: %w", tpath, err))
		}
		tensors[tpath] = TensorBlob{DType: entry.DType, Shape: entry.Shape, Data: buf}
	}

	scalarLen := meta.DataOffsets[1] - meta.DataOffsets[0]
	scalarBuf := make([]byte, scalarLen)
	if _, err := f.ReadAt(scalarBuf, meta.DataOffsets[0]); err != nil {
		return nil, newErr(KindCorruptHeader, path, fmt.Errorf("read scalar tree: %w", err))
	}
	scalarTree, err := statetree.DecodeScalarTree(scalarBuf)
	if err != nil {
		return nil, newErr(KindCorruptHeader, path, err)
	}

	reconstruct := func(blob TensorBlob) (tensor.Tensor, error) {
		if hint == tensor.Device {
			if lo.upload == nil {
				return nil, newErr(KindDeviceUnavailable, path, fmt.Errorf("no device uploader configured for dtype %s shape %v", blob.DType, blob.Shape))
			}
			return lo.upload(blob.DType, blob.Shape, blob.Data)
		}
		return tensor.NewHostTensor(blob.DType, blob.Shape, blob.Data)
	}

	visited := map[string]bool{}
	tree, err := spliceTensors(scalarTree, "", tensors, reconstruct, visited)
	if err != nil {
		return nil, err
	}
	for tpath := range tensors {
		if !visited[tpath] {
			return nil, newErr(KindKeyMismatch, path, fmt.Errorf("header tensor %q has no matching placeholder in scalar tree", tpath))
		}
	}

	return &LoadResult{Tree: tree, Tensors: tensors}, nil
}

// spliceTensors walks v the same way statetree.Walk originally built it --
// same OrderedMap/sequence traversal, same dotted-path joining -- so each
// tensor is reconstructed and spliced back in at exactly the structural
// position its placeholder was read from (spec §4.D), instead of a
// whole-tree search for the placeholder string (spec §4.C Testable
// Property 2). A leaf at a path the header declared a tensor for must be
// its exact placeholder string; anything else -- including a placeholder
// for the wrong path, which is how a single flipped byte in storage
// surfaces -- is KindKeyMismatch.
func spliceTensors(v statetree.Value, path string, tensors map[string]TensorBlob, reconstruct func(TensorBlob) (tensor.Tensor, error), visited map[string]bool) (statetree.Value, error) {
	switch t := v.(type) {
	case *statetree.OrderedMap:
		out := statetree.NewOrderedMap()
		for _, k := range t.Keys() {
			child, _ := t.Get(k)
			cv, err := spliceTensors(child, joinPath(path, k), tensors, reconstruct, visited)
			if err != nil {
				return nil, err
			}
			if err := out.Set(k, cv); err != nil {
				return nil, err
			}
		}
		return out, nil

	case []statetree.Value:
		out := make([]statetree.Value, len(t))
		for i, child := range t {
			cv, err := spliceTensors(child, joinPath(path, strconv.Itoa(i)), tensors, reconstruct, visited)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil

	default:
		blob, isTensorPath := tensors[path]
		if !isTensorPath {
			return v, nil
		}
		s, ok := v.(string)
		if !ok || s != statetree.Placeholder(path) {
			return nil, newErr(KindKeyMismatch, path, fmt.Errorf("expected tensor placeholder at %q, got %#v", path, v))
		}
		tns, err := reconstruct(blob)
		if err != nil {
			return nil, err
		}
		visited[path] = true
		return tns, nil
	}
}

func joinPath(base, component string) string {
	if base == "" {
		return component
	}
	return base + statetree.Separator + component
}

// Close drains the parse/stage pool and the host staging cache, and stops
// accepting new Save calls. Callers should Commit before Close if they want
// the final writes durable.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.stage.Wait(); err != nil {
		klog.Warningf("ckptengine: error draining stage pool on close: %v", err)
	}
	if err := e.pool.Wait(); err != nil {
		klog.Warningf("ckptengine: error draining flush pool on close: %v", err)
	}
	return e.arena.Drain(ctx)
}

// HasStrategyOverride reports whether the Engine was constructed with
// WithStrategyOverride. trainstep uses this to enforce that an explicit
// strategy override and adaptive profiling are never both active for the
// same run (spec §7, ErrAlreadyProfiled); the Engine holds its Config in an
// unexported field, so this is the only way a sibling package can observe
// the setting.
func (e *Engine) HasStrategyOverride() bool {
	return e.cfg.StrategyOverride != ""
}
