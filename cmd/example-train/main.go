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

// example-train is a command line tool that drives a fake training loop
// against a local, posix-filesystem-backed checkpoint engine. It exists to
// exercise the engine and training-step iterator end to end, the way
// posix-oneshot exercises a log storage backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	ckptengine "github.com/adaptive-ckpt/ckptengine"
	"github.com/adaptive-ckpt/ckptengine/internal/freqctl"
	"github.com/adaptive-ckpt/ckptengine/statetree"
	"github.com/adaptive-ckpt/ckptengine/tensor"
	"github.com/adaptive-ckpt/ckptengine/trainstep"
)

var (
	checkpointDir = flag.String("checkpoint_dir", "", "Directory to write checkpoint files into.")
	arch          = flag.String("arch", "resnet50", "Model architecture name, used as a frequency-cache key.")
	batch         = flag.Int("batch", 256, "Training batch size, used as a frequency-cache key.")
	steps         = flag.Int("steps", 200, "Number of training steps to simulate.")
	epochs        = flag.Int("epochs", 2, "Number of epochs; steps are split evenly across them.")
	adaptive      = flag.Bool("adaptive", true, "Run the adaptive frequency controller instead of a fixed chk_freq.")
	chkFreq       = flag.Int("chk_freq", 10, "Fixed checkpoint cadence in steps, used when -adaptive=false.")
	maxOverhead   = flag.Float64("max_overhead_pct", 5.0, "Steady-state overhead ceiling the controller enforces.")
	ioWorkers     = flag.Int("io_workers", 4, "Size of the async I/O worker pool.")
	hostCacheMiB  = flag.Int("host_cache_mib", 64, "Size of the pinned host staging arena, in MiB.")
)

const tensorBytes = 4 << 20 // 4MiB fake weight tensor, so flushes take measurable time.

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	if *checkpointDir == "" {
		klog.Exit("-checkpoint_dir is required")
	}
	if err := os.MkdirAll(*checkpointDir, 0o755); err != nil {
		klog.Exitf("failed to create checkpoint directory: %v", err)
	}

	engine, err := ckptengine.New(
		ckptengine.WithHostCacheBytes(int64(*hostCacheMiB)<<20),
		ckptengine.WithIOWorkers(*ioWorkers),
		ckptengine.WithPersist(true),
	)
	if err != nil {
		klog.Exitf("failed to construct engine: %v", err)
	}
	defer func() {
		if err := engine.Close(ctx); err != nil {
			klog.Errorf("engine close: %v", err)
		}
	}()

	cacheDir := filepath.Join(*checkpointDir, ".freqctl-cache")
	ctl, err := freqctl.New(cacheDir, *maxOverhead, 32, nil)
	if err != nil {
		klog.Exitf("failed to construct frequency controller: %v", err)
	}

	cfg := trainstep.Config{
		Arch:            *arch,
		Batch:           *batch,
		RankZero:        true,
		Adaptive:        *adaptive,
		ExplicitChkFreq: *chkFreq,
		Persist:         true,
		StallCSVPath:    filepath.Join(*checkpointDir, "stall.csv"),
		OverheadCSVPath: filepath.Join(*checkpointDir, "chk_overhead.csv"),
		RecoveryCSVPath: filepath.Join(*checkpointDir, "recovery_time.csv"),
	}
	it, err := trainstep.New(engine, ctl, cfg)
	if err != nil {
		klog.Exitf("failed to construct training-step iterator: %v", err)
	}
	defer func() {
		if err := it.Close(); err != nil {
			klog.Errorf("iterator close: %v", err)
		}
	}()

	path := filepath.Join(*checkpointDir, "model.ckpt")
	stepsPerEpoch := *steps / max(*epochs, 1)

	klog.Infof("training %s batch=%d for %d steps across %d epochs, writing to %s", *arch, *batch, *steps, *epochs, path)

	for step := 0; step < *steps; step++ {
		state := fakeState(step)
		if err := it.Next(ctx, path, state); err != nil {
			klog.Exitf("step %d: %v", step, err)
		}
		if stepsPerEpoch > 0 && (step+1)%stepsPerEpoch == 0 && step+1 < *steps {
			if err := it.EndEpoch(ctx, path, state); err != nil {
				klog.Exitf("step %d: end epoch: %v", step, err)
			}
		}
		time.Sleep(time.Millisecond) // stand-in for one optimizer step.
	}

	if err := engine.Commit(); err != nil {
		klog.Exitf("final commit: %v", err)
	}
	klog.Infof("training complete, final chk_freq=%d", it.ChkFreq())

	res, err := engine.Load(ctx, path, tensor.Host)
	if err != nil {
		klog.Exitf("verifying final checkpoint: %v", err)
	}
	fmt.Printf("loaded checkpoint %q with %d tensors\n", path, len(res.Tensors))
}

func fakeState(step int) statetree.Value {
	data := make([]byte, tensorBytes)
	r := rand.New(rand.NewPCG(uint64(step), 0))
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	weight, err := tensor.NewHostTensor("float32", []int64{tensorBytes / 4}, data)
	if err != nil {
		klog.Exitf("building fake tensor: %v", err)
	}

	opt := statetree.NewOrderedMap()
	_ = opt.Set("momentum", int64(step))

	root := statetree.NewOrderedMap()
	_ = root.Set("weight", weight)
	_ = root.Set("optimizer", opt)
	_ = root.Set("step", int64(step))
	return root
}
