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

package stage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnqueueReturnsImmediately(t *testing.T) {
	p := New(2, nil)
	block := make(chan struct{})
	done := make(chan struct{})
	p.Enqueue(Job{Path: "a", Run: func() error {
		<-block
		close(done)
		return nil
	}})
	select {
	case <-done:
		t.Fatal("Run executed synchronously inside Enqueue")
	default:
	}
	close(block)
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestPerPathOrdering(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]uint64{}

	p := New(4, nil)
	const paths = 5
	const versionsPerPath = 20
	var wg sync.WaitGroup
	for pi := 0; pi < paths; pi++ {
		path := fmt.Sprintf("ckpt-%d.bin", pi)
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			for v := 0; v < versionsPerPath; v++ {
				v := v
				done := make(chan struct{})
				p.Enqueue(Job{
					Version: uint64(v),
					Path:    path,
					Run: func() error {
						time.Sleep(time.Duration(v%3) * time.Millisecond)
						mu.Lock()
						seen[path] = append(seen[path], uint64(v))
						mu.Unlock()
						close(done)
						return nil
					},
				})
				<-done
			}
		}(path)
	}
	wg.Wait()
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	for pi := 0; pi < paths; pi++ {
		path := fmt.Sprintf("ckpt-%d.bin", pi)
		got := seen[path]
		if len(got) != versionsPerPath {
			t.Fatalf("path %q: got %d runs, want %d", path, len(got), versionsPerPath)
		}
		for v, gotV := range got {
			if gotV != uint64(v) {
				t.Fatalf("path %q: run %d landed out of order, got version %d", path, v, gotV)
			}
		}
	}
}

func TestWaitSurfacesFirstError(t *testing.T) {
	boom := fmt.Errorf("parse failed")
	calls := 0
	p := New(1, nil)

	p.Enqueue(Job{Path: "a", Run: func() error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	}})
	p.Enqueue(Job{Path: "a", Run: func() error { return nil }})
	if err := p.Wait(); err == nil {
		t.Fatal("Wait: expected an error, got nil")
	}

	p.Enqueue(Job{Path: "a", Run: func() error { return nil }})
	if err := p.Wait(); err != nil {
		t.Fatalf("second Wait: got %v, want nil (error slot should have been cleared)", err)
	}
}
