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

package arena

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	a := New(16)
	s, err := a.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := a.Outstanding(); got != 10 {
		t.Fatalf("Outstanding() = %d, want 10", got)
	}
	a.Release(s)
	if got := a.Outstanding(); got != 0 {
		t.Fatalf("Outstanding() after release = %d, want 0", got)
	}
}

func TestOutOfCapacity(t *testing.T) {
	a := New(8)
	_, err := a.Acquire(context.Background(), 9)
	var capErr *ErrOutOfCapacity
	if err == nil {
		t.Fatal("Acquire: expected error, got nil")
	}
	if !asOutOfCapacity(err, &capErr) {
		t.Fatalf("Acquire: got error %v, want *ErrOutOfCapacity", err)
	}
}

func asOutOfCapacity(err error, target **ErrOutOfCapacity) bool {
	if e, ok := err.(*ErrOutOfCapacity); ok {
		*target = e
		return true
	}
	return false
}

// TestBackPressure models scenario S2: two 3MiB tensors against a 4MiB
// arena. The second Acquire must block until the first Slice is released.
func TestBackPressure(t *testing.T) {
	const mib = 1 << 20
	a := New(4 * mib)

	s1, err := a.Acquire(context.Background(), 3*mib)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan *Slice, 1)
	go func() {
		s2, err := a.Acquire(context.Background(), 3*mib)
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			return
		}
		done <- s2
	}()

	select {
	case <-done:
		t.Fatal("second Acquire returned before first Slice was released")
	case <-time.After(50 * time.Millisecond):
	}

	a.Release(s1)

	select {
	case s2 := <-done:
		a.Release(s2)
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not unblock after release")
	}
}

func TestAcquireNeverOverlaps(t *testing.T) {
	a := New(64)
	var slices []*Slice
	for i := 0; i < 4; i++ {
		s, err := a.Acquire(context.Background(), 16)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		slices = append(slices, s)
	}
	for i := range slices {
		for j := range slices {
			if i == j {
				continue
			}
			if overlaps(slices[i], slices[j]) {
				t.Fatalf("slice %d overlaps slice %d", i, j)
			}
		}
	}
	for _, s := range slices {
		a.Release(s)
	}
}

func overlaps(a, b *Slice) bool {
	aEnd := a.Offset + int64(len(a.Bytes))
	bEnd := b.Offset + int64(len(b.Bytes))
	return a.Offset < bEnd && b.Offset < aEnd
}

func TestDrain(t *testing.T) {
	a := New(32)
	s, err := a.Acquire(context.Background(), 32)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	drained := make(chan error, 1)
	go func() { drained <- a.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("Drain returned before outstanding slice was released")
	case <-time.After(20 * time.Millisecond):
	}

	a.Release(s)

	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after release")
	}
}

func TestDrainContextCancelled(t *testing.T) {
	a := New(8)
	s, err := a.Acquire(context.Background(), 8)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := a.Drain(ctx); err == nil {
		t.Fatal("Drain: expected context deadline error, got nil")
	}
}
