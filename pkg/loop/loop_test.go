// Copyright 2025 The Icewire Authors, Inc.
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

package loop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPostRunsSequentially(t *testing.T) {
	l := New(16)
	defer l.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	l := New(16)
	defer l.Stop()

	var order []string
	done := make(chan struct{})
	l.After(60*time.Millisecond, func() {
		order = append(order, "late")
		close(done)
	})
	l.After(10*time.Millisecond, func() { order = append(order, "early") })
	l.After(30*time.Millisecond, func() { order = append(order, "mid") })

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timers did not fire")
	}
	if len(order) != 3 || order[0] != "early" || order[1] != "mid" || order[2] != "late" {
		t.Fatalf("firing order wrong: %v", order)
	}
}

func TestTimerStop(t *testing.T) {
	l := New(16)
	defer l.Stop()

	var fired atomic.Bool
	timer := l.After(50*time.Millisecond, func() { fired.Store(true) })
	timer.Stop()
	time.Sleep(150 * time.Millisecond)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
}

func TestEvery(t *testing.T) {
	l := New(16)
	defer l.Stop()

	var ticks atomic.Int32
	timer := l.Every(20*time.Millisecond, func() { ticks.Add(1) })
	time.Sleep(150 * time.Millisecond)
	timer.Stop()
	n := ticks.Load()
	if n < 3 {
		t.Fatalf("periodic timer fired %d times, want at least 3", n)
	}
	time.Sleep(100 * time.Millisecond)
	if ticks.Load() > n+1 {
		t.Fatal("periodic timer kept firing after stop")
	}
}

func TestStopIsIdempotentAndDropsTasks(t *testing.T) {
	l := New(16)
	l.Stop()
	l.Stop()
	if l.Post(func() {}) {
		t.Fatal("post after stop must report failure")
	}
}
