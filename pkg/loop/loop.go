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

// Package loop provides a serialized task loop with deadline timers.
// Everything posted to one Loop runs on a single goroutine, so state owned
// by that loop needs no locking. Timers are kept in a min-heap over
// absolute deadlines; one runtime timer tracks the earliest of them.
package loop

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Timer is a handle for a scheduled task. Stop prevents an unfired timer
// from running; stopping a fired or stopped timer is a no-op.
type Timer struct {
	loop     *Loop
	deadline time.Time
	task     Task
	index    int // position in the heap, -1 when fired or stopped
	periodic time.Duration
}

// Stop cancels the timer. Safe to call from any goroutine.
func (t *Timer) Stop() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
		t.index = -1
	}
	t.periodic = 0
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop runs posted tasks and timer callbacks sequentially.
type Loop struct {
	tasks  chan Task
	mu     sync.Mutex
	timers timerHeap
	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates and starts a loop. queueSize bounds the pending task queue;
// values below 1 get a default of 128.
func New(queueSize int) *Loop {
	if queueSize < 1 {
		queueSize = 128
	}
	l := &Loop{
		tasks:  make(chan Task, queueSize),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues a task, blocking while the queue is full. It reports false
// and drops the task when the loop is stopped.
func (l *Loop) Post(task Task) bool {
	select {
	case <-l.stopCh:
		return false
	default:
	}
	select {
	case l.tasks <- task:
		return true
	case <-l.stopCh:
		return false
	}
}

// After schedules task to run on the loop after d.
func (l *Loop) After(d time.Duration, task Task) *Timer {
	return l.schedule(d, task, 0)
}

// Every schedules task to run on the loop every interval, first firing
// after one interval.
func (l *Loop) Every(interval time.Duration, task Task) *Timer {
	return l.schedule(interval, task, interval)
}

func (l *Loop) schedule(d time.Duration, task Task, periodic time.Duration) *Timer {
	t := &Timer{loop: l, deadline: time.Now().Add(d), task: task, periodic: periodic}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return t
}

// Stop shuts the loop down. Pending tasks are discarded and no further
// timers fire. Stop blocks until the loop goroutine exits and is
// idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *Loop) run() {
	defer close(l.doneCh)
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		var fire *Timer
		l.mu.Lock()
		now := time.Now()
		var next time.Duration = time.Hour
		if len(l.timers) > 0 {
			if d := l.timers[0].deadline.Sub(now); d <= 0 {
				fire = heap.Pop(&l.timers).(*Timer)
				if fire.periodic > 0 {
					fire.deadline = now.Add(fire.periodic)
					heap.Push(&l.timers, fire)
				}
			} else {
				next = d
			}
		}
		l.mu.Unlock()

		if fire != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			fire.task()
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(next)
		select {
		case <-l.stopCh:
			return
		case task := <-l.tasks:
			task()
		case <-l.wake:
		case <-idle.C:
		}
	}
}
