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

package ice

import (
	"fmt"
	"net"
	"testing"
)

func TestPairPriority(t *testing.T) {
	cases := []struct {
		g, d uint32
	}{
		{100, 200},
		{200, 100},
		{100, 100},
		{0xFFFFFFFF, 1},
	}
	for _, c := range cases {
		got := pairPriority(c.g, c.d)
		min, max := uint64(c.g), uint64(c.d)
		if max < min {
			min, max = max, min
		}
		want := (uint64(1)<<32)*min + 2*max
		if c.g > c.d {
			want++
		}
		if got != want {
			t.Fatalf("pairPriority(%d,%d) = %d, want %d", c.g, c.d, got, want)
		}
	}
	if pairPriority(100, 200) == pairPriority(200, 100) {
		t.Fatal("controlling/controlled swap must break the tie")
	}
}

func testPair(component int, baseIP, remoteIP string, prio uint32) *CandidatePair {
	local := &CandidateInfo{
		Type:        HostType,
		ComponentID: component,
		Priority:    prio,
		Addr:        TransportAddress{IP: net.ParseIP(baseIP), Port: 1000},
		Base:        TransportAddress{IP: net.ParseIP(baseIP), Port: 1000},
		Foundation:  "L" + baseIP,
	}
	remote := &CandidateInfo{
		Type:        HostType,
		ComponentID: component,
		Priority:    prio,
		Addr:        TransportAddress{IP: net.ParseIP(remoteIP), Port: 2000},
		Foundation:  "R" + remoteIP,
	}
	return &CandidatePair{
		Local:      local,
		Remote:     remote,
		Priority:   pairPriority(prio, prio),
		Foundation: local.Foundation + remote.Foundation,
	}
}

func TestCheckListAdd(t *testing.T) {
	t.Run("sorted by priority", func(t *testing.T) {
		var cl checkList
		lo := testPair(1, "10.0.0.1", "10.0.0.2", 100)
		hi := testPair(1, "10.0.0.3", "10.0.0.4", 5000)
		cl.add([]*CandidatePair{lo, hi}, 1)
		if cl.pairs[0] != hi {
			t.Fatal("highest priority pair must come first")
		}
	})

	t.Run("prunes redundant", func(t *testing.T) {
		var cl checkList
		a := testPair(1, "10.0.0.1", "10.0.0.2", 100)
		b := testPair(1, "10.0.0.1", "10.0.0.2", 90)
		b.Local.Addr = TransportAddress{IP: net.ParseIP("192.0.2.7"), Port: 3}
		// same base and same remote: redundant, higher priority wins
		cl.add([]*CandidatePair{a, b}, 1)
		if len(cl.pairs) != 1 || cl.pairs[0] != a {
			t.Fatalf("redundant pair should be pruned, have %d pairs", len(cl.pairs))
		}
	})

	t.Run("caps the list", func(t *testing.T) {
		var cl checkList
		var pairs []*CandidatePair
		for i := 0; i < maxPairsPerComponent+50; i++ {
			p := testPair(1, fmt.Sprintf("10.0.%d.%d", i/250, i%250+1), fmt.Sprintf("10.9.%d.%d", i/250, i%250+1), uint32(i+1))
			pairs = append(pairs, p)
		}
		cl.add(pairs, 1)
		if len(cl.pairs) != maxPairsPerComponent {
			t.Fatalf("list should cap at %d, have %d", maxPairsPerComponent, len(cl.pairs))
		}
		// the dropped ones are the lowest-priority tail
		for _, p := range cl.pairs {
			if p.Priority < cl.pairs[len(cl.pairs)-1].Priority {
				t.Fatal("kept pair below the cut line")
			}
		}
	})
}

func TestCheckListUnfreeze(t *testing.T) {
	var cl checkList
	a := testPair(1, "10.0.0.1", "10.0.0.2", 300)
	b := testPair(1, "10.0.0.1", "10.0.0.9", 200)
	b.Foundation = a.Foundation // same group
	c := testPair(1, "10.0.0.5", "10.0.0.6", 100)
	cl.add([]*CandidatePair{a, b, c}, 1)
	cl.unfreezeInitial()

	waiting := 0
	for _, p := range cl.pairs {
		if p.State == PairWaiting {
			waiting++
		}
	}
	if waiting != 2 {
		t.Fatalf("one pair per foundation group should wait, have %d waiting", waiting)
	}
	if a.State != PairWaiting || b.State != PairFrozen || c.State != PairWaiting {
		t.Fatalf("unexpected states: %v %v %v", a.State, b.State, c.State)
	}
}

func TestCheckListNext(t *testing.T) {
	var cl checkList
	a := testPair(1, "10.0.0.1", "10.0.0.2", 300)
	b := testPair(1, "10.0.0.3", "10.0.0.4", 200)
	cl.add([]*CandidatePair{a, b}, 1)

	t.Run("triggered first", func(t *testing.T) {
		a.State = PairWaiting
		b.State = PairWaiting
		cl.triggered = []*CandidatePair{b}
		if got := cl.next(); got != b {
			t.Fatalf("triggered pair should preempt, got %v", got)
		}
		if !b.isTriggered {
			t.Fatal("popped pair should be marked triggered")
		}
	})

	t.Run("waiting by priority", func(t *testing.T) {
		a.State = PairWaiting
		b.State = PairWaiting
		if got := cl.next(); got != a {
			t.Fatalf("highest waiting pair expected, got %v", got)
		}
	})

	t.Run("frozen fallback", func(t *testing.T) {
		a.State = PairFrozen
		b.State = PairFrozen
		if got := cl.next(); got != a {
			t.Fatalf("highest frozen pair expected, got %v", got)
		}
	})

	t.Run("nothing left", func(t *testing.T) {
		a.State = PairFailed
		b.State = PairFailed
		if got := cl.next(); got != nil {
			t.Fatalf("expected nil, got %v", got)
		}
	})
}

func TestValidListOrder(t *testing.T) {
	var cl checkList
	lo := testPair(1, "10.0.0.1", "10.0.0.2", 10)
	hi := testPair(1, "10.0.0.3", "10.0.0.4", 900)
	mid := testPair(1, "10.0.0.5", "10.0.0.6", 500)
	cl.insertValid(lo)
	cl.insertValid(hi)
	cl.insertValid(mid)
	if cl.valid[0] != hi || cl.valid[1] != mid || cl.valid[2] != lo {
		t.Fatal("valid list must stay ordered by descending priority")
	}
	cl.removeValid(mid)
	if len(cl.valid) != 2 || cl.valid[0] != hi || cl.valid[1] != lo {
		t.Fatal("removeValid broke the list")
	}
}
