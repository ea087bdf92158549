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
	"net"
	"testing"

	"icewire/pkg/log"
	"icewire/pkg/loop"
)

func testComponent(t *testing.T) (*Component, *[]Candidate) {
	t.Helper()
	lp := loop.New(16)
	t.Cleanup(lp.Stop)
	c := newComponent(1, log.NewLogger(log.LevelSilent, "test"), lp, newFoundationRegistry())
	added := &[]Candidate{}
	c.events = componentEvents{
		onCandidateAdded:    func(_ *Component, cand Candidate) { *added = append(*added, cand) },
		onCandidateRemoved:  func(*Component, Candidate) {},
		onLocalFinished:     func(*Component) {},
		onGatheringComplete: func(*Component) {},
		onStopped:           func(*Component) {},
	}
	return c, added
}

func TestStoreNonRedundant(t *testing.T) {
	c, added := testComponent(t)

	addr := TransportAddress{IP: net.ParseIP("10.0.0.2"), Port: 5000}
	ext := TransportAddress{IP: net.ParseIP("198.51.100.5"), Port: 5000}

	host := Candidate{ID: 0, Info: &CandidateInfo{
		Type: HostType, ComponentID: 1, Addr: addr, Base: addr,
		Priority: chooseDefaultPriority(HostType, 65535, false, 1),
	}}
	c.candidates = append(c.candidates, host)

	srflx := &CandidateInfo{
		Type: ServerReflexiveType, ComponentID: 1, Addr: ext, Base: addr, Related: addr,
		Priority: chooseDefaultPriority(ServerReflexiveType, 65535, false, 1),
	}
	c.storeNonRedundant(Candidate{ID: 1, Info: srflx})
	if len(*added) != 1 {
		t.Fatalf("distinct srflx should be stored, added=%d", len(*added))
	}

	// the same (addr, base) again with equal priority is redundant
	dup := *srflx
	c.storeNonRedundant(Candidate{ID: 2, Info: &dup})
	if len(*added) != 1 {
		t.Fatal("redundant candidate must be discarded")
	}

	// a NAT that maps to the host address itself: srflx duplicates host
	noNAT := &CandidateInfo{
		Type: ServerReflexiveType, ComponentID: 1, Addr: addr, Base: addr, Related: addr,
		Priority: chooseDefaultPriority(ServerReflexiveType, 65535, false, 1),
	}
	c.storeNonRedundant(Candidate{ID: 3, Info: noNAT})
	if len(*added) != 1 {
		t.Fatal("srflx equal to host must be discarded")
	}
	if len(c.candidates) != 2 {
		t.Fatalf("candidate set = %d, want 2", len(c.candidates))
	}
}

func TestPeerReflexivePriority(t *testing.T) {
	c, _ := testComponent(t)
	t0 := &LocalTransport{}
	t1 := &LocalTransport{}
	c.transports = []*gatherTransport{{t: t0}, {t: t1}}

	p0 := c.peerReflexivePriority(t0, PathDirect)
	p1 := c.peerReflexivePriority(t1, PathDirect)
	p0r := c.peerReflexivePriority(t0, PathRelayed)
	unknown := c.peerReflexivePriority(&LocalTransport{}, PathDirect)

	if p0 <= p1 {
		t.Fatalf("earlier transport should rank higher: %d vs %d", p0, p1)
	}
	if p0r >= p1 {
		t.Fatalf("relayed path should rank below direct paths: %d vs %d", p0r, p1)
	}
	if unknown >= p0r {
		t.Fatalf("unknown transport slot should rank last: %d vs %d", unknown, p0r)
	}
	for _, p := range []uint32{p0, p1, p0r, unknown} {
		if p>>24 != 110 {
			t.Fatalf("peer-reflexive type preference must be 110, got %d", p>>24)
		}
	}
}

func TestConfigFrozenAfterUpdate(t *testing.T) {
	c, _ := testComponent(t)

	first := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}
	second := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 3478}

	c.setStunBindService(first)
	c.update()
	if c.active.stunBindAddr != first {
		t.Fatal("first assignment must become active")
	}
	c.setStunBindService(second)
	c.update()
	if c.active.stunBindAddr != first {
		t.Fatal("later assignments must be ignored")
	}
}
