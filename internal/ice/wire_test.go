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
	"encoding/json"
	"net"
	"testing"
)

func TestWireRoundTrip(t *testing.T) {
	t.Run("srflx keeps related", func(t *testing.T) {
		ci := &CandidateInfo{
			Type:        ServerReflexiveType,
			Priority:    chooseDefaultPriority(ServerReflexiveType, 65535, false, 1),
			ComponentID: 1,
			Network:     2,
			Addr:        TransportAddress{IP: net.ParseIP("198.51.100.5"), Port: 41000},
			Base:        TransportAddress{IP: net.ParseIP("10.0.0.2"), Port: 5000},
			Related:     TransportAddress{IP: net.ParseIP("10.0.0.2"), Port: 5000},
			Foundation:  "abcd1234",
			ID:          "cand-1",
		}
		w := toWire(Candidate{Info: ci})

		// through the signalling layer and back
		blob, err := json.Marshal(w)
		if err != nil {
			t.Fatal(err)
		}
		var w2 WireCandidate
		if err := json.Unmarshal(blob, &w2); err != nil {
			t.Fatal(err)
		}
		back, err := FromWire(w2)
		if err != nil {
			t.Fatal(err)
		}

		if back.Type != ci.Type || back.Priority != ci.Priority || back.ComponentID != ci.ComponentID {
			t.Fatalf("fields lost: %+v", back)
		}
		if !back.Addr.Equal(ci.Addr) || !back.Base.Equal(ci.Base) {
			t.Fatalf("addresses lost: %+v", back)
		}
		if back.Foundation != ci.Foundation || back.ID != ci.ID || back.Network != ci.Network {
			t.Fatalf("identity lost: %+v", back)
		}
	})

	t.Run("host omits related", func(t *testing.T) {
		ci := &CandidateInfo{
			Type:        HostType,
			ComponentID: 1,
			Addr:        TransportAddress{IP: net.ParseIP("192.0.2.1"), Port: 4000},
			Base:        TransportAddress{IP: net.ParseIP("192.0.2.1"), Port: 4000},
			Foundation:  "f1",
		}
		w := toWire(Candidate{Info: ci})
		if w.RelAddr != "" || w.RelPort != 0 {
			t.Fatalf("host candidate must not carry rel-addr, got %q:%d", w.RelAddr, w.RelPort)
		}
	})

	t.Run("zone stripped", func(t *testing.T) {
		ci := &CandidateInfo{
			Type:        HostType,
			ComponentID: 1,
			Addr:        TransportAddress{IP: net.ParseIP("fe80::1"), Port: 4000, Zone: "eth0"},
			Base:        TransportAddress{IP: net.ParseIP("fe80::1"), Port: 4000, Zone: "eth0"},
		}
		w := toWire(Candidate{Info: ci})
		if w.IP != "fe80::1" {
			t.Fatalf("zone leaked into the wire ip: %q", w.IP)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		cases := []WireCandidate{
			{IP: "not-an-ip", Port: 1, Component: 1, Type: "host"},
			{IP: "10.0.0.1", Port: 0, Component: 1, Type: "host"},
			{IP: "10.0.0.1", Port: 1, Component: 1, Type: "warp"},
			{IP: "10.0.0.1", Port: 1, Component: 0, Type: "host"},
			{IP: "10.0.0.1", Port: 1, Component: 1, Type: "srflx", RelAddr: "nope"},
		}
		for i, w := range cases {
			if _, err := FromWire(w); err == nil {
				t.Fatalf("case %d should fail", i)
			}
		}
	})
}
