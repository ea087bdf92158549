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
)

func TestCalcPriority(t *testing.T) {
	t.Run("formula", func(t *testing.T) {
		got := calcPriority(126, 65535, 1)
		want := uint32(126)<<24 | uint32(65535)<<8 | 255
		if got != want {
			t.Fatalf("priority = %d, want %d", got, want)
		}
	})

	t.Run("component offset", func(t *testing.T) {
		p1 := chooseDefaultPriority(HostType, 65535, false, 1)
		p2 := chooseDefaultPriority(HostType, 65535, false, 2)
		if p1 != p2+1 {
			t.Fatalf("component 1 should outrank component 2 by one: %d vs %d", p1, p2)
		}
	})

	t.Run("type ordering", func(t *testing.T) {
		host := chooseDefaultPriority(HostType, 65535, false, 1)
		prflx := chooseDefaultPriority(PeerReflexiveType, 65535, false, 1)
		srflx := chooseDefaultPriority(ServerReflexiveType, 65535, false, 1)
		relay := chooseDefaultPriority(RelayedType, 65535, false, 1)
		if !(host > prflx && prflx > srflx && srflx > relay) {
			t.Fatalf("type preferences out of order: %d %d %d %d", host, prflx, srflx, relay)
		}
	})

	t.Run("vpn host sinks", func(t *testing.T) {
		vpn := chooseDefaultPriority(HostType, 65535, true, 1)
		relay := chooseDefaultPriority(RelayedType, 65535, false, 1)
		if vpn != relay {
			t.Fatalf("vpn host should use relay-level preference: %d vs %d", vpn, relay)
		}
	})

	t.Run("local pref distinguishes nics", func(t *testing.T) {
		a := chooseDefaultPriority(HostType, 65535, false, 1)
		b := chooseDefaultPriority(HostType, 65534, false, 1)
		if a == b {
			t.Fatal("distinct localPref must yield distinct priorities")
		}
	})
}

func TestFoundationRegistry(t *testing.T) {
	r := newFoundationRegistry()
	base := net.ParseIP("10.0.0.2")
	server := net.ParseIP("198.51.100.1")

	t.Run("deterministic", func(t *testing.T) {
		f1 := r.foundation(ServerReflexiveType, base, server, "udp")
		f2 := r.foundation(ServerReflexiveType, base, server, "udp")
		if f1 != f2 {
			t.Fatalf("same tuple must share a foundation: %q vs %q", f1, f2)
		}
		if len(f1) != 8 {
			t.Fatalf("foundation length = %d, want 8", len(f1))
		}
	})

	t.Run("distinct per tuple", func(t *testing.T) {
		f1 := r.foundation(ServerReflexiveType, base, server, "udp")
		if f := r.foundation(HostType, base, nil, "udp"); f == f1 {
			t.Fatal("different type must not share a foundation")
		}
		if f := r.foundation(ServerReflexiveType, base, net.ParseIP("203.0.113.9"), "udp"); f == f1 {
			t.Fatal("different server must not share a foundation")
		}
		if f := r.foundation(ServerReflexiveType, base, server, "tcp"); f == f1 {
			t.Fatal("different protocol must not share a foundation")
		}
	})
}

func TestParseCandidateType(t *testing.T) {
	for _, typ := range []CandidateType{HostType, PeerReflexiveType, ServerReflexiveType, RelayedType} {
		back, err := ParseCandidateType(typ.String())
		if err != nil {
			t.Fatalf("parse %q: %v", typ.String(), err)
		}
		if back != typ {
			t.Fatalf("round trip %v became %v", typ, back)
		}
	}
	if _, err := ParseCandidateType("bogus"); err == nil {
		t.Fatal("bogus type should not parse")
	}
}

func TestTransportAddress(t *testing.T) {
	a := TransportAddress{IP: net.ParseIP("fe80::1"), Port: 9, Zone: "eth0"}
	b := TransportAddress{IP: net.ParseIP("fe80::1"), Port: 9}
	if !a.Equal(b) {
		t.Fatal("zone must not affect equality")
	}
	if a.Key() != b.Key() {
		t.Fatal("zone must not affect the map key")
	}
	if a.UDPAddr().Zone != "eth0" {
		t.Fatal("zone must survive conversion for binding")
	}
}
