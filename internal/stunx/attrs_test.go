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

package stunx

import (
	"testing"

	"github.com/pion/stun/v3"
)

func TestIceAttributes(t *testing.T) {
	t.Run("priority", func(t *testing.T) {
		msg, err := stun.Build(stun.BindingRequest, stun.TransactionID, PriorityAttr(0x6e7f00ff))
		if err != nil {
			t.Fatal(err)
		}
		var p PriorityAttr
		if err := p.GetFrom(msg); err != nil {
			t.Fatal(err)
		}
		if p != 0x6e7f00ff {
			t.Fatalf("priority round trip = %x", uint32(p))
		}
	})

	t.Run("use-candidate", func(t *testing.T) {
		msg, err := stun.Build(stun.BindingRequest, stun.TransactionID, UseCandidate())
		if err != nil {
			t.Fatal(err)
		}
		if !IsUseCandidate(msg) {
			t.Fatal("flag lost")
		}
		plain, err := stun.Build(stun.BindingRequest, stun.TransactionID)
		if err != nil {
			t.Fatal(err)
		}
		if IsUseCandidate(plain) {
			t.Fatal("flag invented")
		}
	})

	t.Run("controlling tie-breaker", func(t *testing.T) {
		msg, err := stun.Build(stun.BindingRequest, stun.TransactionID, AttrControlling(0xdeadbeefcafef00d))
		if err != nil {
			t.Fatal(err)
		}
		var c AttrControlling
		if err := c.GetFrom(msg); err != nil {
			t.Fatal(err)
		}
		if uint64(c) != 0xdeadbeefcafef00d {
			t.Fatalf("tie-breaker round trip = %x", uint64(c))
		}
		var cd AttrControlled
		if err := cd.GetFrom(msg); err == nil {
			t.Fatal("ICE-CONTROLLED must be absent")
		}
	})
}
