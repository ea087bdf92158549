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

package config

import (
	"testing"
)

func TestResolveServer(t *testing.T) {
	t.Run("empty spec", func(t *testing.T) {
		addr, err := ResolveServer("")
		if err != nil || addr != nil {
			t.Fatalf("empty spec should resolve to nothing, got %v %v", addr, err)
		}
	})

	t.Run("literal ip", func(t *testing.T) {
		addr, err := ResolveServer("198.51.100.1:3478")
		if err != nil {
			t.Fatal(err)
		}
		if addr.Port != 3478 || addr.IP.String() != "198.51.100.1" {
			t.Fatalf("resolved to %v", addr)
		}
	})

	t.Run("literal ipv6", func(t *testing.T) {
		addr, err := ResolveServer("[2001:db8::1]:3478")
		if err != nil {
			t.Fatal(err)
		}
		if addr.IP.String() != "2001:db8::1" {
			t.Fatalf("resolved to %v", addr)
		}
	})

	t.Run("bad specs", func(t *testing.T) {
		for _, spec := range []string{"no-port", "1.2.3.4:notaport", "1.2.3.4:0", "1.2.3.4:70000"} {
			if _, err := ResolveServer(spec); err == nil {
				t.Errorf("spec %q should fail", spec)
			}
		}
	})
}
