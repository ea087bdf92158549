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

package secure

import "testing"

func TestBytesWipe(t *testing.T) {
	src := []byte("hunter2hunter2")
	s := NewBytes(src)

	// the buffer is a copy, not an alias
	src[0] = 'X'
	if s.Bytes()[0] == 'X' {
		t.Fatal("buffer aliases the source")
	}

	backing := s.Bytes()
	s.Wipe()
	for i, b := range backing[:cap(backing)] {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	if !s.Empty() {
		t.Fatal("wiped buffer should be empty")
	}
}

func TestNilSafety(t *testing.T) {
	var s *Bytes
	if !s.Empty() {
		t.Fatal("nil is empty")
	}
	if s.Bytes() != nil {
		t.Fatal("nil has no bytes")
	}
	s.Wipe()
}
