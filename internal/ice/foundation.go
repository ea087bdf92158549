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

	"github.com/pion/randutil"
)

const runesAlphanum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var mathRand = randutil.NewMathRandomGenerator()

// randomCredential returns n random alphanumeric characters suitable for
// ufrags, passwords, candidate ids and foundations.
func randomCredential(n int) string {
	s, err := randutil.GenerateCryptoRandomString(n, runesAlphanum)
	if err != nil {
		// crypto source failure; math source keeps the engine moving
		return mathRand.GenerateString(n, runesAlphanum)
	}
	return s
}

// newTieBreaker returns the 64-bit role-conflict tie-breaker.
func newTieBreaker() uint64 {
	return mathRand.Uint64()
}

type foundationKey struct {
	typ      CandidateType
	baseIP   string
	serverIP string
	proto    string
}

// foundationRegistry assigns one short random string per
// (type, base, server, protocol) tuple, so candidates that share a NAT
// pinhole share a foundation (RFC 8445 5.1.1.3).
type foundationRegistry struct {
	foundations map[foundationKey]string
	used        map[string]bool
}

func newFoundationRegistry() *foundationRegistry {
	return &foundationRegistry{
		foundations: make(map[foundationKey]string),
		used:        make(map[string]bool),
	}
}

func (r *foundationRegistry) foundation(t CandidateType, baseIP, serverIP net.IP, proto string) string {
	key := foundationKey{typ: t, proto: proto}
	if baseIP != nil {
		key.baseIP = baseIP.String()
	}
	if serverIP != nil {
		key.serverIP = serverIP.String()
	}
	if f, ok := r.foundations[key]; ok {
		return f
	}
	f := randomCredential(8)
	for r.used[f] {
		f = randomCredential(8)
	}
	r.foundations[key] = f
	r.used[f] = true
	return f
}
