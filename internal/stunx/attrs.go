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
	"encoding/binary"

	"github.com/pion/stun/v3"
)

// PriorityAttr is the ICE PRIORITY attribute (RFC 8445 16.1).
type PriorityAttr uint32

// AddTo adds PRIORITY to m.
func (p PriorityAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(stun.AttrPriority, v)
	return nil
}

// GetFrom decodes PRIORITY from m.
func (p *PriorityAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrPriority)
	if err != nil {
		return err
	}
	if err := stun.CheckSize(stun.AttrPriority, len(v), 4); err != nil {
		return err
	}
	*p = PriorityAttr(binary.BigEndian.Uint32(v))
	return nil
}

// UseCandidateAttr is the flag-only USE-CANDIDATE attribute.
type UseCandidateAttr struct{}

// UseCandidate returns the USE-CANDIDATE setter.
func UseCandidate() UseCandidateAttr { return UseCandidateAttr{} }

// AddTo adds USE-CANDIDATE to m.
func (UseCandidateAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

// IsUseCandidate reports whether m carries USE-CANDIDATE.
func IsUseCandidate(m *stun.Message) bool {
	return m.Contains(stun.AttrUseCandidate)
}

// AttrControlling is ICE-CONTROLLING carrying the agent tie-breaker.
type AttrControlling uint64

// AddTo adds ICE-CONTROLLING to m.
func (c AttrControlling) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(c))
	m.Add(stun.AttrICEControlling, v)
	return nil
}

// GetFrom decodes ICE-CONTROLLING from m.
func (c *AttrControlling) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrICEControlling)
	if err != nil {
		return err
	}
	if err := stun.CheckSize(stun.AttrICEControlling, len(v), 8); err != nil {
		return err
	}
	*c = AttrControlling(binary.BigEndian.Uint64(v))
	return nil
}

// AttrControlled is ICE-CONTROLLED carrying the agent tie-breaker.
type AttrControlled uint64

// AddTo adds ICE-CONTROLLED to m.
func (c AttrControlled) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(c))
	m.Add(stun.AttrICEControlled, v)
	return nil
}

// GetFrom decodes ICE-CONTROLLED from m.
func (c *AttrControlled) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrICEControlled)
	if err != nil {
		return err
	}
	if err := stun.CheckSize(stun.AttrICEControlled, len(v), 8); err != nil {
		return err
	}
	*c = AttrControlled(binary.BigEndian.Uint64(v))
	return nil
}
