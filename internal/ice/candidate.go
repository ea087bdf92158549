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

import "fmt"

// CandidateType per RFC 8445 5.1.1.
type CandidateType int

const (
	HostType CandidateType = iota
	PeerReflexiveType
	ServerReflexiveType
	RelayedType
)

func (t CandidateType) String() string {
	switch t {
	case HostType:
		return "host"
	case PeerReflexiveType:
		return "prflx"
	case ServerReflexiveType:
		return "srflx"
	case RelayedType:
		return "relay"
	}
	return "unknown"
}

// ParseCandidateType maps the wire string back to a type.
func ParseCandidateType(s string) (CandidateType, error) {
	switch s {
	case "host":
		return HostType, nil
	case "prflx":
		return PeerReflexiveType, nil
	case "srflx":
		return ServerReflexiveType, nil
	case "relay":
		return RelayedType, nil
	}
	return 0, fmt.Errorf("unknown candidate type %q", s)
}

// CandidateInfo is the candidate as exchanged and paired. Base is the
// bound interface address; Related is diagnostic only.
type CandidateInfo struct {
	Type        CandidateType
	Priority    uint32
	ComponentID int
	Network     int

	Addr    TransportAddress
	Base    TransportAddress
	Related TransportAddress

	Foundation string
	ID         string
}

func (ci *CandidateInfo) String() string {
	return fmt.Sprintf("%s %s", ci.Type, ci.Addr)
}

// makeRemotePrflx builds a just-learned remote peer-reflexive candidate
// (RFC 8445 7.3.1.3). The foundation is fresh and unique; signalling may
// later upgrade the candidate in place.
func makeRemotePrflx(componentID int, from TransportAddress, priority uint32) *CandidateInfo {
	return &CandidateInfo{
		Type:        PeerReflexiveType,
		Priority:    priority,
		ComponentID: componentID,
		Network:     -1,
		Addr:        TransportAddress{IP: from.IP, Port: from.Port},
		Foundation:  randomCredential(8),
	}
}

// calcPriority implements RFC 8445 5.1.2.1.
func calcPriority(typePref, localPref, componentID int) uint32 {
	return uint32(typePref)<<24 | uint32(localPref)<<8 | uint32(256-componentID)
}

// chooseDefaultPriority picks the standard type preference for a candidate.
// localPref must be distinct per interface, 65535 when there is only one.
// Host candidates on a VPN drop to the bottom together with relays.
func chooseDefaultPriority(t CandidateType, localPref int, isVPN bool, componentID int) uint32 {
	var typePref int
	switch t {
	case HostType:
		if !isVPN {
			typePref = 126
		}
	case PeerReflexiveType:
		typePref = 110
	case ServerReflexiveType:
		typePref = 100
	case RelayedType:
		typePref = 0
	}
	return calcPriority(typePref, localPref, componentID)
}

// Candidate binds a CandidateInfo to the transport that carries it.
type Candidate struct {
	// ID is unique across the component's live candidates.
	ID        int
	Info      *CandidateInfo
	Transport *LocalTransport
	Path      int
}
