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
)

// WireCandidate is the candidate tuple the signalling layer carries
// verbatim (XEP-0176 shape). IPv6 zones are stripped on the way out.
type WireCandidate struct {
	Component  int    `json:"component"`
	Foundation string `json:"foundation"`
	Generation int    `json:"generation"`
	ID         string `json:"id"`
	IP         string `json:"ip"`
	Network    int    `json:"network"`
	Port       int    `json:"port"`
	Priority   uint32 `json:"priority"`
	Protocol   string `json:"protocol"`
	RelAddr    string `json:"rel-addr,omitempty"`
	RelPort    int    `json:"rel-port,omitempty"`
	RemAddr    string `json:"rem-addr,omitempty"`
	RemPort    int    `json:"rem-port,omitempty"`
	Type       string `json:"type"`
}

// Credentials is the (ufrag, password) tuple exchanged out of band.
type Credentials struct {
	Ufrag    string `json:"ufrag"`
	Password string `json:"pwd"`
}

// toWire serializes a local candidate for the peer.
func toWire(cand Candidate) WireCandidate {
	ci := cand.Info
	out := WireCandidate{
		Component:  ci.ComponentID,
		Foundation: ci.Foundation,
		ID:         ci.ID,
		IP:         ci.Addr.IP.String(), // String drops nothing; zone lives outside net.IP
		Network:    ci.Network,
		Port:       ci.Addr.Port,
		Priority:   ci.Priority,
		Protocol:   "udp",
		Type:       ci.Type.String(),
	}
	if ci.Type != HostType && ci.Related.IsValid() {
		out.RelAddr = ci.Related.IP.String()
		out.RelPort = ci.Related.Port
	}
	return out
}

// FromWire parses a signalled candidate back into the engine shape.
func FromWire(w WireCandidate) (*CandidateInfo, error) {
	ip := net.ParseIP(w.IP)
	if ip == nil {
		return nil, fmt.Errorf("bad candidate ip %q", w.IP)
	}
	if w.Port <= 0 || w.Port > 65535 {
		return nil, fmt.Errorf("bad candidate port %d", w.Port)
	}
	t, err := ParseCandidateType(w.Type)
	if err != nil {
		return nil, err
	}
	if w.Component < 1 || w.Component > 256 {
		return nil, fmt.Errorf("bad candidate component %d", w.Component)
	}
	ci := &CandidateInfo{
		Type:        t,
		Priority:    w.Priority,
		ComponentID: w.Component,
		Network:     w.Network,
		Addr:        TransportAddress{IP: ip, Port: w.Port},
		Foundation:  w.Foundation,
		ID:          w.ID,
	}
	if w.RelAddr != "" {
		rel := net.ParseIP(w.RelAddr)
		if rel == nil {
			return nil, fmt.Errorf("bad candidate rel-addr %q", w.RelAddr)
		}
		ci.Base = TransportAddress{IP: rel, Port: w.RelPort}
		ci.Related = ci.Base
	}
	return ci, nil
}
