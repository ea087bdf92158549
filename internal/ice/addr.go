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

	"icewire/pkg/netutil"
)

// TransportAddress is an (IP, port) endpoint. The IPv6 zone is kept
// internally for link-local binding but ignored in comparisons and
// stripped when serializing for the peer.
type TransportAddress struct {
	IP   net.IP
	Port int
	Zone string
}

// NewTransportAddress builds a TransportAddress from a UDP address.
func NewTransportAddress(a *net.UDPAddr) TransportAddress {
	if a == nil {
		return TransportAddress{}
	}
	return TransportAddress{IP: a.IP, Port: a.Port, Zone: a.Zone}
}

// IsValid reports whether the address is set.
func (a TransportAddress) IsValid() bool { return len(a.IP) > 0 }

// IsIPv6 reports the address family.
func (a TransportAddress) IsIPv6() bool { return a.IP.To4() == nil }

// Equal compares by value, ignoring the zone.
func (a TransportAddress) Equal(b TransportAddress) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Key is a map key for the address, zone stripped.
func (a TransportAddress) Key() string {
	return fmt.Sprintf("%s;%d", a.IP.String(), a.Port)
}

// UDPAddr converts back to the net form, zone included.
func (a TransportAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port, Zone: a.Zone}
}

func (a TransportAddress) String() string {
	if !a.IsValid() {
		return "<unset>"
	}
	return fmt.Sprintf("%s;%d", a.IP.String(), a.Port)
}

// sameFamily reports whether the two addresses can form a pair.
func sameFamily(a, b TransportAddress) bool {
	return (a.IP.To4() == nil) == (b.IP.To4() == nil)
}

// LocalAddress is a bindable local interface address. Distinct Network
// values map to distinct localPref values in candidate priorities.
type LocalAddress struct {
	IP      net.IP
	Network int
	IsVPN   bool
}

// LocalAddressesFromNetutil adapts discovered interface addresses.
func LocalAddressesFromNetutil(addrs []netutil.Addr) []LocalAddress {
	out := make([]LocalAddress, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, LocalAddress{IP: a.IP, Network: a.Network, IsVPN: a.IsVPN})
	}
	return out
}

// ExternalAddress is an operator-supplied static NAT mapping for a local
// address. PortBase < 0 means any port on the base qualifies.
type ExternalAddress struct {
	Base     LocalAddress
	IP       net.IP
	PortBase int
}
