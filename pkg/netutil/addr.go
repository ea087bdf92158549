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

// Package netutil enumerates local interface addresses and orders them the
// way the gathering layer wants them: closer scope first, IPv6 before IPv4
// within a scope.
package netutil

import (
	"net"
	"sort"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// Addr is one usable interface address.
type Addr struct {
	IP      net.IP
	Network int // interface index, distinct per nic
	IsVPN   bool
}

// Address scopes, closest first.
const (
	ScopeLoopback = iota
	ScopeLinkLocal
	ScopePrivate
	ScopePublic
)

// Scope classifies an address by reachability.
func Scope(ip net.IP) int {
	if ip.IsLoopback() {
		return ScopeLoopback
	}
	if ip.IsLinkLocalUnicast() {
		return ScopeLinkLocal
	}
	if v4 := ip.To4(); v4 != nil {
		switch {
		case v4[0] == 10,
			v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31,
			v4[0] == 192 && v4[1] == 168:
			return ScopePrivate
		}
	} else if ip.IsPrivate() {
		return ScopePrivate
	}
	return ScopePublic
}

// ComparePriority returns -1 when a should be tried before b, 1 for the
// reverse, 0 when equal.
func ComparePriority(a, b net.IP) int {
	as, bs := Scope(a), Scope(b)
	if as != bs {
		if as < bs {
			return -1
		}
		return 1
	}
	a6, b6 := a.To4() == nil, b.To4() == nil
	if a6 != b6 {
		if a6 {
			return -1
		}
		return 1
	}
	return 0
}

// SortAddrs orders addresses by descending preference, stably.
func SortAddrs(in []Addr) []Addr {
	out := make([]Addr, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return ComparePriority(out[i].IP, out[j].IP) < 0
	})
	return out
}

var vpnPrefixes = []string{"tun", "tap", "wg", "utun", "ppp", "tailscale"}

func looksLikeVPN(ifc gnet.InterfaceStat) bool {
	for _, f := range ifc.Flags {
		if f == "pointtopoint" {
			return true
		}
	}
	for _, p := range vpnPrefixes {
		if strings.HasPrefix(ifc.Name, p) {
			return true
		}
	}
	return false
}

// Discover lists addresses of all interfaces that are up, excluding
// loopback unless includeLoopback is set. The interface index becomes the
// address network id.
func Discover(includeLoopback bool) ([]Addr, error) {
	ifcs, err := gnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Addr
	for _, ifc := range ifcs {
		up, lo := false, false
		for _, f := range ifc.Flags {
			switch f {
			case "up":
				up = true
			case "loopback":
				lo = true
			}
		}
		if !up || (lo && !includeLoopback) {
			continue
		}
		vpn := looksLikeVPN(ifc)
		for _, a := range ifc.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.IsUnspecified() || ip.IsMulticast() {
				continue
			}
			out = append(out, Addr{IP: ip, Network: ifc.Index, IsVPN: vpn})
		}
	}
	return SortAddrs(out), nil
}
