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
	"sync"
	"time"
)

// UdpPortReserver is an externally owned pool of pre-bound UDP sockets.
// The agent borrows sockets matching its local addresses at start and
// returns them when the owning transports stop; the reserver (or its
// owner) decides when they finally close.
type UdpPortReserver struct {
	mu    sync.Mutex
	socks []*net.UDPConn
}

// NewUdpPortReserver creates an empty reserver.
func NewUdpPortReserver() *UdpPortReserver {
	return &UdpPortReserver{}
}

// Reserve binds count sockets on each given address. Bind failures are
// skipped; the reserver holds whatever succeeded.
func (r *UdpPortReserver) Reserve(addrs []net.IP, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ip := range addrs {
		for n := 0; n < count; n++ {
			sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
			if err != nil {
				continue
			}
			r.socks = append(r.socks, sock)
		}
	}
	return nil
}

// Borrow takes one reserved socket bound on ip, or nil.
func (r *UdpPortReserver) Borrow(ip net.IP) *net.UDPConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.socks {
		la := s.LocalAddr().(*net.UDPAddr)
		if la.IP.Equal(ip) {
			r.socks = append(r.socks[:i], r.socks[i+1:]...)
			return s
		}
	}
	return nil
}

// Return hands a borrowed socket back, clearing any read deadline a
// transport left behind.
func (r *UdpPortReserver) Return(sock *net.UDPConn) {
	if sock == nil {
		return
	}
	sock.SetReadDeadline(time.Time{})
	r.mu.Lock()
	r.socks = append(r.socks, sock)
	r.mu.Unlock()
}

// Close releases every held socket.
func (r *UdpPortReserver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.socks {
		s.Close()
	}
	r.socks = nil
}
