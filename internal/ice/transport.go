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
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"golang.org/x/net/ipv4"

	"icewire/internal/stunx"
	"icewire/pkg/log"
	"icewire/pkg/loop"
	"icewire/pkg/secure"
)

// Paths within one local transport.
const (
	PathDirect  = 0 // straight off the socket
	PathRelayed = 1 // wrapped through the TURN allocation
)

// Errors a transport reports to its component. ErrTransportStun and
// ErrTransportTurn only finish the affected discovery path; on
// ErrTransportBind the component erases the transport.
var (
	ErrTransportBind = errors.New("transport bind failed")
	ErrTransportStun = errors.New("stun binding discovery failed")
	ErrTransportTurn = errors.New("turn allocation failed")
)

const (
	bindRefreshInterval = 25 * time.Second
	maxBindRetries      = 3
	maxDatagramSize     = 65536
)

type transportEvents struct {
	onStarted          func(*LocalTransport)
	onAddressesChanged func(*LocalTransport)
	onError            func(*LocalTransport, error)
	onStopped          func(*LocalTransport)
	// onDatagram runs on the reader goroutine; the receiver queues.
	onDatagram func(t *LocalTransport, path int, data []byte, from TransportAddress)
	// onStunRequest runs on the loop, already authenticated by the pool.
	onStunRequest func(t *LocalTransport, path int, msg *stun.Message, from TransportAddress)
}

type transportConfig struct {
	logger   *log.Logger
	loop     *loop.Loop
	local    LocalAddress
	sock     *net.UDPConn // pre-bound (borrowed) socket, or nil
	borrowed bool

	stunBindAddr *net.UDPAddr
	turnAddr     *net.UDPAddr
	turnUser     string
	turnPass     *secure.Bytes
	turnRealm    string

	dscp      int
	optimized bool
	ta        time.Duration

	events transportEvents
}

// LocalTransport owns one UDP socket and both of its paths: direct
// send/receive, and the TURN-relayed path once an allocation exists. All
// inbound bytes pass the STUN demultiplexer first.
type LocalTransport struct {
	cfg    transportConfig
	logger *log.Logger
	loop   *loop.Loop

	mu        sync.Mutex
	sock      *net.UDPConn
	relayConn net.PacketConn
	stopped   bool

	pool      *stunx.Pool // path 0
	relayPool *stunx.Pool // path 1

	turnClient *turn.Client

	laddr           TransportAddress
	reflexive       TransportAddress
	reflexiveSource net.IP
	relayed         TransportAddress

	stunAlive    bool
	stunViaTurn  bool
	turnAlive    bool
	bindRetries  int
	refreshTimer *loop.Timer

	channelPeers map[string]bool
}

func newLocalTransport(cfg transportConfig) *LocalTransport {
	t := &LocalTransport{
		cfg:          cfg,
		logger:       cfg.logger,
		loop:         cfg.loop,
		sock:         cfg.sock,
		channelPeers: make(map[string]bool),
	}
	t.pool = stunx.NewPool(stunx.PoolConfig{
		Loop:        cfg.loop,
		Logger:      cfg.logger,
		Fingerprint: true,
		Send:        func(pkt []byte, dst *net.UDPAddr) { t.send(PathDirect, pkt, dst) },
		OnRequest: func(msg *stun.Message, from *net.UDPAddr) {
			cfg.events.onStunRequest(t, PathDirect, msg, NewTransportAddress(from))
		},
	})
	t.relayPool = stunx.NewPool(stunx.PoolConfig{
		Loop:        cfg.loop,
		Logger:      cfg.logger,
		Fingerprint: true,
		Send:        func(pkt []byte, dst *net.UDPAddr) { t.send(PathRelayed, pkt, dst) },
		OnRequest: func(msg *stun.Message, from *net.UDPAddr) {
			cfg.events.onStunRequest(t, PathRelayed, msg, NewTransportAddress(from))
		},
	})
	if cfg.optimized {
		t.pool.SetOptimized(cfg.ta)
		t.relayPool.SetOptimized(cfg.ta)
	}
	return t
}

// Pool returns the transaction pool for a path; the agent issues its
// connectivity checks through it.
func (t *LocalTransport) Pool(path int) *stunx.Pool {
	if path == PathRelayed {
		return t.relayPool
	}
	return t.pool
}

// LocalAddr is the bound socket address.
func (t *LocalTransport) LocalAddr() TransportAddress { return t.laddr }

// ReflexiveAddr is the server-reflexive address, when discovered.
func (t *LocalTransport) ReflexiveAddr() TransportAddress { return t.reflexive }

// ReflexiveSource is the IP of the server that reported the reflexive
// address; it feeds the candidate foundation.
func (t *LocalTransport) ReflexiveSource() net.IP { return t.reflexiveSource }

// RelayedAddr is the TURN-allocated relay address, when allocated.
func (t *LocalTransport) RelayedAddr() TransportAddress { return t.relayed }

// StunAlive reports whether binding discovery is configured and healthy.
func (t *LocalTransport) StunAlive() bool { return t.stunAlive }

// TurnAlive reports whether the TURN allocation is live.
func (t *LocalTransport) TurnAlive() bool { return t.turnAlive }

// HasStunBind reports whether a binding server is configured.
func (t *LocalTransport) HasStunBind() bool { return t.cfg.stunBindAddr != nil }

// HasTurn reports whether a relay server is configured.
func (t *LocalTransport) HasTurn() bool { return t.cfg.turnAddr != nil }

// Borrowed reports whether the socket came from a port reserver.
func (t *LocalTransport) Borrowed() bool { return t.cfg.borrowed }

// start binds (unless a borrowed socket was supplied) and begins reading.
// Runs on the loop.
func (t *LocalTransport) start() {
	if t.sock == nil {
		sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: t.cfg.local.IP, Port: 0})
		if err != nil {
			t.logger.Warningf("bind on %s failed: %v", t.cfg.local.IP, err)
			t.cfg.events.onError(t, ErrTransportBind)
			return
		}
		t.sock = sock
	}
	if t.cfg.dscp > 0 && t.cfg.local.IP.To4() != nil {
		if err := ipv4.NewPacketConn(t.sock).SetTOS(t.cfg.dscp << 2); err != nil {
			t.logger.Verbosef("cannot set dscp on %s: %v", t.cfg.local.IP, err)
		}
	}
	t.laddr = NewTransportAddress(t.sock.LocalAddr().(*net.UDPAddr))
	go t.readLoop(t.sock)
	t.cfg.events.onStarted(t)
}

// stunStart issues the configured discovery flows. Runs on the loop.
// When the bind and relay server are one host, the TURN client answers
// both questions and the pool does not race it for the socket's packets.
func (t *LocalTransport) stunStart() {
	if t.cfg.stunBindAddr != nil {
		if sameServer(t.cfg.stunBindAddr, t.cfg.turnAddr) {
			t.stunViaTurn = true
		} else {
			t.stunAlive = true
			t.sendBindingDiscovery()
		}
	}
	if t.cfg.turnAddr != nil {
		t.startTurn()
	}
}

func sameServer(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

func (t *LocalTransport) sendBindingDiscovery() {
	_, err := t.pool.SendServerRequest(stun.BindingRequest, nil, t.cfg.stunBindAddr, func(r stunx.Result) {
		t.handleBindingDiscovery(r)
	})
	if err != nil {
		t.stunDead()
	}
}

func (t *LocalTransport) handleBindingDiscovery(r stunx.Result) {
	if t.isStopped() {
		return
	}
	if r.Err != nil {
		t.stunDead()
		return
	}
	// the response must come back from the server we asked
	if r.From != nil && !sameServer(r.From, t.cfg.stunBindAddr) {
		t.bindingMismatch()
		return
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(r.Response); err != nil {
		t.stunDead()
		return
	}
	addr := TransportAddress{IP: mapped.IP, Port: mapped.Port}
	if !addr.Equal(t.reflexive) {
		t.reflexive = addr
		t.reflexiveSource = t.cfg.stunBindAddr.IP
		t.cfg.events.onAddressesChanged(t)
	}
	if t.refreshTimer == nil {
		t.refreshTimer = t.loop.Every(bindRefreshInterval, t.sendBindingDiscovery)
	}
}

// bindingMismatch rebinds on a fresh port and retries discovery. Borrowed
// sockets and IPv6 are exempt.
func (t *LocalTransport) bindingMismatch() {
	if t.cfg.borrowed || t.cfg.local.IP.To4() == nil {
		t.stunDead()
		return
	}
	t.bindRetries++
	if t.bindRetries >= maxBindRetries {
		t.stunDead()
		return
	}
	t.logger.Infof("stun mismatch on %s, rebinding", t.laddr)
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: t.cfg.local.IP, Port: 0})
	if err != nil {
		t.stunDead()
		return
	}
	t.mu.Lock()
	old := t.sock
	t.sock = sock
	t.mu.Unlock()
	old.Close()
	t.laddr = NewTransportAddress(sock.LocalAddr().(*net.UDPAddr))
	go t.readLoop(sock)
	t.sendBindingDiscovery()
}

func (t *LocalTransport) stunDead() {
	hadAddr := t.reflexive.IsValid()
	t.stunAlive = false
	t.reflexive = TransportAddress{}
	if t.refreshTimer != nil {
		t.refreshTimer.Stop()
		t.refreshTimer = nil
	}
	if hadAddr {
		t.cfg.events.onAddressesChanged(t)
	} else {
		t.cfg.events.onError(t, ErrTransportStun)
	}
}

func (t *LocalTransport) startTurn() {
	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = logging.LogLevelWarn
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: t.cfg.turnAddr.String(),
		TURNServerAddr: t.cfg.turnAddr.String(),
		Conn:           t.sock,
		Username:       t.cfg.turnUser,
		Password:       string(t.cfg.turnPass.Bytes()),
		Realm:          t.cfg.turnRealm,
		LoggerFactory:  factory,
	})
	if err != nil {
		t.logger.Warningf("turn client on %s: %v", t.laddr, err)
		t.cfg.events.onError(t, ErrTransportTurn)
		return
	}
	t.mu.Lock()
	t.turnClient = client
	t.mu.Unlock()

	// Allocate blocks on its transaction; the socket reader keeps the
	// client fed through HandleInbound, so run it off-loop.
	go func() {
		relayConn, err := client.Allocate()
		var mapped net.Addr
		if err == nil {
			mapped, _ = client.SendBindingRequest()
		}
		t.loop.Post(func() { t.turnAllocated(relayConn, mapped, err) })
	}()
}

func (t *LocalTransport) turnAllocated(relayConn net.PacketConn, mapped net.Addr, err error) {
	if t.isStopped() {
		if relayConn != nil {
			relayConn.Close()
		}
		return
	}
	if err != nil {
		t.logger.Warningf("turn allocate on %s: %v", t.laddr, err)
		t.turnAlive = false
		t.cfg.events.onError(t, ErrTransportTurn)
		if t.stunViaTurn {
			t.cfg.events.onError(t, ErrTransportStun)
		}
		return
	}
	relayed, ok := relayConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		relayConn.Close()
		t.cfg.events.onError(t, ErrTransportTurn)
		return
	}
	t.mu.Lock()
	t.relayConn = relayConn
	t.mu.Unlock()
	t.turnAlive = true
	t.relayed = NewTransportAddress(relayed)
	if ua, ok := mapped.(*net.UDPAddr); ok && !t.reflexive.IsValid() {
		t.reflexive = NewTransportAddress(ua)
		t.reflexiveSource = t.cfg.turnAddr.IP
	}
	go t.relayReadLoop(relayConn)
	// allocation and permission refreshes stay inside the turn client
	t.cfg.events.onAddressesChanged(t)
}

// AddChannelPeer flags addr for low-overhead relaying. The first relayed
// write installs the TURN permission; the turn client's binding manager
// then moves steady traffic onto a bound channel (4-byte header).
func (t *LocalTransport) AddChannelPeer(addr TransportAddress) {
	key := addr.Key()
	if t.channelPeers[key] {
		return
	}
	t.channelPeers[key] = true
	t.mu.Lock()
	relay := t.relayConn
	t.mu.Unlock()
	if relay != nil {
		if _, err := relay.WriteTo([]byte{}, addr.UDPAddr()); err != nil {
			t.logger.Verbosef("channel prime to %s: %v", addr, err)
		}
	}
}

// WriteDatagram sends application data on a path. Safe from any goroutine.
func (t *LocalTransport) WriteDatagram(path int, data []byte, to TransportAddress) error {
	return t.send(path, data, to.UDPAddr())
}

func (t *LocalTransport) send(path int, pkt []byte, dst *net.UDPAddr) error {
	t.mu.Lock()
	sock, relay, stopped := t.sock, t.relayConn, t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrTransportBind
	}
	var err error
	if path == PathRelayed {
		if relay == nil {
			return ErrTransportTurn
		}
		_, err = relay.WriteTo(pkt, dst)
	} else {
		if sock == nil {
			return ErrTransportBind
		}
		_, err = sock.WriteToUDP(pkt, dst)
	}
	return err
}

func (t *LocalTransport) readLoop(sock *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.mu.Lock()
		turnClient := t.turnClient
		t.mu.Unlock()
		if turnClient != nil && sameServer(from, t.cfg.turnAddr) {
			if handled, _ := turnClient.HandleInbound(data, from); handled {
				continue
			}
		}
		if t.pool.Deliver(data, from) {
			continue
		}
		t.cfg.events.onDatagram(t, PathDirect, data, NewTransportAddress(from))
	}
}

func (t *LocalTransport) relayReadLoop(relay net.PacketConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := relay.ReadFrom(buf)
		if err != nil {
			return
		}
		ua, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if t.relayPool.Deliver(data, ua) {
			continue
		}
		t.cfg.events.onDatagram(t, PathRelayed, data, NewTransportAddress(ua))
	}
}

func (t *LocalTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// stop shuts the transport down: transactions are cancelled, the TURN
// allocation is released, the socket closed or handed back when borrowed.
// Runs on the loop; idempotent.
func (t *LocalTransport) stop() (returned *net.UDPConn) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	sock, relay, turnClient := t.sock, t.relayConn, t.turnClient
	t.sock, t.relayConn, t.turnClient = nil, nil, nil
	t.mu.Unlock()

	if t.refreshTimer != nil {
		t.refreshTimer.Stop()
		t.refreshTimer = nil
	}
	t.pool.Stop()
	t.relayPool.Stop()
	if relay != nil {
		relay.Close()
	}
	if turnClient != nil {
		turnClient.Close()
	}
	t.cfg.turnPass.Wipe()
	if sock != nil {
		if t.cfg.borrowed {
			// kick the reader off the socket before handing it back
			sock.SetReadDeadline(time.Now())
			returned = sock
		} else {
			sock.Close()
		}
	}
	t.cfg.events.onStopped(t)
	return returned
}
