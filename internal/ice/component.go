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
	"time"

	"github.com/pion/stun/v3"

	"icewire/pkg/log"
	"icewire/pkg/loop"
	"icewire/pkg/metrics"
	"icewire/pkg/secure"
)

type componentEvents struct {
	onCandidateAdded    func(c *Component, cand Candidate)
	onCandidateRemoved  func(c *Component, cand Candidate)
	onLocalFinished     func(c *Component)
	onGatheringComplete func(c *Component)
	onStopped           func(c *Component)
	onDatagram          func(c *Component, t *LocalTransport, path int, data []byte, from TransportAddress)
	onStunRequest       func(c *Component, t *LocalTransport, path int, msg *stun.Message, from TransportAddress)
}

// componentConfig is the pending/active config split: each field group can
// be assigned once; later pending assignments are ignored by update.
type componentConfig struct {
	localAddrs []LocalAddress
	extAddrs   []ExternalAddress

	stunBindAddr *net.UDPAddr
	turnAddr     *net.UDPAddr
	turnUser     string
	turnPass     *secure.Bytes
	turnRealm    string
}

// gatherTransport wraps a LocalTransport with per-component gathering
// bookkeeping.
type gatherTransport struct {
	t    *LocalTransport
	addr LocalAddress

	started      bool
	stunStarted  bool
	stunFinished bool
	turnFinished bool

	extAddr     net.IP
	extFinished bool
}

// Component aggregates the local transports and candidates of one
// componentId. Everything runs on the owning agent's loop.
type Component struct {
	id     int
	logger *log.Logger
	loop   *loop.Loop

	foundations *foundationRegistry
	reserver    *UdpPortReserver

	useLocalHost bool
	dscp         int
	optimized    bool
	ta           time.Duration

	pending componentConfig
	active  componentConfig

	transports []*gatherTransport
	candidates []Candidate

	// channel peers per candidate id, flagged low-overhead
	channelPeers map[int]map[string]bool

	localFinished     bool
	gatheringComplete bool
	stopping          bool

	events componentEvents
}

func newComponent(id int, logger *log.Logger, lp *loop.Loop, foundations *foundationRegistry) *Component {
	return &Component{
		id:           id,
		logger:       logger,
		loop:         lp,
		foundations:  foundations,
		useLocalHost: true,
		channelPeers: make(map[int]map[string]bool),
	}
}

// ID is the componentId, 1-based.
func (c *Component) ID() int { return c.id }

// IsGatheringComplete reports whether every discovery path concluded.
func (c *Component) IsGatheringComplete() bool { return c.gatheringComplete }

func (c *Component) setLocalAddresses(addrs []LocalAddress) { c.pending.localAddrs = addrs }
func (c *Component) setExternalAddresses(addrs []ExternalAddress) {
	c.pending.extAddrs = addrs
}
func (c *Component) setStunBindService(addr *net.UDPAddr) { c.pending.stunBindAddr = addr }
func (c *Component) setStunRelayService(addr *net.UDPAddr, user string, pass *secure.Bytes, realm string) {
	c.pending.turnAddr = addr
	c.pending.turnUser = user
	c.pending.turnPass = pass
	c.pending.turnRealm = realm
}

// update reconciles pending config with active config and starts
// transports for newly accepted local addresses.
func (c *Component) update() {
	if c.pending.stunBindAddr != nil && c.active.stunBindAddr == nil {
		c.active.stunBindAddr = c.pending.stunBindAddr
	}
	if c.pending.turnAddr != nil && c.active.turnAddr == nil {
		c.active.turnAddr = c.pending.turnAddr
		c.active.turnUser = c.pending.turnUser
		c.active.turnPass = c.pending.turnPass
		c.active.turnRealm = c.pending.turnRealm
	}

	if len(c.pending.localAddrs) > 0 && len(c.active.localAddrs) == 0 {
		for _, la := range c.pending.localAddrs {
			if c.findLocalAddr(la.IP) != -1 {
				continue
			}
			var sock *net.UDPConn
			if c.reserver != nil && c.useLocalHost {
				sock = c.reserver.Borrow(la.IP)
			}
			c.active.localAddrs = append(c.active.localAddrs, la)

			gt := &gatherTransport{addr: la}
			cfg := transportConfig{
				logger:    c.logger,
				loop:      c.loop,
				local:     la,
				sock:      sock,
				borrowed:  sock != nil,
				dscp:      c.dscp,
				optimized: c.optimized,
				ta:        c.ta,
			}
			// STUN and TURN discovery stay off IPv6 transports, as the
			// servers are configured by IPv4 address.
			if la.IP.To4() != nil {
				cfg.stunBindAddr = c.active.stunBindAddr
				if c.active.turnAddr != nil && c.active.turnUser != "" {
					cfg.turnAddr = c.active.turnAddr
					cfg.turnUser = c.active.turnUser
					cfg.turnPass = c.active.turnPass
					cfg.turnRealm = c.active.turnRealm
				}
			}
			cfg.events = transportEvents{
				onStarted:          func(t *LocalTransport) { c.transportStarted(gt) },
				onAddressesChanged: func(t *LocalTransport) { c.transportAddressesChanged(gt) },
				onError:            func(t *LocalTransport, err error) { c.transportError(gt, err) },
				onStopped:          func(t *LocalTransport) {},
				onDatagram: func(t *LocalTransport, path int, data []byte, from TransportAddress) {
					c.events.onDatagram(c, t, path, data, from)
				},
				onStunRequest: func(t *LocalTransport, path int, msg *stun.Message, from TransportAddress) {
					c.events.onStunRequest(c, t, path, msg, from)
				},
			}
			gt.t = newLocalTransport(cfg)
			c.transports = append(c.transports, gt)
			gt.t.start()
			if c.stopping {
				return
			}
		}
	}

	if len(c.pending.extAddrs) > 0 && len(c.active.extAddrs) == 0 {
		c.active.extAddrs = c.pending.extAddrs
		for _, gt := range c.transports {
			if gt.extAddr != nil || gt.addr.IP.To4() == nil {
				continue
			}
			la := gt.t.LocalAddr()
			for _, ea := range c.active.extAddrs {
				if ea.Base.IP.Equal(gt.addr.IP) && (ea.PortBase < 0 || ea.PortBase == la.Port) {
					gt.extAddr = ea.IP
					if gt.started {
						c.ensureExt(gt)
					}
					break
				}
			}
		}
	}

	if len(c.transports) == 0 && !c.localFinished {
		c.localFinished = true
		c.events.onLocalFinished(c)
	}
	c.tryGatheringComplete()
}

func (c *Component) findLocalAddr(ip net.IP) int {
	for i, la := range c.active.localAddrs {
		if la.IP.Equal(ip) {
			return i
		}
	}
	return -1
}

func (c *Component) transportIndex(t *LocalTransport) int {
	for i, gt := range c.transports {
		if gt.t == t {
			return i
		}
	}
	return -1
}

// getID returns the smallest candidate id not in use.
func (c *Component) getID() int {
	for n := 0; ; n++ {
		found := false
		for i := range c.candidates {
			if c.candidates[i].ID == n {
				found = true
				break
			}
		}
		if !found {
			return n
		}
	}
}

func (c *Component) transportStarted(gt *gatherTransport) {
	gt.started = true
	addrAt := c.findLocalAddr(gt.addr.IP)

	if c.useLocalHost {
		la := gt.t.LocalAddr()
		ci := &CandidateInfo{
			Type:        HostType,
			ComponentID: c.id,
			Priority:    chooseDefaultPriority(HostType, 65535-addrAt, gt.addr.IsVPN, c.id),
			Addr:        la,
			Base:        la,
			Network:     gt.addr.Network,
			Foundation:  c.foundations.foundation(HostType, la.IP, nil, "udp"),
		}
		cand := Candidate{ID: c.getID(), Info: ci, Transport: gt.t, Path: PathDirect}
		c.candidates = append(c.candidates, cand)
		metrics.CandidatesGathered.WithLabelValues(HostType.String()).Inc()
		c.events.onCandidateAdded(c, cand)
		if c.stopping {
			return
		}
		c.ensureExt(gt)
		if c.stopping {
			return
		}
	}

	if !gt.stunStarted {
		gt.stunStarted = true
		if gt.t.HasStunBind() || gt.t.HasTurn() {
			gt.t.stunStart()
			if c.stopping {
				return
			}
		} else {
			gt.stunFinished = true
			gt.turnFinished = true
		}
	}

	if !c.localFinished {
		allStarted := true
		for _, other := range c.transports {
			if !other.started {
				allStarted = false
				break
			}
		}
		if allStarted {
			c.localFinished = true
			c.events.onLocalFinished(c)
			if c.stopping {
				return
			}
		}
	}

	c.tryGatheringComplete()
}

// ensureExt emits the operator-configured server-reflexive candidate once.
func (c *Component) ensureExt(gt *gatherTransport) {
	if gt.extAddr == nil || gt.extFinished {
		return
	}
	addrAt := c.findLocalAddr(gt.addr.IP)
	la := gt.t.LocalAddr()
	ci := &CandidateInfo{
		Type:        ServerReflexiveType,
		ComponentID: c.id,
		Priority:    chooseDefaultPriority(ServerReflexiveType, 65535-addrAt, gt.addr.IsVPN, c.id),
		Addr:        TransportAddress{IP: gt.extAddr, Port: la.Port},
		Base:        la,
		Related:     la,
		Network:     gt.addr.Network,
		Foundation:  c.foundations.foundation(ServerReflexiveType, la.IP, nil, "udp"),
	}
	gt.extFinished = true
	c.storeNonRedundant(Candidate{ID: c.getID(), Info: ci, Transport: gt.t, Path: PathDirect})
}

func (c *Component) transportAddressesChanged(gt *gatherTransport) {
	addrAt := c.findLocalAddr(gt.addr.IP)

	if refl := gt.t.ReflexiveAddr(); refl.IsValid() && !gt.stunFinished {
		// offer the mapping to sibling transports on the same bound
		// address that lack an explicit external one
		for _, sib := range c.transports {
			if sib.extAddr == nil && sib.t.LocalAddr().Equal(gt.t.LocalAddr()) {
				sib.extAddr = refl.IP
				if sib.started {
					c.ensureExt(sib)
					if c.stopping {
						return
					}
				}
			}
		}

		ci := &CandidateInfo{
			Type:        ServerReflexiveType,
			ComponentID: c.id,
			Priority:    chooseDefaultPriority(ServerReflexiveType, 65535-addrAt, gt.addr.IsVPN, c.id),
			Addr:        refl,
			Base:        gt.t.LocalAddr(),
			Related:     gt.t.LocalAddr(),
			Network:     gt.addr.Network,
			Foundation:  c.foundations.foundation(ServerReflexiveType, gt.t.LocalAddr().IP, gt.t.ReflexiveSource(), "udp"),
		}
		gt.stunFinished = true
		metrics.CandidatesGathered.WithLabelValues(ServerReflexiveType.String()).Inc()
		c.storeNonRedundant(Candidate{ID: c.getID(), Info: ci, Transport: gt.t, Path: PathDirect})
		if c.stopping {
			return
		}
	} else if gt.t.HasStunBind() && !gt.t.StunAlive() && !gt.stunFinished {
		gt.stunFinished = true
	}

	if rel := gt.t.RelayedAddr(); rel.IsValid() && !gt.turnFinished {
		ci := &CandidateInfo{
			Type:        RelayedType,
			ComponentID: c.id,
			Priority:    chooseDefaultPriority(RelayedType, 65535-addrAt, gt.addr.IsVPN, c.id),
			Addr:        rel,
			Base:        rel,
			Related:     gt.t.ReflexiveAddr(),
			Network:     gt.addr.Network,
			Foundation:  c.foundations.foundation(RelayedType, rel.IP, gt.t.cfg.turnAddr.IP, "udp"),
		}
		gt.turnFinished = true
		metrics.CandidatesGathered.WithLabelValues(RelayedType.String()).Inc()
		c.storeNonRedundant(Candidate{ID: c.getID(), Info: ci, Transport: gt.t, Path: PathRelayed})
		if c.stopping {
			return
		}
	} else if !gt.t.TurnAlive() && !gt.turnFinished && gt.t.HasTurn() {
		gt.turnFinished = true
	}

	c.tryGatheringComplete()
}

func (c *Component) transportError(gt *gatherTransport, err error) {
	switch err {
	case ErrTransportStun:
		gt.stunFinished = true
		c.tryGatheringComplete()
	case ErrTransportTurn:
		gt.turnFinished = true
		c.tryGatheringComplete()
	default:
		c.eraseTransport(gt)
		if !c.stopping {
			c.tryGatheringComplete()
		}
	}
}

// storeNonRedundant drops a prospective candidate that duplicates the
// (addr, base) of an existing equal-or-higher-priority one
// (RFC 8445 5.1.3).
func (c *Component) storeNonRedundant(cand Candidate) {
	for i := range c.candidates {
		cc := &c.candidates[i]
		if cc.Info.Addr.Equal(cand.Info.Addr) && cc.Info.Base.Equal(cand.Info.Base) &&
			cc.Info.Priority >= cand.Info.Priority {
			return
		}
	}
	c.candidates = append(c.candidates, cand)
	c.events.onCandidateAdded(c, cand)
}

// peerReflexivePriority computes the PRIORITY value our checks advertise
// for this transport/path, keeping the implied localPref monotonic across
// transports: nic index for path 0, +512 for the relayed path, 1024 for a
// TCP relay slot.
func (c *Component) peerReflexivePriority(t *LocalTransport, path int) uint32 {
	addrAt := c.transportIndex(t)
	if addrAt == -1 {
		addrAt = 1024
	} else if path == PathRelayed {
		addrAt += 512
	}
	return chooseDefaultPriority(PeerReflexiveType, 65535-addrAt, false, c.id)
}

// addLocalPeerReflexiveCandidate records a mapped address learned from a
// connectivity-check response (RFC 8445 7.2.5.3.1) against the transport
// that carries base.
func (c *Component) addLocalPeerReflexiveCandidate(addr TransportAddress, base *CandidateInfo, priority uint32) *Candidate {
	var owner *Candidate
	for i := range c.candidates {
		if c.candidates[i].Info.Base.Equal(base.Base) && c.candidates[i].Info.Type == HostType {
			owner = &c.candidates[i]
			break
		}
	}
	if owner == nil {
		return nil
	}
	ci := &CandidateInfo{
		Type:        PeerReflexiveType,
		Priority:    priority,
		ComponentID: base.ComponentID,
		Network:     base.Network,
		Addr:        TransportAddress{IP: addr.IP, Port: addr.Port},
		Base:        base.Addr,
		Related:     base.Addr,
		Foundation:  c.foundations.foundation(PeerReflexiveType, base.Addr.IP, nil, "udp"),
	}
	cand := Candidate{ID: c.getID(), Info: ci, Transport: owner.Transport, Path: PathDirect}
	c.candidates = append(c.candidates, cand)
	metrics.CandidatesGathered.WithLabelValues(PeerReflexiveType.String()).Inc()
	c.events.onCandidateAdded(c, cand)
	return &c.candidates[len(c.candidates)-1]
}

// flagPathAsLowOverhead arranges TURN channel binding toward addr on the
// transport owning the candidate.
func (c *Component) flagPathAsLowOverhead(candidateID int, addr TransportAddress) {
	for i := range c.candidates {
		cand := &c.candidates[i]
		if cand.ID != candidateID {
			continue
		}
		peers := c.channelPeers[cand.ID]
		if peers == nil {
			peers = make(map[string]bool)
			c.channelPeers[cand.ID] = peers
		}
		if !peers[addr.Key()] {
			peers[addr.Key()] = true
			cand.Transport.AddChannelPeer(addr)
		}
		return
	}
}

func (c *Component) tryGatheringComplete() {
	if c.gatheringComplete || c.stopping {
		return
	}
	for _, gt := range c.transports {
		finished := gt.started &&
			(!gt.t.HasStunBind() || gt.stunFinished) &&
			(!gt.t.HasTurn() || gt.turnFinished)
		if !finished {
			return
		}
	}
	c.gatheringComplete = true
	c.events.onGatheringComplete(c)
}

func (c *Component) removeCandidatesOf(t *LocalTransport) {
	kept := c.candidates[:0]
	var removed []Candidate
	for _, cand := range c.candidates {
		if cand.Transport == t {
			delete(c.channelPeers, cand.ID)
			removed = append(removed, cand)
		} else {
			kept = append(kept, cand)
		}
	}
	c.candidates = kept
	for _, cand := range removed {
		c.events.onCandidateRemoved(c, cand)
	}
}

func (c *Component) eraseTransport(gt *gatherTransport) {
	c.removeCandidatesOf(gt.t)
	if sock := gt.t.stop(); sock != nil && c.reserver != nil {
		c.reserver.Return(sock)
	}
	for i, other := range c.transports {
		if other == gt {
			c.transports = append(c.transports[:i], c.transports[i+1:]...)
			break
		}
	}
}

// stopTransportsExcept erases every transport but keep; used once a
// selected pair makes the others dead weight.
func (c *Component) stopTransportsExcept(keep *LocalTransport) {
	for i := 0; i < len(c.transports); {
		if c.transports[i].t == keep {
			i++
			continue
		}
		c.eraseTransport(c.transports[i])
	}
}

// stop tears down every transport. No candidate outlives its transport.
func (c *Component) stop() {
	if c.stopping {
		return
	}
	c.stopping = true
	for len(c.transports) > 0 {
		c.eraseTransport(c.transports[0])
	}
	c.events.onStopped(c)
}
