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

// Package ice negotiates peer-to-peer UDP paths with Interactive
// Connectivity Establishment (RFC 8445): it gathers host, server-reflexive
// and relayed candidates per component, exchanges them out of band, runs
// paced connectivity checks, and promotes one nominated pair per component
// to carry application datagrams.
package ice

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"

	"icewire/internal/stunx"
	"icewire/pkg/icerrors"
	"icewire/pkg/log"
	"icewire/pkg/loop"
	"icewire/pkg/metrics"
	"icewire/pkg/secure"
)

// Mode is the signalling role the agent was created with.
type Mode int

const (
	Initiator Mode = iota
	Responder
)

// Role is the ICE negotiation role; it starts from the mode and may flip
// on a role conflict.
type Role int

const (
	Controlling Role = iota
	Controlled
)

// Features are capability bits exchanged with the peer via signalling.
type Features uint32

const (
	FeatureTrickle Features = 1 << iota
	FeatureAggressiveNomination
	FeatureNotNominatedData
	FeatureRTPOptimization
	FeatureGatheringComplete
)

// State of the agent lifecycle.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Active
	Stopping
)

// Agent-level error kinds surfaced through Events.OnError.
var (
	// ErrorGeneric means negotiation cannot complete.
	ErrorGeneric = icerrors.ErrChecklistExhausted
	// ErrorDisconnected means connectivity was lost after readiness.
	ErrorDisconnected = icerrors.ErrConsentExpired
)

const (
	defaultTa                = 50 * time.Millisecond
	defaultNominationTimeout = 3 * time.Second
	defaultPacTimeout        = 30 * time.Second
	defaultKeepAlive         = 15 * time.Second
	defaultConsentTimeout    = 30 * time.Second
	defaultGatherInfer       = 5 * time.Second

	maxQueuedDatagrams = 64
)

// Config is the immutable agent configuration snapshot. Mutating the
// source after Start has no effect; the setters that exist (credentials,
// candidates, features) are the only post-start inputs.
type Config struct {
	Mode       Mode
	Components int

	LocalAddresses    []LocalAddress
	ExternalAddresses []ExternalAddress

	StunBindServer *net.UDPAddr
	TurnServer     *net.UDPAddr
	TurnUsername   string
	TurnPassword   string
	TurnRealm      string

	PortReserver *UdpPortReserver

	LocalFeatures Features

	// DisableHostCandidates suppresses host candidate exposure; discovery
	// paths still run.
	DisableHostCandidates bool

	Ta                time.Duration
	NominationTimeout time.Duration
	PacTimeout        time.Duration
	KeepAliveInterval time.Duration
	ConsentTimeout    time.Duration
	GatherInferWait   time.Duration

	DSCP int

	Logger *log.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Ta <= 0 {
		out.Ta = defaultTa
	}
	if out.NominationTimeout <= 0 {
		out.NominationTimeout = defaultNominationTimeout
	}
	if out.PacTimeout <= 0 {
		out.PacTimeout = defaultPacTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = defaultKeepAlive
	}
	if out.ConsentTimeout <= 0 {
		out.ConsentTimeout = defaultConsentTimeout
	}
	if out.GatherInferWait <= 0 {
		out.GatherInferWait = defaultGatherInfer
	}
	if out.Logger == nil {
		out.Logger = log.NewLogger(log.Level, "ice")
	}
	return out
}

// Events are the agent's upward callbacks. They run on the agent loop
// except OnReadyRead, which runs on a socket reader goroutine; handlers
// must not block.
type Events struct {
	OnStarted                func()
	OnLocalCandidatesReady   func([]WireCandidate)
	OnLocalCandidate         func(WireCandidate)
	OnLocalGatheringComplete func()
	OnComponentReady         func(componentIndex int)
	OnReadyToSendMedia       func()
	OnIceFinished            func()
	OnReadyRead              func(componentIndex int)
	OnError                  func(err error)
	OnStopped                func()
}

func (e *Events) withDefaults() Events {
	out := *e
	nop := func() {}
	if out.OnStarted == nil {
		out.OnStarted = nop
	}
	if out.OnLocalCandidatesReady == nil {
		out.OnLocalCandidatesReady = func([]WireCandidate) {}
	}
	if out.OnLocalCandidate == nil {
		out.OnLocalCandidate = func(WireCandidate) {}
	}
	if out.OnLocalGatheringComplete == nil {
		out.OnLocalGatheringComplete = nop
	}
	if out.OnComponentReady == nil {
		out.OnComponentReady = func(int) {}
	}
	if out.OnReadyToSendMedia == nil {
		out.OnReadyToSendMedia = nop
	}
	if out.OnIceFinished == nil {
		out.OnIceFinished = nop
	}
	if out.OnReadyRead == nil {
		out.OnReadyRead = func(int) {}
	}
	if out.OnError == nil {
		out.OnError = func(error) {}
	}
	if out.OnStopped == nil {
		out.OnStopped = nop
	}
	return out
}

type agentComponent struct {
	comp *Component

	selectedPair *CandidatePair // final; only reset by disconnect
	highestPair  *CandidatePair // best valid pair so far

	localFinished     bool
	hasValidPairs     bool
	hasNominatedPairs bool
	stopped           bool
	lowOverhead       bool
	nominating        bool

	nominationTimer *loop.Timer
	keepaliveTimer  *loop.Timer

	lastRx      atomic.Int64 // unix nanos of last inbound traffic
	rxAccepting atomic.Bool  // inbound app data may be queued
}

// Agent is one end of an ICE negotiation. All state lives on a single
// task loop; exported methods are safe from any goroutine.
type Agent struct {
	cfg    Config
	events Events
	logger *log.Logger
	loop   *loop.Loop

	mode       Mode
	role       Role
	tieBreaker uint64
	state      State

	localUfrag  string
	localPass   *secure.Bytes
	remoteUfrag string
	remotePass  *secure.Bytes

	remoteFeatures Features

	foundations *foundationRegistry

	components       []*agentComponent
	localCandidates  []Candidate
	remoteCandidates []*CandidateInfo
	checkList        checkList

	checkTimer   *loop.Timer
	pacTimer     *loop.Timer
	consentTimer *loop.Timer

	localHostGatheringFinished bool
	localGatheringComplete     bool
	remoteGatheringComplete    bool
	readyToSendMedia           bool
	canStartChecks             bool

	dataMu sync.Mutex
	inQ    [][][]byte
	outQ   [][][]byte

	closeOnce sync.Once
}

// NewAgent creates an idle agent.
func NewAgent(cfg Config, events Events) *Agent {
	c := cfg.withDefaults()
	a := &Agent{
		cfg:         c,
		events:      events.withDefaults(),
		logger:      c.Logger,
		loop:        loop.New(1024),
		mode:        c.Mode,
		tieBreaker:  newTieBreaker(),
		foundations: newFoundationRegistry(),
	}
	if a.mode == Initiator {
		a.role = Controlling
	} else {
		a.role = Controlled
	}
	return a
}

// SetEvents replaces the callback set. Only effective before Start.
func (a *Agent) SetEvents(events Events) {
	a.loop.Post(func() {
		if a.state == Stopped {
			a.events = events.withDefaults()
		}
	})
}

// LocalCredentials returns the agent's short-term credentials for the
// signalling layer.
func (a *Agent) LocalCredentials() Credentials {
	done := make(chan Credentials, 1)
	if !a.loop.Post(func() {
		done <- Credentials{Ufrag: a.localUfrag, Password: string(a.localPass.Bytes())}
	}) {
		return Credentials{}
	}
	return <-done
}

// Role returns the current negotiation role.
func (a *Agent) Role() Role {
	done := make(chan Role, 1)
	if !a.loop.Post(func() { done <- a.role }) {
		return Controlled
	}
	return <-done
}

// Start validates the configuration and begins candidate gathering.
func (a *Agent) Start() error {
	if a.cfg.Components < 1 {
		return icerrors.ErrNoComponents
	}
	if len(a.cfg.LocalAddresses) == 0 {
		return icerrors.ErrNoLocalAddresses
	}
	errCh := make(chan error, 1)
	if !a.loop.Post(func() { errCh <- a.start() }) {
		return icerrors.ErrStopped
	}
	return <-errCh
}

func (a *Agent) start() error {
	if a.state != Stopped {
		return icerrors.ErrAlreadyStarted
	}
	a.state = Starting

	a.localUfrag = randomCredential(4)
	a.localPass = secure.NewString(randomCredential(22))

	a.inQ = make([][][]byte, a.cfg.Components)
	a.outQ = make([][][]byte, a.cfg.Components)

	// every component must exist before the first one can gather, or the
	// completion checks below would see a partial set
	for n := 0; n < a.cfg.Components; n++ {
		comp := newComponent(n+1, a.logger, a.loop, a.foundations)
		comp.useLocalHost = !a.cfg.DisableHostCandidates
		comp.reserver = a.cfg.PortReserver
		comp.dscp = a.cfg.DSCP
		comp.optimized = a.cfg.LocalFeatures&FeatureRTPOptimization != 0
		comp.ta = a.cfg.Ta
		comp.events = componentEvents{
			onCandidateAdded:    a.componentCandidateAdded,
			onCandidateRemoved:  a.componentCandidateRemoved,
			onLocalFinished:     a.componentLocalFinished,
			onGatheringComplete: a.componentGatheringComplete,
			onStopped:           a.componentStopped,
			onDatagram:          a.componentDatagram,
			onStunRequest:       a.componentStunRequest,
		}
		a.components = append(a.components, &agentComponent{comp: comp})
	}

	for _, ac := range a.components {
		comp := ac.comp
		comp.setLocalAddresses(a.cfg.LocalAddresses)
		comp.setExternalAddresses(a.cfg.ExternalAddresses)
		if a.cfg.StunBindServer != nil {
			comp.setStunBindService(a.cfg.StunBindServer)
		}
		if a.cfg.TurnServer != nil && a.cfg.TurnUsername != "" {
			comp.setStunRelayService(a.cfg.TurnServer, a.cfg.TurnUsername,
				secure.NewString(a.cfg.TurnPassword), a.cfg.TurnRealm)
		}
		comp.update()
		if a.state == Stopping || a.state == Stopped {
			return icerrors.ErrStopped
		}
	}
	return nil
}

// StartChecks opens the connectivity-check phase once remote credentials
// are known.
func (a *Agent) StartChecks() error {
	errCh := make(chan error, 1)
	if !a.loop.Post(func() {
		if a.state == Stopped || a.state == Stopping {
			errCh <- icerrors.ErrNotStarted
			return
		}
		if a.remotePass.Empty() {
			errCh <- icerrors.ErrMissingCredentials
			return
		}
		a.canStartChecks = true
		a.pacTimer = a.loop.After(a.cfg.PacTimeout, a.pacTimeout)
		if a.remoteFeatures&FeatureGatheringComplete == 0 {
			a.loop.After(a.cfg.GatherInferWait, a.setRemoteGatheringComplete)
		}
		a.ensureCheckTimer()
		errCh <- nil
	}) {
		return icerrors.ErrStopped
	}
	return <-errCh
}

func (a *Agent) pacTimeout() {
	if a.state != Starting && a.state != Started {
		return
	}
	a.logger.Infof("patiently awaiting connectivity timeout")
	a.stop()
	a.events.OnError(ErrorGeneric)
}

// SetRemoteCredentials installs the peer's (ufrag, password).
func (a *Agent) SetRemoteCredentials(ufrag, password string) {
	a.loop.Post(func() {
		a.remoteUfrag = ufrag
		if a.remotePass != nil {
			a.remotePass.Wipe()
		}
		a.remotePass = secure.NewString(password)
		a.applyAuth()
	})
}

// SetRemoteFeatures installs the peer's capability bits.
func (a *Agent) SetRemoteFeatures(f Features) {
	a.loop.Post(func() {
		a.remoteFeatures = f
		for _, ac := range a.components {
			a.updateRxAccepting(ac)
		}
	})
}

// updateRxAccepting recomputes whether inbound app data on the component
// may be delivered; the reader goroutine checks the flag locklessly.
func (a *Agent) updateRxAccepting(ac *agentComponent) {
	allowNotNominated := a.cfg.LocalFeatures&FeatureNotNominatedData != 0 &&
		a.remoteFeatures&FeatureNotNominatedData != 0
	ac.rxAccepting.Store(ac.selectedPair != nil || (allowNotNominated && ac.hasValidPairs))
}

// applyAuth pushes the short-term credentials down to every transport
// pool so checks and their responses authenticate.
func (a *Agent) applyAuth() {
	if a.remotePass.Empty() {
		return
	}
	username := a.remoteUfrag + ":" + a.localUfrag
	for _, ac := range a.components {
		for _, gt := range ac.comp.transports {
			gt.t.Pool(PathDirect).SetShortTermAuth(username, a.remotePass, a.localPass)
			gt.t.Pool(PathRelayed).SetShortTermAuth(username, a.remotePass, a.localPass)
		}
	}
}

// AddRemoteCandidates feeds signalled candidates in; with Trickle they may
// arrive piecemeal.
func (a *Agent) AddRemoteCandidates(list []WireCandidate) {
	a.loop.Post(func() {
		var fresh []*CandidateInfo
		for _, w := range list {
			ci, err := FromWire(w)
			if err != nil {
				a.logger.Warningf("ignoring bad remote candidate: %v", err)
				continue
			}
			// a known remote prflx with this address is upgraded in
			// place instead of duplicated (RFC 8445 7.3.1.3)
			var known *CandidateInfo
			for _, rc := range a.remoteCandidates {
				if rc.Type == PeerReflexiveType && rc.Addr.Equal(ci.Addr) && rc.ComponentID == ci.ComponentID {
					known = rc
					break
				}
			}
			if known != nil {
				known.Type = ci.Type
				known.Foundation = ci.Foundation
				known.Base = ci.Base
				known.Network = ci.Network
				known.ID = ci.ID
				continue
			}
			fresh = append(fresh, ci)
		}
		a.remoteCandidates = append(a.remoteCandidates, fresh...)
		a.doPairing(a.localCandidates, fresh)
	})
}

// SetRemoteGatheringComplete marks the peer's candidate set final.
func (a *Agent) SetRemoteGatheringComplete() {
	a.loop.Post(a.setRemoteGatheringComplete)
}

func (a *Agent) setRemoteGatheringComplete() {
	if a.remoteGatheringComplete {
		return
	}
	a.remoteGatheringComplete = true
	if !a.localGatheringComplete || a.state != Started {
		return
	}
	for _, ac := range a.components {
		a.tryNominate(ac)
	}
}

// ---- component event handlers (loop) ----

func (a *Agent) componentCandidateAdded(c *Component, cand Candidate) {
	if cand.Info.ID == "" {
		cand.Info.ID = uuid.NewString()
	}
	a.localCandidates = append(a.localCandidates, cand)
	a.logger.Verbosef("C%d: candidate added: %s", cand.Info.ComponentID, cand.Info)
	a.applyAuth()

	if !a.localHostGatheringFinished {
		return // the whole host batch reports at once
	}
	if a.cfg.LocalFeatures&FeatureTrickle != 0 {
		a.events.OnLocalCandidate(toWire(cand))
	}
	if a.state == Started {
		a.doPairing([]Candidate{cand}, a.remoteCandidates)
	}
}

func (a *Agent) componentCandidateRemoved(c *Component, cand Candidate) {
	a.logger.Verbosef("C%d: candidate removed: %s", cand.Info.ComponentID, cand.Info)
	for i := range a.localCandidates {
		if a.localCandidates[i].ID == cand.ID && a.localCandidates[i].Info.ComponentID == cand.Info.ComponentID {
			a.localCandidates = append(a.localCandidates[:i], a.localCandidates[i+1:]...)
			break
		}
	}
	kept := a.checkList.pairs[:0]
	for _, p := range a.checkList.pairs {
		if p.Local == cand.Info {
			p.cancelCheck()
			continue
		}
		kept = append(kept, p)
	}
	a.checkList.pairs = kept
}

func (a *Agent) componentLocalFinished(c *Component) {
	for _, ac := range a.components {
		if ac.comp == c {
			ac.localFinished = true
		}
	}
	for _, ac := range a.components {
		if !ac.localFinished {
			return
		}
	}
	a.localHostGatheringFinished = true
	if a.cfg.LocalFeatures&FeatureTrickle != 0 {
		a.dumpCandidatesAndStart()
	}
}

func (a *Agent) componentGatheringComplete(c *Component) {
	if a.localGatheringComplete {
		return
	}
	for _, ac := range a.components {
		if !ac.comp.IsGatheringComplete() {
			return
		}
	}
	a.localGatheringComplete = true

	if a.cfg.LocalFeatures&FeatureTrickle != 0 {
		a.events.OnLocalGatheringComplete()
	} else {
		a.dumpCandidatesAndStart()
	}
	if a.remoteGatheringComplete && a.state == Started {
		for _, ac := range a.components {
			a.tryNominate(ac)
		}
	}
}

func (a *Agent) dumpCandidatesAndStart() {
	if a.state != Starting {
		return
	}
	list := make([]WireCandidate, 0, len(a.localCandidates))
	for _, cand := range a.localCandidates {
		list = append(list, toWire(cand))
	}
	if len(list) > 0 {
		a.events.OnLocalCandidatesReady(list)
	}
	a.state = Started
	a.events.OnStarted()
	a.doPairing(a.localCandidates, a.remoteCandidates)
}

func (a *Agent) componentStopped(c *Component) {
	for _, ac := range a.components {
		if ac.comp == c {
			ac.stopped = true
		}
	}
	for _, ac := range a.components {
		if !ac.stopped {
			return
		}
	}
	a.state = Stopped
	a.localPass.Wipe()
	a.remotePass.Wipe()
	a.events.OnStopped()
}

// ---- pairing ----

func (a *Agent) makePair(lc, rc *CandidateInfo) *CandidatePair {
	if lc.ComponentID != rc.ComponentID {
		return nil
	}
	if !sameFamily(lc.Addr, rc.Addr) {
		return nil
	}
	// relays refuse loopback peers; pairing them only burns checks
	if lc.Type == RelayedType && rc.Addr.IP.IsLoopback() {
		return nil
	}
	pair := &CandidatePair{Local: lc, Remote: rc, State: PairFrozen}
	pair.Foundation = lc.Foundation + rc.Foundation
	if a.role == Controlling {
		pair.Priority = pairPriority(lc.Priority, rc.Priority)
	} else {
		pair.Priority = pairPriority(rc.Priority, lc.Priority)
	}
	return pair
}

func (a *Agent) doPairing(locals []Candidate, remotes []*CandidateInfo) {
	var pairs []*CandidatePair
	for _, cand := range locals {
		lc := cand.Info
		if lc.Type == PeerReflexiveType {
			// local prflx pairs arise only via check responses
			// (RFC 8445 7.2.5.3.1)
			continue
		}
		for _, rc := range remotes {
			if pair := a.makePair(lc, rc); pair != nil {
				pairs = append(pairs, pair)
			}
		}
	}
	if len(pairs) == 0 {
		return
	}
	a.checkList.add(pairs, len(a.components))
	a.checkList.unfreezeInitial()
	if a.canStartChecks {
		a.ensureCheckTimer()
	}
}

// ---- check scheduling ----

func (a *Agent) ensureCheckTimer() {
	if a.checkTimer != nil || a.state == Stopping || a.state == Stopped {
		return
	}
	a.checkTimer = a.loop.Every(a.cfg.Ta, a.checkTick)
}

func (a *Agent) stopCheckTimer() {
	if a.checkTimer != nil {
		a.checkTimer.Stop()
		a.checkTimer = nil
	}
}

func (a *Agent) checkTick() {
	if !a.canStartChecks || a.state == Stopping || a.state == Stopped {
		a.stopCheckTimer()
		return
	}
	pair := a.checkList.next()
	if pair == nil {
		a.stopCheckTimer()
		return
	}
	a.checkPair(pair)
}

func (a *Agent) checkPair(pair *CandidatePair) {
	pair.State = PairInProgress

	at := a.findLocalCandidateByAddr(pair.Local.Addr)
	if at == -1 {
		pair.State = PairFailed
		return
	}
	cand := a.localCandidates[at]
	ac := a.components[pair.Local.ComponentID-1]

	prflxPriority := ac.comp.peerReflexivePriority(cand.Transport, cand.Path)

	attrs := []stun.Setter{stunx.PriorityAttr(prflxPriority)}
	pair.sentUseCandidate = false
	if a.role == Controlling {
		attrs = append(attrs, stunx.AttrControlling(a.tieBreaker))
		if a.cfg.LocalFeatures&FeatureAggressiveNomination != 0 || pair.finalNomination {
			attrs = append(attrs, stunx.UseCandidate())
			pair.sentUseCandidate = true
		}
	} else {
		attrs = append(attrs, stunx.AttrControlled(a.tieBreaker))
	}

	a.logger.Verbosef("C%d: check %s%s", pair.Local.ComponentID, pair,
		map[bool]string{true: " (nominating)", false: ""}[pair.sentUseCandidate])

	sentRole := a.role
	pool := cand.Transport.Pool(cand.Path)
	txn, err := pool.SendRequest(stun.BindingRequest, attrs, pair.Remote.Addr.UDPAddr(), func(r stunx.Result) {
		a.handleCheckResult(pair, prflxPriority, sentRole, r)
	})
	if err != nil {
		pair.State = PairFailed
		return
	}
	pair.txn, pair.txnPool = txn, pool
	metrics.ChecksSent.WithLabelValues(strconv.Itoa(pair.Local.ComponentID)).Inc()
}

func (a *Agent) findLocalCandidateByAddr(addr TransportAddress) int {
	for i := range a.localCandidates {
		if a.localCandidates[i].Info.Addr.Equal(addr) {
			return i
		}
	}
	return -1
}

func (a *Agent) findLocalCandidateByTransport(t *LocalTransport, path int, hostAndRelayOnly bool) int {
	for i := range a.localCandidates {
		cand := &a.localCandidates[i]
		if cand.Transport == t && cand.Path == path &&
			(!hostAndRelayOnly || cand.Info.Type == HostType || cand.Info.Type == RelayedType) {
			return i
		}
	}
	return -1
}

// ---- check results ----

func (a *Agent) handleCheckResult(pair *CandidatePair, prflxPriority uint32, sentRole Role, r stunx.Result) {
	if a.state == Stopping || a.state == Stopped {
		return
	}
	pair.txn, pair.txnPool = nil, nil
	switch r.Err {
	case nil:
		a.handlePairSuccess(pair, prflxPriority, r)
	case icerrors.ErrRoleConflict:
		a.handleRoleConflict(pair, sentRole)
	default:
		a.handlePairError(pair)
	}
}

func (a *Agent) handlePairSuccess(pair *CandidatePair, prflxPriority uint32, r stunx.Result) {
	if a.state == Active {
		// keepalive-era success; consent is tracked by traffic
		return
	}
	pair.State = PairSucceeded
	isTriggeredForNominated := pair.isTriggeredForNominated
	isNominatedByUs := a.role == Controlling && pair.sentUseCandidate
	finalNomination := pair.finalNomination
	ac := a.components[pair.Local.ComponentID-1]

	a.logger.Verbosef("C%d: check success for %s", pair.Local.ComponentID, pair)

	var mapped TransportAddress
	if r.Response != nil {
		var xma stun.XORMappedAddress
		if err := xma.GetFrom(r.Response); err == nil {
			mapped = TransportAddress{IP: xma.IP, Port: xma.Port}
		}
	}

	// RFC 8445 7.2.5.3.1: a mapped address we have no candidate for is a
	// freshly discovered local peer-reflexive candidate, and the valid
	// pair is the one built from it.
	if mapped.IsValid() && !pair.Local.Addr.Equal(mapped) {
		at := -1
		for i := range a.localCandidates {
			ci := a.localCandidates[i].Info
			if (ci.Base.Equal(mapped) || ci.Addr.Equal(mapped)) && ci.ComponentID == ac.comp.ID() {
				at = i
				break
			}
		}
		if at == -1 {
			if prflx := ac.comp.addLocalPeerReflexiveCandidate(mapped, pair.Local, prflxPriority); prflx != nil {
				if np := a.makePair(prflx.Info, pair.Remote); np != nil {
					pair = np
				}
			}
		} else {
			local := a.localCandidates[at].Info
			if existing := a.checkList.findPair(local, pair.Remote); existing != nil {
				pair = existing
			} else if np := a.makePair(local, pair.Remote); np != nil {
				pair = np
			}
		}
	}

	pair.isTriggeredForNominated = isTriggeredForNominated
	pair.finalNomination = finalNomination
	pair.IsNominated = isTriggeredForNominated || isNominatedByUs
	a.onNewValidPair(pair)
}

func (a *Agent) onNewValidPair(pair *CandidatePair) {
	ac := a.components[pair.Local.ComponentID-1]
	alreadyValid := pair.IsValid
	pair.IsValid = true
	pair.State = PairSucceeded
	ac.hasValidPairs = true
	a.updateRxAccepting(ac)

	// unfreeze the foundation group (RFC 8445 7.2.5.3.3)
	for _, p := range a.checkList.pairs {
		if p.State == PairFrozen && p.Foundation == pair.Foundation {
			p.State = PairWaiting
		}
	}

	if !alreadyValid && ac.selectedPair == nil {
		a.checkList.insertValid(pair)
		if ac.highestPair == nil || ac.highestPair.Priority < pair.Priority {
			ac.highestPair = pair
		}
	}

	a.optimizeCheckList(ac)

	if ac.lowOverhead {
		if at := a.findLocalCandidateByAddr(pair.Local.Addr); at != -1 {
			cand := a.localCandidates[at]
			ac.comp.flagPathAsLowOverhead(cand.ID, pair.Remote.Addr)
		}
	}

	if pair.IsNominated {
		ac.hasNominatedPairs = true
		metrics.PairsNominated.WithLabelValues(strconv.Itoa(ac.comp.ID())).Inc()
		if !a.aggressiveNomination() {
			a.setSelectedPair(ac)
		} else {
			a.setupNominationTimer(ac)
		}
	} else {
		a.setupNominationTimer(ac)
	}
	a.tryNominate(ac)
	a.tryReadyToSendMedia()
}

// aggressiveNomination reports whether this negotiation runs aggressive
// nomination: the controlling side's feature bit decides for both.
func (a *Agent) aggressiveNomination() bool {
	if a.role == Controlling {
		return a.cfg.LocalFeatures&FeatureAggressiveNomination != 0
	}
	return a.remoteFeatures&FeatureAggressiveNomination != 0
}

func (a *Agent) handlePairError(pair *CandidatePair) {
	if a.state == Active {
		return
	}
	ac := a.components[pair.Local.ComponentID-1]
	a.logger.Verbosef("C%d: check failed for %s", pair.Local.ComponentID, pair)
	pair.State = PairFailed
	metrics.CheckFailures.WithLabelValues(strconv.Itoa(ac.comp.ID())).Inc()

	if pair.IsValid {
		// RFC 8445 7.2.5.3.4 on nomination failure
		a.checkList.removeValid(pair)
		pair.IsValid = false
		if ac.highestPair == pair {
			ac.highestPair = nil
			for _, p := range a.checkList.valid {
				if p.Local.ComponentID == ac.comp.ID() {
					ac.highestPair = p
					break
				}
			}
		}
	}

	if (ac.nominating && pair.finalNomination) ||
		(a.remoteFeatures&FeatureAggressiveNomination == 0 && pair.isTriggeredForNominated) {
		a.logger.Infof("C%d: nomination check failed", ac.comp.ID())
		a.stop()
		a.events.OnError(ErrorDisconnected)
		return
	}
	a.tryChecklistFailed()
}

// tryChecklistFailed surfaces ErrorGeneric once nothing can succeed.
func (a *Agent) tryChecklistFailed() {
	if !a.canStartChecks || len(a.checkList.pairs) == 0 || len(a.checkList.valid) > 0 {
		return
	}
	if !(a.localGatheringComplete && a.remoteGatheringComplete) {
		return
	}
	for _, p := range a.checkList.pairs {
		switch p.State {
		case PairWaiting, PairInProgress, PairSucceeded, PairFrozen:
			return
		}
	}
	a.logger.Infof("all candidate pairs failed")
	a.stop()
	a.events.OnError(ErrorGeneric)
}

// handleRoleConflict processes a 487 on our own check: the responder had
// the bigger tie-breaker, so this side takes the role opposite to the one
// the check carried and repeats the check (RFC 8445 7.2.5.1). A 487 for a
// check sent before an earlier switch leaves the role as it is.
func (a *Agent) handleRoleConflict(pair *CandidatePair, sentRole Role) {
	if a.role == sentRole {
		a.flipRole()
	}
	pair.State = PairWaiting
	pair.IsNominated = false
	a.checkList.triggered = append(a.checkList.triggered, pair)
	a.ensureCheckTimer()
}

func (a *Agent) flipRole() {
	if a.role == Controlling {
		a.role = Controlled
	} else {
		a.role = Controlling
	}
	a.logger.Infof("role conflict: now %s",
		map[Role]string{Controlling: "controlling", Controlled: "controlled"}[a.role])
	// pair priorities depend on the role; rebuild the ordering
	for _, p := range a.checkList.pairs {
		if a.role == Controlling {
			p.Priority = pairPriority(p.Local.Priority, p.Remote.Priority)
		} else {
			p.Priority = pairPriority(p.Remote.Priority, p.Local.Priority)
		}
	}
	a.checkList.sortPairs()
}

// optimizeCheckList disables pending checks that cannot beat the
// component's best valid pair.
func (a *Agent) optimizeCheckList(ac *agentComponent) {
	if ac.highestPair == nil {
		return
	}
	minPriority := ac.highestPair.Priority
	for _, p := range a.checkList.pairs {
		if p.Local.ComponentID == ac.comp.ID() &&
			(p.State == PairFrozen || p.State == PairWaiting) && p.Priority < minPriority {
			p.State = PairFailed
		}
	}
}

// ---- nomination ----

func (a *Agent) worthNominatingNow(ac *agentComponent) bool {
	if a.role != Controlling || a.aggressiveNomination() || a.state != Started ||
		ac.highestPair == nil || ac.selectedPair != nil || ac.nominating {
		return false
	}
	if ac.highestPair.Local.Type == RelayedType {
		if !(a.localGatheringComplete && a.remoteGatheringComplete) {
			return false // a non-relayed pair may still appear
		}
		for _, p := range a.checkList.pairs {
			if p.State != PairSucceeded && p.State != PairFailed && p.Local.Type != RelayedType {
				return false
			}
		}
	}
	return true
}

func (a *Agent) tryNominate(ac *agentComponent) {
	if !a.worthNominatingNow(ac) {
		return
	}
	a.nominateSelectedPair(ac)
}

func (a *Agent) nominateSelectedPair(ac *agentComponent) {
	if ac.nominationTimer != nil {
		ac.nominationTimer.Stop()
		ac.nominationTimer = nil
	}
	ac.nominating = true
	ac.highestPair.finalNomination = true
	ac.highestPair.State = PairWaiting
	a.logger.Verbosef("C%d: nominating %s", ac.comp.ID(), ac.highestPair)
	a.checkList.triggered = append([]*CandidatePair{ac.highestPair}, a.checkList.triggered...)
	a.ensureCheckTimer()
}

func (a *Agent) setupNominationTimer(ac *agentComponent) {
	if ac.nominationTimer != nil {
		return
	}
	agrNom := a.aggressiveNomination()
	if !agrNom && a.role == Controlled {
		return // the controlled side waits for USE-CANDIDATE to the end
	}
	ac.nominationTimer = a.loop.After(a.cfg.NominationTimeout, func() {
		ac.nominationTimer = nil
		if ac.stopped || a.state != Started {
			return
		}
		if agrNom {
			a.setSelectedPair(ac)
		} else if !ac.nominating && ac.selectedPair == nil {
			a.nominateSelectedPair(ac)
		}
	})
}

func (a *Agent) setSelectedPair(ac *agentComponent) {
	if ac.selectedPair != nil {
		return
	}
	if ac.nominationTimer != nil {
		ac.nominationTimer.Stop()
		ac.nominationTimer = nil
	}
	pair := ac.highestPair
	if pair == nil {
		a.logger.Warningf("C%d: no valid pair left to select", ac.comp.ID())
		a.stop()
		a.events.OnError(ErrorGeneric)
		return
	}
	ac.selectedPair = pair
	a.updateRxAccepting(ac)
	a.logger.Infof("C%d: selected pair: %s (base: %s)", ac.comp.ID(), pair, pair.Local.Base)
	a.cleanupButSelectedPair(ac)
	metrics.ComponentsReady.Inc()
	ac.lastRx.Store(time.Now().UnixNano())
	a.startKeepalive(ac)
	a.flushPending(ac)
	a.events.OnComponentReady(ac.comp.ID() - 1)
	a.tryIceFinished()
}

// cleanupButSelectedPair drops everything of the component except its
// selected pair: lower valid pairs, queued triggered checks, in-progress
// transactions, and transports the selected pair does not use.
func (a *Agent) cleanupButSelectedPair(ac *agentComponent) {
	selected := ac.selectedPair
	id := ac.comp.ID()

	newValid := a.checkList.valid[:0]
	newValid = append(newValid, selected)
	for _, p := range a.checkList.valid {
		if p.Local.ComponentID != id {
			newValid = append(newValid, p)
		}
	}
	a.checkList.valid = newValid

	a.checkList.removeTriggered(func(p *CandidatePair) bool {
		return p.Local.ComponentID == id
	})
	for _, p := range a.checkList.pairs {
		if p.Local.ComponentID == id && p.State == PairInProgress {
			p.cancelCheck()
			p.State = PairFailed
		}
	}

	if at := a.findLocalCandidateByAddr(selected.Local.Addr); at != -1 {
		ac.comp.stopTransportsExcept(a.localCandidates[at].Transport)
	}
}

func (a *Agent) tryIceFinished() {
	for _, ac := range a.components {
		if ac.selectedPair == nil {
			return
		}
	}
	a.tryReadyToSendMedia()
	if a.pacTimer != nil {
		a.pacTimer.Stop()
		a.pacTimer = nil
	}
	a.stopCheckTimer()
	a.state = Active
	a.startConsentTimer()
	a.logger.Infof("ice finished")
	a.events.OnIceFinished()
}

func (a *Agent) tryReadyToSendMedia() {
	if a.readyToSendMedia {
		return
	}
	allowNotNominated := a.cfg.LocalFeatures&FeatureNotNominatedData != 0 &&
		a.remoteFeatures&FeatureNotNominatedData != 0
	for _, ac := range a.components {
		if !((allowNotNominated && ac.hasValidPairs) || ac.hasNominatedPairs) {
			return
		}
	}
	a.readyToSendMedia = true
	a.events.OnReadyToSendMedia()
}

// ---- inbound checks (triggered checks) ----

func (a *Agent) componentStunRequest(c *Component, t *LocalTransport, path int, msg *stun.Message, from TransportAddress) {
	if a.state == Stopping || a.state == Stopped {
		return
	}
	ac := a.components[c.ID()-1]
	ac.lastRx.Store(time.Now().UnixNano())

	if msg.Type.Class == stun.ClassIndication {
		return // consent traffic only
	}
	if msg.Type.Method != stun.MethodBinding {
		return
	}

	at := a.findLocalCandidateByTransport(t, path, true)
	if at == -1 {
		return
	}
	locCand := a.localCandidates[at]

	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		return
	}
	if string(username) != a.localUfrag+":"+a.remoteUfrag {
		a.logger.Verbosef("inbound check with wrong username %q", username)
		return
	}

	pool := t.Pool(path)

	// role conflict on the receiving side (RFC 8445 7.3.1.1)
	var controlling stunx.AttrControlling
	var controlled stunx.AttrControlled
	if err := controlling.GetFrom(msg); err == nil && a.role == Controlling {
		if a.tieBreaker >= uint64(controlling) {
			pool.SendResponse(stun.NewType(stun.MethodBinding, stun.ClassErrorResponse), msg.TransactionID,
				[]stun.Setter{stun.CodeRoleConflict, &stun.XORMappedAddress{IP: from.IP, Port: from.Port}},
				from.UDPAddr())
			return
		}
		a.flipRole()
	} else if err := controlled.GetFrom(msg); err == nil && a.role == Controlled {
		if a.tieBreaker >= uint64(controlled) {
			a.flipRole()
		} else {
			pool.SendResponse(stun.NewType(stun.MethodBinding, stun.ClassErrorResponse), msg.TransactionID,
				[]stun.Setter{stun.CodeRoleConflict, &stun.XORMappedAddress{IP: from.IP, Port: from.Port}},
				from.UDPAddr())
			return
		}
	}

	pool.SendResponse(stun.BindingSuccess, msg.TransactionID,
		[]stun.Setter{&stun.XORMappedAddress{IP: from.IP, Port: from.Port}}, from.UDPAddr())

	if a.state != Started {
		return
	}

	nominated := a.role == Controlled && stunx.IsUseCandidate(msg)

	var remCand *CandidateInfo
	for _, rc := range a.remoteCandidates {
		if rc.ComponentID == locCand.Info.ComponentID && rc.Addr.Equal(from) {
			remCand = rc
			break
		}
	}
	if remCand == nil {
		// RFC 8445 7.3.1.3, learning a remote peer-reflexive candidate
		var prio stunx.PriorityAttr
		if err := prio.GetFrom(msg); err != nil {
			return
		}
		a.logger.Verbosef("C%d: new remote prflx %s", c.ID(), from)
		remCand = makeRemotePrflx(locCand.Info.ComponentID, from, uint32(prio))
		remCand.ID = uuid.NewString()
		a.remoteCandidates = append(a.remoteCandidates, remCand)
	}
	a.doTriggeredCheck(locCand, remCand, nominated)
}

func (a *Agent) doTriggeredCheck(locCand Candidate, remCand *CandidateInfo, nominated bool) {
	ac := a.components[locCand.Info.ComponentID-1]
	var minPriority uint64
	if ac.highestPair != nil {
		minPriority = ac.highestPair.Priority
	}

	pair := a.checkList.findPair(locCand.Info, remCand)
	if pair != nil {
		if pair.Priority < minPriority {
			return // a better pair is already valid
		}
		if pair.State == PairSucceeded {
			// RFC 8445 7.3.1.4: nothing to re-check; only the nomination
			// flag may be news
			if a.role == Controlled && !pair.IsNominated && nominated {
				pair.IsNominated = true
				a.onNewValidPair(pair)
			}
			return
		}
		pair.IsNominated = false
		if pair.State == PairInProgress {
			if pair.isTriggered {
				return // that in-flight check is already a triggered one
			}
			pair.cancelCheck()
		}
	} else {
		pair = a.makePair(locCand.Info, remCand)
		if pair == nil {
			return
		}
		if pair.Priority < minPriority {
			return
		}
		a.checkList.add([]*CandidatePair{pair}, len(a.components))
		if !a.checkList.contains(pair) {
			return // pruned on arrival
		}
	}

	pair.State = PairWaiting
	pair.isTriggeredForNominated = nominated
	a.checkList.triggered = append(a.checkList.triggered, pair)
	if a.canStartChecks {
		a.ensureCheckTimer()
	}
}

// ---- data plane ----

func (a *Agent) componentDatagram(c *Component, t *LocalTransport, path int, data []byte, from TransportAddress) {
	idx := c.ID() - 1
	ac := a.components[idx]
	ac.lastRx.Store(time.Now().UnixNano())

	if !ac.rxAccepting.Load() {
		metrics.DatagramsDropped.WithLabelValues(strconv.Itoa(c.ID()), "rx").Inc()
		return
	}

	a.dataMu.Lock()
	if len(a.inQ[idx]) < maxQueuedDatagrams*16 {
		a.inQ[idx] = append(a.inQ[idx], data)
	} else {
		metrics.DatagramsDropped.WithLabelValues(strconv.Itoa(c.ID()), "rx").Inc()
	}
	a.dataMu.Unlock()
	a.events.OnReadyRead(idx)
}

// HasPendingDatagrams reports whether ReadDatagram would return data.
func (a *Agent) HasPendingDatagrams(componentIndex int) bool {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	return componentIndex >= 0 && componentIndex < len(a.inQ) && len(a.inQ[componentIndex]) > 0
}

// ReadDatagram pops one received datagram.
func (a *Agent) ReadDatagram(componentIndex int) ([]byte, error) {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	if componentIndex < 0 || componentIndex >= len(a.inQ) {
		return nil, icerrors.ErrComponentRange
	}
	q := a.inQ[componentIndex]
	if len(q) == 0 {
		return nil, icerrors.ErrNoPendingDatagram
	}
	data := q[0]
	a.inQ[componentIndex] = q[1:]
	return data, nil
}

// WriteDatagram sends one datagram on the component's pair. Before any
// pair is usable, up to maxQueuedDatagrams writes are buffered; the rest
// are dropped and counted.
func (a *Agent) WriteDatagram(componentIndex int, data []byte) error {
	if componentIndex < 0 || componentIndex >= a.cfg.Components {
		return icerrors.ErrComponentRange
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if !a.loop.Post(func() { a.write(componentIndex, buf) }) {
		return icerrors.ErrStopped
	}
	return nil
}

func (a *Agent) write(componentIndex int, data []byte) {
	if componentIndex >= len(a.components) {
		return
	}
	ac := a.components[componentIndex]
	pair := ac.selectedPair
	if pair == nil {
		pair = ac.highestPair
	}
	if pair == nil {
		a.dataMu.Lock()
		if len(a.outQ[componentIndex]) < maxQueuedDatagrams {
			a.outQ[componentIndex] = append(a.outQ[componentIndex], data)
		} else {
			metrics.DatagramsDropped.WithLabelValues(strconv.Itoa(componentIndex+1), "tx").Inc()
		}
		a.dataMu.Unlock()
		return
	}
	at := a.findLocalCandidateByAddr(pair.Local.Addr)
	if at == -1 {
		return
	}
	cand := a.localCandidates[at]
	if err := cand.Transport.WriteDatagram(cand.Path, data, pair.Remote.Addr); err != nil {
		a.logger.Verbosef("C%d: write failed: %v", componentIndex+1, err)
	}
}

func (a *Agent) flushPending(ac *agentComponent) {
	idx := ac.comp.ID() - 1
	a.dataMu.Lock()
	queued := a.outQ[idx]
	a.outQ[idx] = nil
	a.dataMu.Unlock()
	for _, data := range queued {
		a.write(idx, data)
	}
}

// FlagComponentAsLowOverhead requests TURN channel binding for the
// component's relayed paths, trading setup for a 4-byte data header.
func (a *Agent) FlagComponentAsLowOverhead(componentIndex int) {
	a.loop.Post(func() {
		if componentIndex < 0 || componentIndex >= len(a.components) {
			return
		}
		ac := a.components[componentIndex]
		ac.lowOverhead = true
		for _, p := range a.checkList.valid {
			if p.Local.ComponentID != ac.comp.ID() {
				continue
			}
			if at := a.findLocalCandidateByAddr(p.Local.Addr); at != -1 {
				cand := a.localCandidates[at]
				ac.comp.flagPathAsLowOverhead(cand.ID, p.Remote.Addr)
			}
		}
	})
}

// SelectedPair returns the wire form of the component's selected pair.
func (a *Agent) SelectedPair(componentIndex int) (local, remote WireCandidate, ok bool) {
	type resp struct {
		local, remote WireCandidate
		ok            bool
	}
	done := make(chan resp, 1)
	if !a.loop.Post(func() {
		if componentIndex < 0 || componentIndex >= len(a.components) {
			done <- resp{}
			return
		}
		ac := a.components[componentIndex]
		if ac.selectedPair == nil {
			done <- resp{}
			return
		}
		at := a.findLocalCandidateByAddr(ac.selectedPair.Local.Addr)
		if at == -1 {
			done <- resp{}
			return
		}
		r := toWire(Candidate{Info: ac.selectedPair.Remote})
		done <- resp{local: toWire(a.localCandidates[at]), remote: r, ok: true}
	}) {
		return WireCandidate{}, WireCandidate{}, false
	}
	out := <-done
	return out.local, out.remote, out.ok
}

// ---- keepalive and consent ----

func (a *Agent) startKeepalive(ac *agentComponent) {
	if ac.keepaliveTimer != nil {
		return
	}
	ac.keepaliveTimer = a.loop.Every(a.cfg.KeepAliveInterval, func() {
		pair := ac.selectedPair
		if pair == nil {
			return
		}
		at := a.findLocalCandidateByAddr(pair.Local.Addr)
		if at == -1 {
			return
		}
		cand := a.localCandidates[at]
		cand.Transport.Pool(cand.Path).SendIndication(stun.MethodBinding, nil, pair.Remote.Addr.UDPAddr())
	})
}

func (a *Agent) startConsentTimer() {
	if a.consentTimer != nil {
		return
	}
	interval := a.cfg.ConsentTimeout / 6
	a.consentTimer = a.loop.Every(interval, func() {
		if a.state != Active {
			return
		}
		deadline := time.Now().Add(-a.cfg.ConsentTimeout).UnixNano()
		for _, ac := range a.components {
			if ac.lastRx.Load() < deadline {
				a.logger.Infof("C%d: consent expired", ac.comp.ID())
				a.stop()
				a.events.OnError(ErrorDisconnected)
				return
			}
		}
	})
}

// ---- stop / reset ----

// Stop tears the agent down: transactions cancel, transports stop and
// sockets release or return. It blocks until teardown ran, so it must not
// be called from inside an event callback; those paths use the internal
// form. Idempotent; OnStopped fires exactly once per started run.
func (a *Agent) Stop() {
	done := make(chan struct{})
	if !a.loop.Post(func() {
		a.stop()
		close(done)
	}) {
		return
	}
	<-done
}

func (a *Agent) stop() {
	if a.state == Stopped || a.state == Stopping {
		return
	}
	a.state = Stopping
	a.canStartChecks = false
	a.stopCheckTimer()
	if a.pacTimer != nil {
		a.pacTimer.Stop()
		a.pacTimer = nil
	}
	if a.consentTimer != nil {
		a.consentTimer.Stop()
		a.consentTimer = nil
	}
	for _, p := range a.checkList.pairs {
		p.cancelCheck()
	}
	for _, ac := range a.components {
		if ac.nominationTimer != nil {
			ac.nominationTimer.Stop()
			ac.nominationTimer = nil
		}
		if ac.keepaliveTimer != nil {
			ac.keepaliveTimer.Stop()
			ac.keepaliveTimer = nil
		}
	}
	if len(a.components) == 0 {
		a.state = Stopped
		a.events.OnStopped()
		return
	}
	for _, ac := range a.components {
		ac.comp.stop()
	}
}

// Reset returns a stopped agent to its pre-start state so it can run a
// fresh session.
func (a *Agent) Reset() error {
	errCh := make(chan error, 1)
	if !a.loop.Post(func() {
		if a.state != Stopped {
			errCh <- icerrors.ErrAlreadyStarted
			return
		}
		a.components = nil
		a.localCandidates = nil
		a.remoteCandidates = nil
		a.checkList = checkList{}
		a.foundations = newFoundationRegistry()
		a.localHostGatheringFinished = false
		a.localGatheringComplete = false
		a.remoteGatheringComplete = false
		a.readyToSendMedia = false
		a.canStartChecks = false
		if a.mode == Initiator {
			a.role = Controlling
		} else {
			a.role = Controlled
		}
		a.tieBreaker = newTieBreaker()
		errCh <- nil
	}) {
		return icerrors.ErrStopped
	}
	return <-errCh
}

// Close releases the agent's loop. Call after Stop, from outside the
// event callbacks.
func (a *Agent) Close() {
	a.closeOnce.Do(func() { a.loop.Stop() })
}

// String describes the agent briefly, for logs.
func (a *Agent) String() string {
	return fmt.Sprintf("agent(mode=%d state=%d components=%d)", a.mode, a.state, a.cfg.Components)
}
