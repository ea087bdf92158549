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

// Package stunx is the STUN transaction layer under the ICE engine: it
// sends requests with RFC 8489 retransmission, authenticates with
// short-term credentials, and demultiplexes inbound datagrams into
// responses, requests/indications, and application data.
package stunx

import (
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"icewire/pkg/icerrors"
	"icewire/pkg/log"
	"icewire/pkg/loop"
	"icewire/pkg/metrics"
	"icewire/pkg/secure"
)

const (
	defaultRTO = 500 * time.Millisecond
	defaultRc  = 7  // total sends
	defaultRm  = 16 // final wait = Rm * initial RTO

	optimizedRTOFloor = 100 * time.Millisecond
	optimizedRc       = 5
	optimizedRm       = 4
)

// Result is the outcome of one transaction. Response is set for both
// success and error responses; Err is nil only on success.
type Result struct {
	Response *stun.Message
	From     *net.UDPAddr
	Err      error
}

// PoolConfig wires a pool to its owning transport.
type PoolConfig struct {
	Loop   *loop.Loop
	Logger *log.Logger
	// Send writes one encoded datagram toward dst.
	Send func(pkt []byte, dst *net.UDPAddr)
	// OnRequest receives authenticated inbound requests and indications.
	OnRequest func(msg *stun.Message, from *net.UDPAddr)
	// Fingerprint appends and verifies FINGERPRINT when set.
	Fingerprint bool
}

// Transaction is one outstanding request.
type Transaction struct {
	id    [stun.TransactionIDSize]byte
	raw   []byte
	dst   *net.UDPAddr
	tries int
	// rto is the next wait; doubles after each send until the final wait.
	rto      time.Duration
	lastWait time.Duration
	maxTries int
	timer    *loop.Timer
	onResult func(Result)
}

// Pool tracks outstanding transactions for one socket owner. Send-side
// methods must run on the owning loop; Deliver may be called from the
// socket reader goroutine.
type Pool struct {
	cfg PoolConfig

	mu     sync.Mutex
	txns   map[[stun.TransactionIDSize]byte]*Transaction
	closed bool

	username string // outbound USERNAME, remoteUfrag:localUfrag
	outKey   *secure.Bytes
	inKey    *secure.Bytes

	optimized bool
	ta        time.Duration
}

// NewPool creates an idle pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.LevelSilent, "stunx")
	}
	return &Pool{cfg: cfg, txns: make(map[[stun.TransactionIDSize]byte]*Transaction)}
}

// SetShortTermAuth installs short-term credentials. username goes on
// outbound requests, outKey keys their MESSAGE-INTEGRITY and verifies
// responses, inKey verifies inbound requests and keys our responses.
func (p *Pool) SetShortTermAuth(username string, outKey, inKey *secure.Bytes) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.username = username
	p.outKey = outKey
	p.inKey = inKey
}

// SetOptimized switches the pool to the ICE retransmission variant from
// draft-ietf-ice-rfc5245bis: the initial RTO is Ta times the number of
// in-progress transactions (this one included), at least 100 ms; a request
// is sent at most 5 times and the final wait is 4 RTO, so a full cycle
// lasts 19 initial RTOs. The cycle length is not clamped to a Ta-based
// bound.
func (p *Pool) SetOptimized(ta time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.optimized = true
	p.ta = ta
}

func (p *Pool) outSetters(withAuth bool) []stun.Setter {
	var s []stun.Setter
	if withAuth && !p.outKey.Empty() {
		if p.username != "" {
			s = append(s, stun.NewUsername(p.username))
		}
		s = append(s, stun.NewShortTermIntegrity(string(p.outKey.Bytes())))
	}
	if p.cfg.Fingerprint {
		s = append(s, stun.Fingerprint)
	}
	return s
}

// SendRequest builds and transmits a request, retransmitting until a
// matching response arrives or the schedule is exhausted. onResult runs on
// the owning loop exactly once, unless the transaction is cancelled.
func (p *Pool) SendRequest(msgType stun.MessageType, attrs []stun.Setter, dst *net.UDPAddr, onResult func(Result)) (*Transaction, error) {
	return p.sendRequest(msgType, attrs, dst, true, onResult)
}

// SendServerRequest is SendRequest without short-term credentials, for
// server discovery flows that predate or bypass the check credentials.
func (p *Pool) SendServerRequest(msgType stun.MessageType, attrs []stun.Setter, dst *net.UDPAddr, onResult func(Result)) (*Transaction, error) {
	return p.sendRequest(msgType, attrs, dst, false, onResult)
}

func (p *Pool) sendRequest(msgType stun.MessageType, attrs []stun.Setter, dst *net.UDPAddr, withAuth bool, onResult func(Result)) (*Transaction, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, icerrors.ErrPoolClosed
	}
	id := stun.NewTransactionID()
	setters := append([]stun.Setter{stun.NewTransactionIDSetter(id)}, attrs...)
	setters = append(setters, p.outSetters(withAuth)...)
	msg, err := stun.Build(append([]stun.Setter{msgType}, setters...)...)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	t := &Transaction{
		id:       id,
		raw:      append([]byte(nil), msg.Raw...),
		dst:      dst,
		rto:      defaultRTO,
		maxTries: defaultRc,
		lastWait: defaultRm * defaultRTO,
		onResult: onResult,
	}
	if p.optimized {
		n := len(p.txns) + 1
		rto := p.ta * time.Duration(n)
		if rto < optimizedRTOFloor {
			rto = optimizedRTOFloor
		}
		t.rto = rto
		t.maxTries = optimizedRc
		t.lastWait = optimizedRm * rto
	}
	p.txns[id] = t
	p.mu.Unlock()

	p.transmit(t)
	return t, nil
}

func (p *Pool) transmit(t *Transaction) {
	p.mu.Lock()
	if p.closed || p.txns[t.id] != t {
		p.mu.Unlock()
		return
	}
	t.tries++
	if t.tries > 1 {
		metrics.StunRetransmits.Inc()
	}
	wait := t.rto
	if t.tries >= t.maxTries {
		wait = t.lastWait
	} else {
		t.rto *= 2
	}
	raw, dst, tries, max := t.raw, t.dst, t.tries, t.maxTries
	t.timer = p.cfg.Loop.After(wait, func() {
		if tries >= max {
			p.finish(t, Result{Err: icerrors.ErrTransactionTimeout})
			return
		}
		p.transmit(t)
	})
	p.mu.Unlock()

	p.cfg.Send(raw, dst)
}

// Cancel drops the transaction; its callback will not run.
func (p *Pool) Cancel(t *Transaction) {
	if t == nil {
		return
	}
	p.mu.Lock()
	if p.txns[t.id] == t {
		delete(p.txns, t.id)
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	p.mu.Unlock()
}

func (p *Pool) finish(t *Transaction, r Result) {
	p.mu.Lock()
	if p.closed || p.txns[t.id] != t {
		p.mu.Unlock()
		return
	}
	delete(p.txns, t.id)
	if t.timer != nil {
		t.timer.Stop()
	}
	cb := t.onResult
	p.mu.Unlock()
	if cb != nil {
		p.cfg.Loop.Post(func() { cb(r) })
	}
}

// SendIndication transmits a fire-and-forget indication. Indications are
// not retransmitted and carry no MESSAGE-INTEGRITY.
func (p *Pool) SendIndication(method stun.Method, attrs []stun.Setter, dst *net.UDPAddr) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return icerrors.ErrPoolClosed
	}
	setters := append([]stun.Setter{stun.TransactionID}, attrs...)
	setters = append(setters, p.outSetters(false)...)
	p.mu.Unlock()

	msg, err := stun.Build(append([]stun.Setter{stun.NewType(method, stun.ClassIndication)}, setters...)...)
	if err != nil {
		return err
	}
	p.cfg.Send(msg.Raw, dst)
	return nil
}

// SendResponse transmits a response to a previously received request,
// signed with the local short-term key.
func (p *Pool) SendResponse(msgType stun.MessageType, id [stun.TransactionIDSize]byte, attrs []stun.Setter, dst *net.UDPAddr) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return icerrors.ErrPoolClosed
	}
	setters := append([]stun.Setter{stun.NewTransactionIDSetter(id)}, attrs...)
	if !p.inKey.Empty() {
		setters = append(setters, stun.NewShortTermIntegrity(string(p.inKey.Bytes())))
	}
	if p.cfg.Fingerprint {
		setters = append(setters, stun.Fingerprint)
	}
	p.mu.Unlock()

	msg, err := stun.Build(append([]stun.Setter{msgType}, setters...)...)
	if err != nil {
		return err
	}
	p.cfg.Send(msg.Raw, dst)
	return nil
}

// Deliver demultiplexes one inbound datagram. It reports true when the
// datagram was STUN and consumed; false hands it back to the owner as
// application data.
func (p *Pool) Deliver(data []byte, from *net.UDPAddr) bool {
	if !stun.IsMessage(data) {
		return false
	}
	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		// Looked like STUN but does not parse; treat as application data.
		return false
	}
	if p.cfg.Fingerprint && msg.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(msg); err != nil {
			p.cfg.Logger.Verbosef("dropping stun message with bad fingerprint from %s", from)
			return true
		}
	}

	switch msg.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		p.deliverResponse(msg, from)
	case stun.ClassRequest, stun.ClassIndication:
		p.deliverRequest(msg, from)
	}
	return true
}

func (p *Pool) deliverResponse(msg *stun.Message, from *net.UDPAddr) {
	p.mu.Lock()
	outKey := p.outKey
	t := p.txns[msg.TransactionID]
	p.mu.Unlock()
	if t == nil {
		p.cfg.Logger.Verbosef("unmatched stun response from %s", from)
		return
	}
	if !outKey.Empty() && msg.Contains(stun.AttrMessageIntegrity) {
		if err := stun.NewShortTermIntegrity(string(outKey.Bytes())).Check(msg); err != nil {
			p.cfg.Logger.Verbosef("dropping response with bad message-integrity from %s", from)
			return
		}
	}
	r := Result{Response: msg, From: from}
	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err == nil && code.Code == stun.CodeRoleConflict {
			r.Err = icerrors.ErrRoleConflict
		} else {
			r.Err = icerrors.ErrTransactionReject
		}
	}
	p.finish(t, r)
}

func (p *Pool) deliverRequest(msg *stun.Message, from *net.UDPAddr) {
	p.mu.Lock()
	inKey := p.inKey
	handler := p.cfg.OnRequest
	closed := p.closed
	p.mu.Unlock()
	if closed || handler == nil {
		return
	}
	if msg.Type.Class == stun.ClassRequest && !inKey.Empty() {
		if !msg.Contains(stun.AttrMessageIntegrity) {
			p.cfg.Logger.Verbosef("dropping unauthenticated request from %s", from)
			return
		}
		if err := stun.NewShortTermIntegrity(string(inKey.Bytes())).Check(msg); err != nil {
			p.cfg.Logger.Verbosef("dropping request with bad message-integrity from %s", from)
			return
		}
	}
	p.cfg.Loop.Post(func() { handler(msg, from) })
}

// Outstanding reports the number of live transactions.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txns)
}

// Stop cancels every transaction. No callbacks are delivered afterwards.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.txns {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(p.txns, id)
	}
}
