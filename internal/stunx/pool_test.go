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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"icewire/pkg/icerrors"
	"icewire/pkg/loop"
	"icewire/pkg/secure"
)

type captureSink struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (s *captureSink) send(pkt []byte, dst *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	s.pkts = append(s.pkts, cp)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

func (s *captureSink) last(t *testing.T) *stun.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pkts) == 0 {
		t.Fatal("nothing sent")
	}
	msg := &stun.Message{Raw: s.pkts[len(s.pkts)-1]}
	if err := msg.Decode(); err != nil {
		t.Fatalf("sent packet does not decode: %v", err)
	}
	return msg
}

var testDst = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 3478}

func newTestPool(t *testing.T, sink *captureSink, onRequest func(*stun.Message, *net.UDPAddr)) *Pool {
	t.Helper()
	lp := loop.New(64)
	t.Cleanup(lp.Stop)
	p := NewPool(PoolConfig{
		Loop:        lp,
		Send:        sink.send,
		OnRequest:   onRequest,
		Fingerprint: true,
	})
	t.Cleanup(p.Stop)
	return p
}

func TestPoolSuccessResponse(t *testing.T) {
	sink := &captureSink{}
	p := newTestPool(t, sink, nil)

	results := make(chan Result, 1)
	_, err := p.SendRequest(stun.BindingRequest, nil, testDst, func(r Result) { results <- r })
	if err != nil {
		t.Fatal(err)
	}
	req := sink.last(t)

	resp, err := stun.Build(stun.BindingSuccess, stun.NewTransactionIDSetter(req.TransactionID),
		&stun.XORMappedAddress{IP: net.IPv4(198, 51, 100, 5), Port: 41000}, stun.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Deliver(resp.Raw, testDst) {
		t.Fatal("response not consumed as stun")
	}

	select {
	case r := <-results:
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(r.Response); err != nil {
			t.Fatalf("no mapped address: %v", err)
		}
		if mapped.Port != 41000 {
			t.Fatalf("mapped port = %d", mapped.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
	if p.Outstanding() != 0 {
		t.Fatalf("transaction leaked: %d", p.Outstanding())
	}
}

func TestPoolRetransmitAndTimeout(t *testing.T) {
	sink := &captureSink{}
	p := newTestPool(t, sink, nil)
	p.SetOptimized(10 * time.Millisecond) // shrink the cycle for the test

	results := make(chan Result, 1)
	if _, err := p.SendRequest(stun.BindingRequest, nil, testDst, func(r Result) { results <- r }); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-results:
		if r.Err != icerrors.ErrTransactionTimeout {
			t.Fatalf("expected timeout, got %v", r.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("transaction never timed out")
	}
	if got := sink.count(); got != optimizedRc {
		t.Fatalf("sent %d times, want %d", got, optimizedRc)
	}
}

func TestPoolCancel(t *testing.T) {
	sink := &captureSink{}
	p := newTestPool(t, sink, nil)
	p.SetOptimized(10 * time.Millisecond)

	results := make(chan Result, 1)
	txn, err := p.SendRequest(stun.BindingRequest, nil, testDst, func(r Result) { results <- r })
	if err != nil {
		t.Fatal(err)
	}
	p.Cancel(txn)

	select {
	case <-results:
		t.Fatal("cancelled transaction must not report")
	case <-time.After(2 * time.Second):
	}
	if p.Outstanding() != 0 {
		t.Fatal("cancelled transaction still tracked")
	}
}

func TestPoolRejectedResponse(t *testing.T) {
	sink := &captureSink{}
	p := newTestPool(t, sink, nil)

	results := make(chan Result, 1)
	if _, err := p.SendRequest(stun.BindingRequest, nil, testDst, func(r Result) { results <- r }); err != nil {
		t.Fatal(err)
	}
	req := sink.last(t)

	t.Run("role conflict code", func(t *testing.T) {
		resp, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
			stun.NewTransactionIDSetter(req.TransactionID), stun.CodeRoleConflict, stun.Fingerprint)
		if err != nil {
			t.Fatal(err)
		}
		p.Deliver(resp.Raw, testDst)
		select {
		case r := <-results:
			if r.Err != icerrors.ErrRoleConflict {
				t.Fatalf("expected role conflict, got %v", r.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no result")
		}
	})
}

func TestPoolAuthentication(t *testing.T) {
	sink := &captureSink{}
	requests := make(chan *stun.Message, 1)
	p := newTestPool(t, sink, func(msg *stun.Message, from *net.UDPAddr) { requests <- msg })

	localPass := secure.NewString("local-secret")
	remotePass := secure.NewString("remote-secret")
	p.SetShortTermAuth("remoteUser:localUser", remotePass, localPass)

	t.Run("outbound requests signed", func(t *testing.T) {
		if _, err := p.SendRequest(stun.BindingRequest, nil, testDst, func(Result) {}); err != nil {
			t.Fatal(err)
		}
		req := sink.last(t)
		if !req.Contains(stun.AttrMessageIntegrity) || !req.Contains(stun.AttrUsername) {
			t.Fatal("request must carry USERNAME and MESSAGE-INTEGRITY")
		}
		if err := stun.NewShortTermIntegrity("remote-secret").Check(req); err != nil {
			t.Fatalf("request not keyed by remote password: %v", err)
		}
	})

	t.Run("good key accepted", func(t *testing.T) {
		req, err := stun.Build(stun.BindingRequest, stun.TransactionID,
			stun.NewUsername("localUser:remoteUser"),
			stun.NewShortTermIntegrity("local-secret"), stun.Fingerprint)
		if err != nil {
			t.Fatal(err)
		}
		if !p.Deliver(req.Raw, testDst) {
			t.Fatal("request not consumed")
		}
		select {
		case <-requests:
		case <-time.After(2 * time.Second):
			t.Fatal("authenticated request not delivered")
		}
	})

	t.Run("wrong key dropped", func(t *testing.T) {
		req, err := stun.Build(stun.BindingRequest, stun.TransactionID,
			stun.NewUsername("localUser:remoteUser"),
			stun.NewShortTermIntegrity("wrong-secret"), stun.Fingerprint)
		if err != nil {
			t.Fatal(err)
		}
		if !p.Deliver(req.Raw, testDst) {
			t.Fatal("forged stun should still be consumed, not leaked as data")
		}
		select {
		case <-requests:
			t.Fatal("forged request must not be delivered")
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("bad fingerprint dropped", func(t *testing.T) {
		req, err := stun.Build(stun.BindingRequest, stun.TransactionID,
			stun.NewUsername("localUser:remoteUser"),
			stun.NewShortTermIntegrity("local-secret"), stun.Fingerprint)
		if err != nil {
			t.Fatal(err)
		}
		raw := append([]byte(nil), req.Raw...)
		raw[len(raw)-1] ^= 0xFF
		if !p.Deliver(raw, testDst) {
			t.Fatal("should be consumed and dropped")
		}
		select {
		case <-requests:
			t.Fatal("tampered request must not be delivered")
		case <-time.After(300 * time.Millisecond):
		}
	})
}

func TestPoolDemux(t *testing.T) {
	sink := &captureSink{}
	p := newTestPool(t, sink, func(*stun.Message, *net.UDPAddr) {})

	if p.Deliver([]byte("plain application bytes"), testDst) {
		t.Fatal("non-stun data must be handed back")
	}
}

func TestPoolStopCancelsAll(t *testing.T) {
	sink := &captureSink{}
	p := newTestPool(t, sink, nil)
	p.SetOptimized(10 * time.Millisecond)

	results := make(chan Result, 4)
	for i := 0; i < 3; i++ {
		if _, err := p.SendRequest(stun.BindingRequest, nil, testDst, func(r Result) { results <- r }); err != nil {
			t.Fatal(err)
		}
	}
	p.Stop()

	if _, err := p.SendRequest(stun.BindingRequest, nil, testDst, nil); err != icerrors.ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	select {
	case <-results:
		t.Fatal("no results after stop")
	case <-time.After(1 * time.Second):
	}
}
