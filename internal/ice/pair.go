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
	"sort"

	"icewire/internal/stunx"
)

// PairState per RFC 8445 6.1.2.6.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	}
	return "unknown"
}

// pairPriority implements RFC 8445 6.1.2.3 with G the controlling side's
// candidate priority and D the controlled side's.
func pairPriority(g, d uint32) uint64 {
	gg, dd := uint64(g), uint64(d)
	lo, hi := gg, dd
	if dd < gg {
		lo, hi = dd, gg
	}
	p := (1<<32)*lo + 2*hi
	if gg > dd {
		p++
	}
	return p
}

// CandidatePair is one (local, remote) combination under test.
type CandidatePair struct {
	Local  *CandidateInfo
	Remote *CandidateInfo

	State       PairState
	Priority    uint64
	Foundation  string // local + remote foundations, RFC 8445 6.1.2.6
	IsValid     bool
	IsNominated bool

	// bookkeeping for the triggered and nomination flows
	isTriggered             bool
	isTriggeredForNominated bool
	finalNomination         bool
	sentUseCandidate        bool

	txn     *stunx.Transaction
	txnPool *stunx.Pool
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("L:%s %s - R:%s %s (prio:%d)",
		p.Local.Type, p.Local.Addr, p.Remote.Type, p.Remote.Addr, p.Priority)
}

func (p *CandidatePair) cancelCheck() {
	if p.txn != nil && p.txnPool != nil {
		p.txnPool.Cancel(p.txn)
	}
	p.txn, p.txnPool = nil, nil
}

// checkList is the agent's single pair list covering all components,
// sorted by descending priority, plus the triggered FIFO and the valid
// list (highest priority first).
type checkList struct {
	pairs     []*CandidatePair
	triggered []*CandidatePair
	valid     []*CandidatePair
}

// maxPairsPerComponent bounds the list; excess lowest-priority pairs drop.
const maxPairsPerComponent = 100

func (cl *checkList) sortPairs() {
	sort.SliceStable(cl.pairs, func(i, j int) bool {
		a, b := cl.pairs[i], cl.pairs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Local.ComponentID < b.Local.ComponentID
	})
}

// add inserts new pairs, re-sorts, prunes redundant ones and enforces the
// size cap. Redundant means same component, same local base, same remote
// address; the first (highest-priority) survives.
func (cl *checkList) add(pairs []*CandidatePair, componentCount int) {
	if len(pairs) == 0 {
		return
	}
	cl.pairs = append(cl.pairs, pairs...)
	cl.sortPairs()

	seen := make(map[string]bool, len(cl.pairs))
	kept := cl.pairs[:0]
	for _, p := range cl.pairs {
		key := fmt.Sprintf("%d/%s/%s", p.Local.ComponentID, p.Local.Base.Key(), p.Remote.Addr.Key())
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, p)
	}
	cl.pairs = kept

	if max := maxPairsPerComponent * componentCount; len(cl.pairs) > max {
		cl.pairs = cl.pairs[:max]
	}
}

// contains reports whether p survived pruning.
func (cl *checkList) contains(p *CandidatePair) bool {
	for _, q := range cl.pairs {
		if q == p {
			return true
		}
	}
	return false
}

// findPair locates a pair by its endpoints.
func (cl *checkList) findPair(local, remote *CandidateInfo) *CandidatePair {
	for _, p := range cl.pairs {
		if p.Local.ComponentID == local.ComponentID &&
			p.Local.Addr.Equal(local.Addr) && p.Remote.Addr.Equal(remote.Addr) {
			return p
		}
	}
	return nil
}

// unfreezeInitial moves one pair per foundation group to Waiting
// (RFC 8445 6.1.2.6): a pair stays Frozen while another pair with its
// foundation is already Waiting or further along.
func (cl *checkList) unfreezeInitial() {
	active := make(map[string]bool)
	for _, p := range cl.pairs {
		if p.State != PairFrozen {
			active[p.Foundation] = true
		}
	}
	for _, p := range cl.pairs {
		if p.State != PairFrozen {
			continue
		}
		if !active[p.Foundation] {
			p.State = PairWaiting
			active[p.Foundation] = true
		}
	}
}

// next selects the pair for this pacing tick: the triggered queue first,
// then the highest-priority Waiting pair, then the highest Frozen pair.
func (cl *checkList) next() *CandidatePair {
	for len(cl.triggered) > 0 {
		p := cl.triggered[0]
		cl.triggered = cl.triggered[1:]
		if p.State == PairWaiting {
			p.isTriggered = true
			return p
		}
	}
	var frozen *CandidatePair
	for _, p := range cl.pairs {
		switch p.State {
		case PairWaiting:
			p.isTriggered = false
			return p
		case PairFrozen:
			if frozen == nil {
				frozen = p
			}
		}
	}
	if frozen != nil {
		frozen.isTriggered = false
	}
	return frozen
}

func (cl *checkList) removeTriggered(match func(*CandidatePair) bool) {
	kept := cl.triggered[:0]
	for _, p := range cl.triggered {
		if !match(p) {
			kept = append(kept, p)
		}
	}
	cl.triggered = kept
}

func (cl *checkList) removeValid(pair *CandidatePair) {
	for i, p := range cl.valid {
		if p == pair {
			cl.valid = append(cl.valid[:i], cl.valid[i+1:]...)
			return
		}
	}
}

// insertValid keeps the valid list ordered by descending priority.
func (cl *checkList) insertValid(pair *CandidatePair) {
	at := len(cl.valid)
	for i, p := range cl.valid {
		if pair.Priority > p.Priority {
			at = i
			break
		}
	}
	cl.valid = append(cl.valid, nil)
	copy(cl.valid[at+1:], cl.valid[at:])
	cl.valid[at] = pair
}
