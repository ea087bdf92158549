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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChecksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "icewire_checks_sent_total",
		Help: "Connectivity checks issued, by component",
	}, []string{"component"})

	CheckFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "icewire_check_failures_total",
		Help: "Connectivity checks that timed out or were rejected",
	}, []string{"component"})

	PairsNominated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "icewire_pairs_nominated_total",
		Help: "Candidate pairs nominated, by component",
	}, []string{"component"})

	DatagramsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "icewire_datagrams_dropped_total",
		Help: "Application datagrams dropped before a pair was usable or on a full receive queue",
	}, []string{"component", "direction"})

	CandidatesGathered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "icewire_candidates_gathered_total",
		Help: "Local candidates gathered, by type",
	}, []string{"type"})

	ComponentsReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "icewire_components_ready",
		Help: "Components with a selected pair",
	})

	StunRetransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "icewire_stun_retransmits_total",
		Help: "STUN request retransmissions across all transactions",
	})
)

// Registry carries every engine collector; callers expose it over
// promhttp or merge it into their own registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ChecksSent,
		CheckFailures,
		PairsNominated,
		DatagramsDropped,
		CandidatesGathered,
		ComponentsReady,
		StunRetransmits,
	)
}
