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

package cmd

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"icewire/internal/ice"
	"icewire/pkg/config"
	"icewire/pkg/log"
)

// probeCmd runs two in-process agents over loopback, wires their
// signalling directly together, and reports the pair the initiating side
// selects for each component.
// It is the quickest way to see the engine negotiate end to end.
func probeCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Negotiate between two local agents and report the selected pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.InitConfig()
			if err != nil {
				return err
			}
			if logLevel != "" {
				conf.LogLevel = logLevel
			}
			log.Level = log.ParseLevel(conf.LogLevel)
			return runProbe(conf)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "engine log level (verbose, info, warning, error)")
	return cmd
}

func runProbe(conf *config.LocalConfig) error {
	local := []ice.LocalAddress{{IP: net.IPv4(127, 0, 0, 1), Network: 1}}

	mk := func(mode ice.Mode) *ice.Agent {
		cfg := ice.Config{
			Mode:           mode,
			Components:     conf.Components,
			LocalAddresses: local,
			LocalFeatures:  ice.FeatureGatheringComplete,
		}
		if conf.PacingMs > 0 {
			cfg.Ta = time.Duration(conf.PacingMs) * time.Millisecond
		}
		return ice.NewAgent(cfg, ice.Events{})
	}

	left := mk(ice.Initiator)
	right := mk(ice.Responder)
	defer left.Close()
	defer right.Close()

	leftDone := make(chan struct{})
	rightDone := make(chan struct{})
	wire(left, right, leftDone)
	wire(right, left, rightDone)

	if err := left.Start(); err != nil {
		return err
	}
	if err := right.Start(); err != nil {
		return err
	}

	// credentials and features travel out of band before checks open
	lc, rc := left.LocalCredentials(), right.LocalCredentials()
	left.SetRemoteCredentials(rc.Ufrag, rc.Password)
	right.SetRemoteCredentials(lc.Ufrag, lc.Password)
	left.SetRemoteFeatures(ice.FeatureGatheringComplete)
	right.SetRemoteFeatures(ice.FeatureGatheringComplete)
	if err := left.StartChecks(); err != nil {
		return err
	}
	if err := right.StartChecks(); err != nil {
		return err
	}

	var g errgroup.Group
	for _, done := range []chan struct{}{leftDone, rightDone} {
		done := done
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-time.After(30 * time.Second):
				return fmt.Errorf("negotiation timed out")
			}
		})
	}
	if err := g.Wait(); err != nil {
		left.Stop()
		right.Stop()
		return err
	}

	for n := 0; n < conf.Components; n++ {
		l, r, ok := left.SelectedPair(n)
		if !ok {
			continue
		}
		klog.Infof("component %d: %s:%d <-> %s:%d (%s/%s)", n+1, l.IP, l.Port, r.IP, r.Port, l.Type, r.Type)
	}

	left.Stop()
	right.Stop()
	return nil
}

// wire forwards a's candidate output into b and closes done once a
// finishes. The handlers only enqueue work on b, so they never block a's
// loop.
func wire(a, b *ice.Agent, done chan struct{}) {
	a.SetEvents(ice.Events{
		OnLocalCandidatesReady: func(list []ice.WireCandidate) {
			b.AddRemoteCandidates(list)
			b.SetRemoteGatheringComplete()
		},
		OnLocalCandidate: func(c ice.WireCandidate) {
			b.AddRemoteCandidates([]ice.WireCandidate{c})
		},
		OnLocalGatheringComplete: func() { b.SetRemoteGatheringComplete() },
		OnIceFinished:            func() { close(done) },
		OnError: func(err error) {
			klog.Errorf("agent error: %v", err)
		},
	})
}
