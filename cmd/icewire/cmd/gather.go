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
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"icewire/internal/ice"
	"icewire/pkg/config"
	"icewire/pkg/log"
	"icewire/pkg/netutil"
)

// gatherCmd gathers local candidates with the configured STUN/TURN
// servers and prints what the agent would signal, then exits.
func gatherCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "gather",
		Short: "Gather and print local candidates using the configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.InitConfig()
			if err != nil {
				return err
			}
			log.Level = log.ParseLevel(conf.LogLevel)
			return runGather(conf, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "gathering deadline")
	return cmd
}

func runGather(conf *config.LocalConfig, timeout time.Duration) error {
	addrs, err := netutil.Discover(false)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no usable interface addresses")
	}

	cfg := ice.Config{
		Mode:           ice.Initiator,
		Components:     conf.Components,
		LocalAddresses: ice.LocalAddressesFromNetutil(addrs),
		DSCP:           conf.DSCP,
	}
	if cfg.StunBindServer, err = config.ResolveServer(conf.StunServer); err != nil {
		return err
	}
	if cfg.TurnServer, err = config.ResolveServer(conf.TurnServer); err != nil {
		return err
	}
	cfg.TurnUsername = conf.TurnUsername
	cfg.TurnPassword = conf.TurnPassword
	cfg.TurnRealm = conf.TurnRealm

	done := make(chan struct{})
	agent := ice.NewAgent(cfg, ice.Events{})
	agent.SetEvents(ice.Events{
		OnLocalCandidatesReady: func(list []ice.WireCandidate) {
			for _, c := range list {
				fmt.Printf("component=%d type=%-5s %s:%d priority=%d foundation=%s\n",
					c.Component, c.Type, c.IP, c.Port, c.Priority, c.Foundation)
			}
			close(done)
		},
		OnError: func(err error) { klog.Errorf("agent error: %v", err) },
	})
	defer agent.Close()

	if err := agent.Start(); err != nil {
		return err
	}
	select {
	case <-done:
	case <-time.After(timeout):
		klog.Warningf("gathering did not complete within %s", timeout)
	}
	agent.Stop()
	return nil
}
