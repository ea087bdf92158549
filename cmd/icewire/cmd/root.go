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
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "icewire",
	Short: "icewire: ICE connectivity engine for peer-to-peer UDP paths",
	Long: `icewire negotiates peer-to-peer UDP paths through NATs with ICE:
it gathers host, server-reflexive and relayed candidates, runs paced
connectivity checks against a remote agent, and nominates one pair per
component to carry datagrams.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(gatherCmd())
	rootCmd.AddCommand(versionCmd())
}
