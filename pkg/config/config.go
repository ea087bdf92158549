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

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/miekg/dns"
	"github.com/spf13/viper"

	"icewire/pkg/icerrors"
)

// LocalConfig is the CLI-facing configuration, loaded from app.yaml.
type LocalConfig struct {
	LogLevel   string `mapstructure:"logLevel"`
	Components int    `mapstructure:"components"`

	StunServer   string `mapstructure:"stunServer"` // host:port
	TurnServer   string `mapstructure:"turnServer"` // host:port
	TurnUsername string `mapstructure:"turnUsername"`
	TurnPassword string `mapstructure:"turnPassword"`
	TurnRealm    string `mapstructure:"turnRealm"`

	// PacingMs overrides the Ta check pacing interval when > 0.
	PacingMs int `mapstructure:"pacingMs"`
	// DSCP is applied to media sockets when > 0 (IPv4 only).
	DSCP int `mapstructure:"dscp"`

	Features []string `mapstructure:"features"`
}

// InitConfig reads app.yaml from the usual search paths. A missing file is
// not an error; defaults apply.
func InitConfig() (*LocalConfig, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/icewire/")
	v.AddConfigPath("$HOME/.icewire")
	v.AddConfigPath(".")

	v.SetDefault("logLevel", "info")
	v.SetDefault("components", 1)
	v.SetDefault("turnRealm", "icewire.io")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	config := &LocalConfig{}
	if err := v.UnmarshalExact(config); err != nil {
		return nil, err
	}
	if config.Components < 1 {
		return nil, icerrors.ErrNoComponents
	}
	return config, nil
}

// ResolveServer turns a host:port server spec into a UDP address. Literal
// IPs pass straight through; names go to the system resolver via dns, with
// the stdlib resolver as fallback.
func ResolveServer(hostport string) (*net.UDPAddr, error) {
	if hostport == "" {
		return nil, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("bad server spec %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("bad server port %q: %w", hostport, icerrors.ErrServerNotFound)
	}
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}
	if ip := lookupDNS(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %q: %w", host, icerrors.ErrServerNotFound)
	}
	return &net.UDPAddr{IP: addrs[0], Port: port}, nil
}

func lookupDNS(host string) net.IP {
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cc.Servers) == 0 {
		return nil
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := new(dns.Client)
	for _, server := range cc.Servers {
		in, _, err := c.Exchange(m, net.JoinHostPort(server, cc.Port))
		if err != nil || in == nil {
			continue
		}
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A
			}
		}
	}
	return nil
}
