// config.go - torlite client core configuration.
// Copyright (C) 2025  The torlite authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config implements the configuration for the torlite client core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/torlite/torlite/channel"
	"github.com/torlite/torlite/circuit"
	"github.com/torlite/torlite/congestion"
	"github.com/torlite/torlite/crypto/relaycrypt"
)

const (
	defaultLogLevel            = "NOTICE"
	defaultSendQueueDepth      = 32
	defaultRelayQueueDepth     = 32
	defaultDestroyReplayBudget = 8
	defaultDestroyHolddown     = 60 // seconds
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Metrics is the metrics exposition configuration.
type Metrics struct {
	// Address is the listen address for the Prometheus endpoint, if
	// omitted no endpoint is started.
	Address string
}

// Channel is the per-connection cell reactor configuration.
type Channel struct {
	// SendQueueDepth is the depth of the outbound cell queue, which also
	// bounds the number of outstanding send tokens.
	SendQueueDepth int

	// RelayQueueDepth is the depth of each circuit's inbound relay cell
	// queue.
	RelayQueueDepth int

	// DestroyReplayBudget is the number of stray cells tolerated on a
	// circuit id after a DESTROY has been sent on it.
	DestroyReplayBudget int

	// DestroyHolddownSec is how long, in seconds, a destroyed circuit id
	// remains reserved before it may be reused.
	DestroyHolddownSec int
}

func (chCfg *Channel) applyDefaults() {
	if chCfg.SendQueueDepth <= 0 {
		chCfg.SendQueueDepth = defaultSendQueueDepth
	}
	if chCfg.RelayQueueDepth <= 0 {
		chCfg.RelayQueueDepth = defaultRelayQueueDepth
	}
	if chCfg.DestroyReplayBudget <= 0 {
		chCfg.DestroyReplayBudget = defaultDestroyReplayBudget
	}
	if chCfg.DestroyHolddownSec <= 0 {
		chCfg.DestroyHolddownSec = defaultDestroyHolddown
	}
}

// Circuit is the per-circuit configuration.
type Circuit struct {
	// RelayCryptFormat selects the relay crypto format for new hops,
	// either "legacy" or "hs".
	RelayCryptFormat string

	// InboundCellLimit caps the relay cells accepted from each hop over
	// the circuit's lifetime, 0 means unlimited.
	InboundCellLimit uint32

	// OutboundCellLimit caps the relay cells sent to each hop over the
	// circuit's lifetime, 0 means unlimited.
	OutboundCellLimit uint32

	// PaddingIntervalSec enables periodic circuit padding at the given
	// interval in seconds, 0 disables padding.
	PaddingIntervalSec int
}

func (cCfg *Circuit) validate() error {
	switch strings.ToLower(cCfg.RelayCryptFormat) {
	case "", "legacy", "hs":
	default:
		return fmt.Errorf("config: Circuit: RelayCryptFormat '%v' is invalid", cCfg.RelayCryptFormat)
	}
	return nil
}

// Format returns the relay crypto format selected by the configuration.
func (cCfg *Circuit) Format() relaycrypt.Format {
	if strings.ToLower(cCfg.RelayCryptFormat) == "hs" {
		return relaycrypt.FormatHS
	}
	return relaycrypt.FormatLegacy
}

// Congestion is the circuit-level flow control configuration.
type Congestion struct {
	// SendWindow is the initial outbound data cell window per hop.
	SendWindow uint32

	// RecvWindow is the inbound data cell window granted to each hop.
	RecvWindow uint32

	// Increment is the number of cells acknowledged by one SENDME.
	Increment uint32

	// DisableSendmeAuth disables verification of SENDME authentication
	// tags.  Only for interoperating with ancient peers.
	DisableSendmeAuth bool
}

// Config is the top-level configuration.
type Config struct {
	Logging    *Logging
	Metrics    *Metrics
	Channel    *Channel
	Circuit    *Circuit
	Congestion *Congestion
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Channel == nil {
		c.Channel = &Channel{}
	}
	c.Channel.applyDefaults()
	if c.Circuit == nil {
		c.Circuit = &Circuit{}
	}
	if err := c.Circuit.validate(); err != nil {
		return err
	}
	if c.Congestion == nil {
		c.Congestion = &Congestion{}
	}
	return nil
}

// NewChannelConfig builds the cell reactor configuration for one
// connection.
func (c *Config) NewChannelConfig(name string) *channel.Config {
	return &channel.Config{
		Name:                name,
		SendQueueDepth:      c.Channel.SendQueueDepth,
		RelayQueueDepth:     c.Channel.RelayQueueDepth,
		DestroyReplayBudget: c.Channel.DestroyReplayBudget,
		DestroyHolddown:     time.Duration(c.Channel.DestroyHolddownSec) * time.Second,
	}
}

// NewHopSettings builds the keying-time settings for one circuit hop.
func (c *Config) NewHopSettings() *circuit.Settings {
	p := congestion.DefaultParams()
	if c.Congestion.SendWindow != 0 {
		p.SendWindow = c.Congestion.SendWindow
	}
	if c.Congestion.RecvWindow != 0 {
		p.RecvWindow = c.Congestion.RecvWindow
	}
	if c.Congestion.Increment != 0 {
		p.Increment = c.Congestion.Increment
	}
	p.RequireSendmeAuth = !c.Congestion.DisableSendmeAuth

	return &circuit.Settings{
		Format:            c.Circuit.Format(),
		Congestion:        p,
		InboundCellLimit:  c.Circuit.InboundCellLimit,
		OutboundCellLimit: c.Circuit.OutboundCellLimit,
	}
}

// PaddingInterval returns the configured circuit padding interval, 0 if
// padding is disabled.
func (c *Config) PaddingInterval() time.Duration {
	return time.Duration(c.Circuit.PaddingIntervalSec) * time.Second
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
