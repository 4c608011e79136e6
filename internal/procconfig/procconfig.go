// procconfig.go - process configuration file
// Copyright (C) 2026  Mixcore Contributors.
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

// Package procconfig loads mixctl's own process configuration (queue
// directories, mix interval, retry schedule, transport and relay
// addresses) from a TOML file, grounded on the teacher's use of
// github.com/BurntSushi/toml for every process-level config (its
// mailproxy/server config loaders all follow this same decode-into-
// struct pattern) — distinct from catalog/config's tokenizer, which
// parses mixminion's own descriptor/directory text format, not TOML.
package procconfig

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config is mixctl's top-level process configuration.
type Config struct {
	QueueDir    string
	MixInterval Duration

	Mix      MixConfig
	Delivery DeliveryConfig
	Logging  LoggingConfig
}

// MixConfig configures the mix-pool batch selector.
type MixConfig struct {
	MinPool  int
	MinSend  int
	SendRate float64
	Binomial bool
}

// DeliveryConfig configures the retrying delivery queue.
type DeliveryConfig struct {
	RetrySchedule []Duration
	SMTPRelay     string
	SMTPFrom      string
	MBOXDir       string

	// MMTPDescriptorFile, if set, names a signed server descriptor file
	// for the single next-hop this server relays to over MMTP/QUIC.
	MMTPDescriptorFile string
}

// LoggingConfig configures internal/log.
type LoggingConfig struct {
	Dir   string
	Level string
}

// Duration is a time.Duration that decodes from TOML's native duration
// strings ("10m", "1h30m"), since encoding/toml has no built-in
// duration type.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, which BurntSushi/
// toml uses for any type that satisfies it.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration mixctl uses when no config file is
// given: a four-step retry schedule (2m, 2m, 1h, 1h) and the classic
// Cottrell mix parameters.
func Default(queueDir string) *Config {
	return &Config{
		QueueDir:    queueDir,
		MixInterval: Duration{600 * time.Second},
		Mix:         MixConfig{MinPool: 6, MinSend: 1, SendRate: 0.7},
		Delivery: DeliveryConfig{
			RetrySchedule: []Duration{
				{2 * time.Minute}, {2 * time.Minute}, {time.Hour}, {time.Hour},
			},
		},
		Logging: LoggingConfig{Level: "NOTICE"},
	}
}

// Load decodes a TOML process configuration file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Durations converts cfg's retry schedule into plain time.Durations for
// queue/delivery.Options.RetrySchedule.
func (c *Config) Durations() []time.Duration {
	out := make([]time.Duration, len(c.Delivery.RetrySchedule))
	for i, d := range c.Delivery.RetrySchedule {
		out[i] = d.Duration
	}
	return out
}
