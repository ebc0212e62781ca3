// Copyright (C) 2025 rings-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Environment string           `yaml:"environment" json:"environment"`
	Transport   *TransportConfig `yaml:"transport" json:"transport"`
	DHT         *DHTConfig       `yaml:"dht" json:"dht"`
	Session     *SessionConfig   `yaml:"session" json:"session"`
	Logging     *LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig    `yaml:"health" json:"health"`
}

// TransportConfig represents transport and signaling configuration
type TransportConfig struct {
	ICEServers       string        `yaml:"ice_servers" json:"ice_servers"`
	ExternalAddress  string        `yaml:"external_address" json:"external_address"`
	SignalingURL     string        `yaml:"signaling_url" json:"signaling_url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// ICEServerList splits ICEServers on ';', trimming whitespace and
// dropping empty entries.
func (t *TransportConfig) ICEServerList() []string {
	if t == nil || t.ICEServers == "" {
		return nil
	}
	parts := strings.Split(t.ICEServers, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DHTConfig represents Chord ring configuration
type DHTConfig struct {
	SuccMax          int `yaml:"dht_succ_max" json:"dht_succ_max"`
	StabilizeTimeout int `yaml:"stabilize_timeout" json:"stabilize_timeout"`
}

// SessionConfig represents delegated session-key configuration
type SessionConfig struct {
	SessionTTL      int `yaml:"session_ttl" json:"session_ttl"`
	DelegationSweep int `yaml:"delegation_sweep" json:"delegation_sweep"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file
func LoadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	// Set defaults
	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file
func SaveToFile(cfg *Config, path string) error {
	// Determine format by extension
	var data []byte
	var err error

	if path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyDefaults fills in unset fields of a Config built directly rather
// than loaded via LoadFromFile, e.g. one assembled entirely from flags.
func ApplyDefaults(cfg *Config) {
	setDefaults(cfg)
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Transport != nil {
		if cfg.Transport.HandshakeTimeout == 0 {
			cfg.Transport.HandshakeTimeout = 30 * time.Second
		}
	}

	if cfg.DHT != nil {
		if cfg.DHT.SuccMax == 0 {
			cfg.DHT.SuccMax = 3
		}
		if cfg.DHT.StabilizeTimeout == 0 {
			cfg.DHT.StabilizeTimeout = 3
		}
	}

	if cfg.Session != nil {
		if cfg.Session.SessionTTL == 0 {
			cfg.Session.SessionTTL = 3600
		}
		if cfg.Session.DelegationSweep == 0 {
			cfg.Session.DelegationSweep = 60
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}

	if cfg.Metrics != nil {
		if cfg.Metrics.Port == 0 {
			cfg.Metrics.Port = 9090
		}
		if cfg.Metrics.Path == "" {
			cfg.Metrics.Path = "/metrics"
		}
	}

	if cfg.Health != nil {
		if cfg.Health.Port == 0 {
			cfg.Health.Port = 9091
		}
		if cfg.Health.Path == "" {
			cfg.Health.Path = "/health"
		}
	}
}
