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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "node.yaml")

	configContent := `environment: production

transport:
  ice_servers: "stun:stun.example.com:3478;turn:turn.example.com:3478"
  external_address: "https://node1.example.com:8443"
  signaling_url: "wss://signal.example.com/ws"

dht:
  dht_succ_max: 5
  stabilize_timeout: 2

session:
  session_ttl: 1800
  delegation_sweep: 30

logging:
  level: debug
  format: text
  output: stderr`

	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "https://node1.example.com:8443", cfg.Transport.ExternalAddress)
	assert.Equal(t, "wss://signal.example.com/ws", cfg.Transport.SignalingURL)
	assert.Equal(t, []string{"stun:stun.example.com:3478", "turn:turn.example.com:3478"}, cfg.Transport.ICEServerList())
	assert.Equal(t, 5, cfg.DHT.SuccMax)
	assert.Equal(t, 2, cfg.DHT.StabilizeTimeout)
	assert.Equal(t, 1800, cfg.Session.SessionTTL)
	assert.Equal(t, 30, cfg.Session.DelegationSweep)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// HandshakeTimeout wasn't set in the fixture, so setDefaults should have filled it in.
	assert.Equal(t, 30*time.Second, cfg.Transport.HandshakeTimeout)
}

func TestLoadFromFile_JSONFallback(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "node.conf")

	configContent := `{
  "environment": "staging",
  "dht": {"dht_succ_max": 7},
  "session": {"session_ttl": 900}
}`

	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 7, cfg.DHT.SuccMax)
	assert.Equal(t, 900, cfg.Session.SessionTTL)
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadFromFile_Unparseable(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "node.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("not: [valid: yaml: or json"), 0644))

	_, err := LoadFromFile(configPath)
	assert.Error(t, err)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{
		Environment: "production",
		Transport: &TransportConfig{
			ICEServers:   "stun:a;stun:b",
			SignalingURL: "wss://signal.example.com/ws",
		},
		DHT:     &DHTConfig{SuccMax: 4},
		Session: &SessionConfig{SessionTTL: 600},
	}

	yamlPath := filepath.Join(tmpDir, "node.yaml")
	require.NoError(t, SaveToFile(cfg, yamlPath))
	reloaded, err := LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Transport.SignalingURL, reloaded.Transport.SignalingURL)
	assert.Equal(t, cfg.DHT.SuccMax, reloaded.DHT.SuccMax)

	jsonPath := filepath.Join(tmpDir, "node.json")
	require.NoError(t, SaveToFile(cfg, jsonPath))
	reloadedJSON, err := LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Session.SessionTTL, reloadedJSON.Session.SessionTTL)
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{
		Transport: &TransportConfig{},
		DHT:       &DHTConfig{},
		Session:   &SessionConfig{},
		Logging:   &LoggingConfig{},
		Metrics:   &MetricsConfig{},
		Health:    &HealthConfig{},
	}

	setDefaults(cfg)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 30*time.Second, cfg.Transport.HandshakeTimeout)
	assert.Equal(t, 3, cfg.DHT.SuccMax)
	assert.Equal(t, 3, cfg.DHT.StabilizeTimeout)
	assert.Equal(t, 3600, cfg.Session.SessionTTL)
	assert.Equal(t, 60, cfg.Session.DelegationSweep)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 9091, cfg.Health.Port)
	assert.Equal(t, "/health", cfg.Health.Path)
}

func TestSetDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		DHT:         &DHTConfig{SuccMax: 8, StabilizeTimeout: 10},
	}

	setDefaults(cfg)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 8, cfg.DHT.SuccMax)
	assert.Equal(t, 10, cfg.DHT.StabilizeTimeout)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		Transport: &TransportConfig{},
		DHT:       &DHTConfig{},
		Session:   &SessionConfig{},
	}

	ApplyDefaults(cfg)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 3, cfg.DHT.SuccMax)
	assert.Equal(t, 3600, cfg.Session.SessionTTL)
}

func TestICEServerList(t *testing.T) {
	tests := []struct {
		name     string
		servers  string
		expected []string
	}{
		{"empty", "", nil},
		{"single", "stun:stun.example.com:3478", []string{"stun:stun.example.com:3478"}},
		{"multiple", "stun:a:3478;turn:b:3478", []string{"stun:a:3478", "turn:b:3478"}},
		{"whitespace and blanks", " stun:a:3478 ;; turn:b:3478 ", []string{"stun:a:3478", "turn:b:3478"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := &TransportConfig{ICEServers: tt.servers}
			assert.Equal(t, tt.expected, tc.ICEServerList())
		})
	}

	t.Run("nil receiver", func(t *testing.T) {
		var tc *TransportConfig
		assert.Nil(t, tc.ICEServerList())
	})
}
