package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
version: 1
serial:
  port: /dev/ttyUSB0
  baud: 19200
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, 19200, cfg.Serial.Baud)

	// Omitted sections come back as defaults.
	require.NotNil(t, cfg.Session)
	assert.Equal(t, 100, cfg.Session.SettleDelayMs)
	require.NotNil(t, cfg.Auth)
	assert.Equal(t, "none", cfg.Auth.Mode)
	require.NotNil(t, cfg.Monitor)
}

func TestLoadFileFullConfig(t *testing.T) {
	path := writeTempConfig(t, `
version: 1
serial:
  baud: 9600
monitor:
  tx_port: /dev/ttyUSB0
  rx_port: /dev/ttyUSB1
  listen: 127.0.0.1:9999
  rule_windows:
    "0x12": 15000
session:
  settle_delay_ms: 250
  step_timeout_ms: 3000
  challenge_wait_ms: 8000
auth:
  mode: cmac
  key: 00112233445566778899aabbccddeeff
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Monitor.RxPort)
	assert.Equal(t, 15000, cfg.Monitor.RuleWindows["0x12"])
	assert.Equal(t, 250, cfg.Session.SettleDelayMs)
	assert.Equal(t, "cmac", cfg.Auth.Mode)
	assert.Equal(t, 3000, cfg.Session.StepTimeoutMs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "bad version", mutate: func(c *Config) { c.Version = 2 }, wantErr: true},
		{name: "bad baud", mutate: func(c *Config) { c.Serial.Baud = -1 }, wantErr: true},
		{name: "bad auth mode", mutate: func(c *Config) { c.Auth.Mode = "magic" }, wantErr: true},
		{name: "cmac without key", mutate: func(c *Config) { c.Auth.Mode = "cmac" }, wantErr: true},
		{
			name: "cmac with key",
			mutate: func(c *Config) {
				c.Auth.Mode = "cmac"
				c.Auth.Key = "00112233445566778899aabbccddeeff"
			},
		},
		{name: "replay mode", mutate: func(c *Config) { c.Auth.Mode = "replay" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFileRejectsBadYAML(t *testing.T) {
	path := writeTempConfig(t, "version: [not an int")
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestSessionDurations(t *testing.T) {
	s := &SessionConfig{SettleDelayMs: 100, StepTimeoutMs: 2000, ChallengeWaitMs: 5000}
	assert.Equal(t, 100*time.Millisecond, s.SettleDelay())
	assert.Equal(t, 2*time.Second, s.StepTimeout())
	assert.Equal(t, 5*time.Second, s.ChallengeWait())
}

func TestGetConfigPathEndsWithFile(t *testing.T) {
	path, err := GetConfigPath()
	require.NoError(t, err)
	assert.Equal(t, configFile, filepath.Base(path))
}
