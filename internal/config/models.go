package config

import (
	"fmt"
	"time"
)

// Config is the entire user configuration file.
type Config struct {
	Version int            `yaml:"version"`
	Serial  *SerialConfig  `yaml:"serial,omitempty"`
	Monitor *MonitorConfig `yaml:"monitor,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty"`
	Auth    *AuthConfig    `yaml:"auth,omitempty"`
}

// SerialConfig holds the serial link parameters. The appliance link is
// always 8N1; only port name and baud rate are configurable.
type SerialConfig struct {
	Port string `yaml:"port,omitempty"` // e.g. /dev/ttyUSB0
	Baud int    `yaml:"baud"`
}

// MonitorConfig configures the dual-tap monitor mode.
type MonitorConfig struct {
	TxPort string `yaml:"tx_port,omitempty"` // controller-side tap
	RxPort string `yaml:"rx_port,omitempty"` // device-side tap
	Listen string `yaml:"listen,omitempty"`  // websocket listen address
	// RuleWindows overrides pairing windows per request command,
	// keyed by hex command byte (e.g. "0x12"), in milliseconds.
	RuleWindows map[string]int `yaml:"rule_windows,omitempty"`
}

// SessionConfig tunes session initialization timing, in milliseconds.
type SessionConfig struct {
	SettleDelayMs   int `yaml:"settle_delay_ms"`
	StepTimeoutMs   int `yaml:"step_timeout_ms"`
	ChallengeWaitMs int `yaml:"challenge_wait_ms"`
}

// AuthConfig selects and parameterizes the challenge responder.
// Key material lives here because the link itself carries no secrets;
// protect the file with user-only permissions.
type AuthConfig struct {
	// Mode is "cmac", "replay" or "none".
	Mode string `yaml:"mode"`
	// Key is the hex-encoded 16-byte AES key for cmac mode.
	Key string `yaml:"key,omitempty"`
	// Replay maps hex challenges to hex responses for replay mode.
	Replay map[string]string `yaml:"replay,omitempty"`
}

// SettleDelay returns the configured settling delay as a duration.
func (s *SessionConfig) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMs) * time.Millisecond
}

// StepTimeout returns the configured per-step timeout as a duration.
func (s *SessionConfig) StepTimeout() time.Duration {
	return time.Duration(s.StepTimeoutMs) * time.Millisecond
}

// ChallengeWait returns the configured challenge wait as a duration.
func (s *SessionConfig) ChallengeWait() time.Duration {
	return time.Duration(s.ChallengeWaitMs) * time.Millisecond
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Version: 1,
		Serial: &SerialConfig{
			Baud: 9600,
		},
		Monitor: &MonitorConfig{
			Listen: "127.0.0.1:8089",
		},
		Session: &SessionConfig{
			SettleDelayMs:   100,
			StepTimeoutMs:   2000,
			ChallengeWaitMs: 5000,
		},
		Auth: &AuthConfig{
			Mode: "none",
		},
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}
	if c.Serial != nil && c.Serial.Baud <= 0 {
		return fmt.Errorf("invalid baud rate: %d", c.Serial.Baud)
	}
	if c.Auth != nil {
		switch c.Auth.Mode {
		case "", "none", "cmac", "replay":
		default:
			return fmt.Errorf("unknown auth mode: %q", c.Auth.Mode)
		}
		if c.Auth.Mode == "cmac" && len(c.Auth.Key) != 32 {
			return fmt.Errorf("cmac mode needs a 32-hex-digit key, got %d digits", len(c.Auth.Key))
		}
	}
	return nil
}
