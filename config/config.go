// Package config loads a uartlink deployment's settings from JSON,
// applying sensible defaults to anything the file leaves out.
package config

import (
	"encoding/json"
	"time"
)

// LinkConfig describes one end of a uartlink deployment: which device
// to open, how fast, and the engine's retry/timeout tunables.
type LinkConfig struct {
	Device              string `json:"device"`
	Baud                int    `json:"baud"`
	ReadTimeoutMS       int    `json:"read_timeout_ms"`
	RetryTimeoutMS      int    `json:"retry_timeout_ms"`
	RetransmitTimeoutMS int    `json:"retransmit_timeout_ms"`
	MaxRetransmits      int    `json:"max_retransmits"`
	WatchdogTimeoutMS   int    `json:"watchdog_timeout_ms"`
	RedisAddr           string `json:"redis_addr"`
}

// ReadTimeout, RetryTimeout, RetransmitTimeout, WatchdogTimeout convert
// the JSON millisecond fields to time.Duration for direct use by
// package engine/uartio.
func (c LinkConfig) ReadTimeout() time.Duration       { return time.Duration(c.ReadTimeoutMS) * time.Millisecond }
func (c LinkConfig) RetryTimeout() time.Duration      { return time.Duration(c.RetryTimeoutMS) * time.Millisecond }
func (c LinkConfig) RetransmitTimeout() time.Duration { return time.Duration(c.RetransmitTimeoutMS) * time.Millisecond }
func (c LinkConfig) WatchdogTimeout() time.Duration   { return time.Duration(c.WatchdogTimeoutMS) * time.Millisecond }

// Load parses jsonData into a LinkConfig and fills in any zero-valued
// field with its default.
func Load(jsonData []byte) (LinkConfig, error) {
	cfg := LinkConfig{}
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return LinkConfig{}, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *LinkConfig) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeoutMS == 0 {
		cfg.ReadTimeoutMS = 100
	}
	if cfg.RetryTimeoutMS == 0 {
		cfg.RetryTimeoutMS = 100
	}
	if cfg.RetransmitTimeoutMS == 0 {
		cfg.RetransmitTimeoutMS = 50
	}
	// MaxRetransmits and WatchdogTimeoutMS default to 0, meaning
	// unbounded/disabled: that is a meaningful value, not a missing one,
	// so it is left alone here.
}

// Default returns the settings uartlink's own demo uses, for device.
func Default(device string) LinkConfig {
	cfg := LinkConfig{Device: device}
	applyDefaults(&cfg)
	return cfg
}
