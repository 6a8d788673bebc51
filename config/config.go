package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the stack. All durations are plain integers
// (milliseconds or seconds as named) so the YAML stays simple.
type Config struct {
	LocalIP           string `yaml:"localIP"`           // address assigned to the tun interface
	MTU               int    `yaml:"mtu"`               // link MTU, caps outgoing datagram size
	TTL               uint8  `yaml:"ttl"`               // IPv4 time-to-live for outgoing datagrams
	PreferredMSS      int    `yaml:"preferredMSS"`      // MSS advertised on SYN, clamped to MTU-40
	SendBufferSize    int    `yaml:"sendBufferSize"`    // per connection send buffer in bytes
	ReceiveBufferSize int    `yaml:"receiveBufferSize"` // per connection receive buffer in bytes
	PayloadPoolSize   int    `yaml:"payloadPoolSize"`   // number of payload chunks in the ring pool
	MaxConnections    int    `yaml:"maxConnections"`    // connection table bound

	// Timers. RFC 9293 leaves these to the implementation; the defaults
	// are conservative and every one is overridable.
	MslSec          int  `yaml:"mslSec"`          // max segment lifetime; TIME_WAIT holds 2*MSL
	InitialRtoMs    int  `yaml:"initialRtoMs"`    // RTO before the first RTT sample
	MinRtoMs        int  `yaml:"minRtoMs"`        // lower clamp for the computed RTO
	MaxRtoMs        int  `yaml:"maxRtoMs"`        // upper clamp, also the backoff cap
	MaxRetries      int  `yaml:"maxRetries"`      // consecutive timeouts before the connection aborts
	DelayedAckMs    int  `yaml:"delayedAckMs"`    // how long a pure data ACK may be deferred
	EnginePollMs    int  `yaml:"enginePollMs"`    // idle engine wake-up interval
	KeepaliveSec    int  `yaml:"keepaliveSec"`    // idle probe interval, 0 disables keepalive
	KeepaliveProbes int  `yaml:"keepaliveProbes"` // unanswered probes before abort
	HalfOpenPerSlot int  `yaml:"halfOpenPerSlot"` // half-open handshakes allowed per backlog slot
	LocalPortLower  int  `yaml:"localPortLower"`  // ephemeral port range for Dial
	LocalPortUpper  int  `yaml:"localPortUpper"`  //
	Debug           bool `yaml:"debug"`           // per-segment diagnostics
}

// DefaultConfig returns the documented defaults. ReadConfig starts from these
// so a partial YAML file only overrides what it names.
func DefaultConfig() *Config {
	return &Config{
		LocalIP:           "192.168.0.2",
		MTU:               1500,
		TTL:               64,
		PreferredMSS:      1460,
		SendBufferSize:    64 * 1024,
		ReceiveBufferSize: 64 * 1024,
		PayloadPoolSize:   2000,
		MaxConnections:    4096,
		MslSec:            30,
		InitialRtoMs:      1000,
		MinRtoMs:          200,
		MaxRtoMs:          60000,
		MaxRetries:        8,
		DelayedAckMs:      10,
		EnginePollMs:      1,
		KeepaliveSec:      0,
		KeepaliveProbes:   3,
		HalfOpenPerSlot:   2,
		LocalPortLower:    32768,
		LocalPortUpper:    60999,
		Debug:             false,
	}
}

// ReadConfig loads path on top of the defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.MTU < 576 {
		return fmt.Errorf("mtu %d is below the IPv4 minimum of 576", c.MTU)
	}
	if c.PreferredMSS <= 0 || c.PreferredMSS > c.MTU-40 {
		return fmt.Errorf("preferredMSS %d must be in (0, mtu-40]", c.PreferredMSS)
	}
	if c.SendBufferSize <= 0 || c.ReceiveBufferSize <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("maxRetries must be positive")
	}
	if c.MslSec <= 0 {
		return fmt.Errorf("mslSec must be positive")
	}
	if c.LocalPortLower <= 0 || c.LocalPortUpper <= c.LocalPortLower || c.LocalPortUpper > 65535 {
		return fmt.Errorf("invalid ephemeral port range [%d, %d]", c.LocalPortLower, c.LocalPortUpper)
	}
	return nil
}
