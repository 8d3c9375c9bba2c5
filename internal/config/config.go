// Package config holds the session configuration and its TOML file form.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Transport names the tunnel substrate.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportQUIC Transport = "quic"
)

// Config stores all parameters of one debug session, gathered from the
// config file, flags, and interactive prompts, in that order.
type Config struct {
	DeviceAddress string    `toml:"device_address"` // host or host:port of the device
	PairingPath   string    `toml:"pairing_file"`   // path to the pairing record plist
	Label         string    `toml:"label"`          // client label announced to the device
	Transport     Transport `toml:"transport"`      // "tcp" or "quic"
	CapturePath   string    `toml:"capture_file"`   // optional pcap of all tunnel frames

	ConnectTimeout   duration `toml:"connect_timeout"`   // dial + tunnel negotiation
	HandshakeTimeout duration `toml:"handshake_timeout"` // service catalog exchange
	ReplyTimeout     duration `toml:"reply_timeout"`     // per-command reply wait
	DrainTimeout     duration `toml:"drain_timeout"`     // notification drain window

	DiscoverWindow duration `toml:"discover_window"` // mDNS browse duration
	Debug          bool     `toml:"debug"`           // verbose logging
}

// duration lets TOML carry values like "5s" or "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration a session starts from before file and
// flag overrides.
func Default() *Config {
	return &Config{
		Label:            "DebugProxyShell",
		Transport:        TransportTCP,
		ConnectTimeout:   duration{10 * time.Second},
		HandshakeTimeout: duration{10 * time.Second},
		ReplyTimeout:     duration{5 * time.Second},
		DrainTimeout:     duration{100 * time.Millisecond},
		DiscoverWindow:   duration{2 * time.Second},
	}
}

// Load reads a TOML file over the defaults. Fields the file does not set
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations no session can start from.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("unknown transport %q, pick tcp or quic", c.Transport)
	}
	if c.Label == "" {
		return fmt.Errorf("label must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":   c.ConnectTimeout.Duration,
		"handshake_timeout": c.HandshakeTimeout.Duration,
		"reply_timeout":     c.ReplyTimeout.Duration,
		"drain_timeout":     c.DrainTimeout.Duration,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
