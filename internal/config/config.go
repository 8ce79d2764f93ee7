// Package config holds the relay configuration types.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultListen          = ":8080"
	DefaultPath            = "/"
	DefaultDoHURL          = "https://1.1.1.1/dns-query"
	DefaultEarlyDataHeader = "Sec-WebSocket-Protocol"
	DefaultDialTimeout     = 10 * time.Second
	DefaultVoIPStart       = 5060
	DefaultVoIPEnd         = 5080
	DefaultDNSConcurrency  = 16
)

// Environment variables consulted by ApplyEnv.
const (
	EnvIdentifier = "UUID"
	EnvFallback   = "PROXYIP"
)

// PortRange is an inclusive range of destination ports.
type PortRange struct {
	Start uint16 `toml:"start"`
	End   uint16 `toml:"end"`
}

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// Priorities are scheduler levels; higher is more urgent.
type Priorities struct {
	VoIP    int `toml:"voip"`
	DNS     int `toml:"dns"`
	Default int `toml:"default"`
}

// LogFile configures the optional rotating log file.
type LogFile struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config stores every relay parameter. It is built once at startup and
// shared read-only by all sessions.
type Config struct {
	Identifier          uuid.UUID     `toml:"-"`
	IdentifierText      string        `toml:"uuid"`
	FallbackAddress     string        `toml:"proxy_ip"` // empty means no fallback
	VoIPPorts           PortRange     `toml:"voip_ports"`
	Priorities          Priorities    `toml:"priorities"`
	DoHURL              string        `toml:"doh_url"`
	DNSConcurrency      int           `toml:"dns_concurrency"` // in-flight DoH exchanges per DNS flow
	MaxEarlyData        int           `toml:"max_early_data"`  // characters, 0 means unlimited
	Listen              string        `toml:"listen"`
	Path                string        `toml:"path"`
	EarlyDataHeader     string        `toml:"early_data_header"`
	AcceptProxyProtocol bool          `toml:"accept_proxy_protocol"`
	DialTimeout         time.Duration `toml:"-"`
	DialTimeoutText     string        `toml:"dial_timeout"`
	LogFile             LogFile       `toml:"log_file"`
	Debug               bool          `toml:"debug"`
}

// Default returns a Config populated with built-in defaults and no identifier.
func Default() *Config {
	return &Config{
		VoIPPorts:       PortRange{Start: DefaultVoIPStart, End: DefaultVoIPEnd},
		Priorities:      Priorities{VoIP: 6, DNS: 4, Default: 0},
		DoHURL:          DefaultDoHURL,
		DNSConcurrency:  DefaultDNSConcurrency,
		Listen:          DefaultListen,
		Path:            DefaultPath,
		EarlyDataHeader: DefaultEarlyDataHeader,
		DialTimeout:     DefaultDialTimeout,
		LogFile:         LogFile{MaxSizeMB: 20, MaxBackups: 3, MaxAgeDays: 7},
	}
}

// LoadFile overlays the TOML file at path onto cfg.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to load config file at %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the identifier and fallback address from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvIdentifier); v != "" {
		c.IdentifierText = v
	}
	if v := os.Getenv(EnvFallback); v != "" {
		c.FallbackAddress = v
	}
}

// Resolve parses the textual fields and validates the result. Warnings are
// non-fatal observations for the caller to log.
func (c *Config) Resolve() (warnings []string, err error) {
	text := strings.TrimSpace(c.IdentifierText)
	if text == "" {
		return nil, errors.New("missing identifier (set uuid in the config file, UUID env or -uuid)")
	}
	id, err := uuid.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier %q: %w", text, err)
	}
	c.Identifier = id
	if id.Version() != 4 {
		warnings = append(warnings, fmt.Sprintf("identifier is a version %d UUID, clients usually expect version 4", id.Version()))
	}

	if c.DialTimeoutText != "" {
		d, err := time.ParseDuration(c.DialTimeoutText)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", c.DialTimeoutText, err)
		}
		c.DialTimeout = d
	}

	return warnings, c.Validate()
}

// Validate checks the invariants the relay relies on.
func (c *Config) Validate() error {
	if c.Identifier == uuid.Nil {
		return errors.New("identifier must not be the nil UUID")
	}
	if c.VoIPPorts.Start > c.VoIPPorts.End {
		return fmt.Errorf("invalid VoIP port range %d-%d", c.VoIPPorts.Start, c.VoIPPorts.End)
	}
	if c.VoIPPorts.Contains(53) {
		return errors.New("VoIP port range must not contain the DNS port 53")
	}
	if c.DoHURL == "" {
		return errors.New("missing DNS-over-HTTPS URL")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.DNSConcurrency < 1 {
		return fmt.Errorf("dns_concurrency must be at least 1, got %d", c.DNSConcurrency)
	}
	if c.MaxEarlyData < 0 {
		return fmt.Errorf("negative max_early_data %d", c.MaxEarlyData)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("negative dial timeout %s", c.DialTimeout)
	}
	return nil
}
