// Package config provides TOML configuration loading and validation for
// the proxy daemon.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration document.
type Config struct {
	BindAddress       string   `toml:"bind_address"`
	SOCKS5Port        int      `toml:"socks5_port"`
	HTTPPort          int      `toml:"http_port"`
	MaxConnections    int      `toml:"max_connections"`
	ConnectionTimeout Duration `toml:"connection_timeout"`
	BufferSize        int      `toml:"buffer_size"`
	MaxRequestSize    int      `toml:"max_request_size"`

	AllowedNetworks []string `toml:"allowed_networks"`
	BlockedDomains  []string `toml:"blocked_domains"`

	RateLimit RateLimitConfig `toml:"rate_limit"`
	Auth      AuthConfig      `toml:"auth"`

	// MetricsEnabled turns on the in-process atomic connection counters
	// exposed by the supervisor (accepted/rejected/active). There is no
	// metrics server in this core: the counts are logged once at shutdown,
	// and operators can wire their own exporter around Server.Stats.
	MetricsEnabled bool `toml:"metrics_enabled"`

	// Parsed forms, populated by Validate.
	AllowedPrefixes []netip.Prefix `toml:"-"`
}

// RateLimitConfig controls the per-source-IP token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	Burst             int `toml:"burst"`
}

// AuthConfig holds the file-backed authenticator's settings.
type AuthConfig struct {
	Required bool        `toml:"required"`
	Users    []UserEntry `toml:"users"`
}

// UserEntry is one configured proxy user.
type UserEntry struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
}

// Duration wraps time.Duration so it round-trips through TOML as a string
// like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads and parses a TOML configuration file, applying defaults for
// any field left unset, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		BindAddress:       "0.0.0.0",
		SOCKS5Port:        1080,
		HTTPPort:          8080,
		MaxConnections:    512,
		ConnectionTimeout: Duration{30 * time.Second},
		BufferSize:        32 * 1024,
		MaxRequestSize:    8 * 1024,
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the config for obvious errors and pre-parses the
// allow-list CIDRs. Ports must fit u16, max_connections must be positive,
// buffer_size must be at least 1024, and every allowed network must parse
// as a CIDR.
func (c *Config) Validate() error {
	if c.SOCKS5Port <= 0 || c.SOCKS5Port > 65535 {
		return fmt.Errorf("socks5_port out of range: %d", c.SOCKS5Port)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024")
	}
	if c.ConnectionTimeout.Duration <= 0 {
		return fmt.Errorf("connection_timeout must be positive")
	}

	prefixes := make([]netip.Prefix, 0, len(c.AllowedNetworks))
	for _, n := range c.AllowedNetworks {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return fmt.Errorf("allowed_networks: invalid CIDR %q: %w", n, err)
		}
		prefixes = append(prefixes, p)
	}
	c.AllowedPrefixes = prefixes

	if c.Auth.Required && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth.required is true but no [[auth.users]] are configured")
	}
	seen := make(map[string]struct{}, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("auth.users: empty username")
		}
		if _, dup := seen[u.Username]; dup {
			return fmt.Errorf("auth.users: duplicate username %q", u.Username)
		}
		seen[u.Username] = struct{}{}
		if u.PasswordHash == "" {
			return fmt.Errorf("auth.users: user %q has no password_hash", u.Username)
		}
	}

	return nil
}

// FindUser looks up a configured user by username.
func (c *Config) FindUser(username string) *UserEntry {
	for i := range c.Auth.Users {
		if c.Auth.Users[i].Username == username {
			return &c.Auth.Users[i]
		}
	}
	return nil
}

// WriteDefault writes a commented default config file to the given path.
func WriteDefault(path string) error {
	content := `# dualproxy configuration

bind_address = "0.0.0.0"
socks5_port = 1080
http_port = 8080
max_connections = 512
connection_timeout = "30s"
buffer_size = 32768
max_request_size = 8192

allowed_networks = ["0.0.0.0/0"]
blocked_domains = []
metrics_enabled = false

[rate_limit]
requests_per_minute = 600
burst = 50

[auth]
required = false

# Add users with: proxyd auth add-user <name> -c config.toml
# [[auth.users]]
# username = "alice"
# password_hash = "$argon2id$v=19$..."
`
	return os.WriteFile(path, []byte(content), 0644)
}
