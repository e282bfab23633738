// Package config loads and validates the tunnel's on-disk configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// HAProxyVersion selects the PROXY-protocol wire format used on upstream
// connections.
type HAProxyVersion string

const (
	HAProxyV1 HAProxyVersion = "v1"
	HAProxyV2 HAProxyVersion = "v2"
)

// DDNS holds the dynamic-DNS publisher settings.
type DDNS struct {
	Provider  string `json:"provider"`
	Token     string `json:"token"`
	Domain    string `json:"domain"`
	SubDomain string `json:"sub_domain"`
}

// Forward holds the TCP forwarding policy.
type Forward struct {
	LocalPort      int            `json:"local_port"`
	ServerHost     string         `json:"server_host"`
	ServerPort     int            `json:"server_port"`
	HAProxySupport bool           `json:"haproxy_support"`
	HAProxyVersion HAProxyVersion `json:"haproxy_version"`
}

// General holds timing and STUN server settings.
type General struct {
	Heartbeat      int    `json:"heartbeat"`
	KeepAlive      bool   `json:"keep_alive"`
	StunServerHost string `json:"stun_server_host"`
	StunServerPort int    `json:"stun_server_port"`
	// Resolver is an optional DNS-over-HTTPS endpoint used for resolving
	// the STUN server and backend hostnames. Empty means use the system
	// resolver.
	Resolver string `json:"resolver"`
}

// Config is the full on-disk configuration document.
type Config struct {
	DDNS    DDNS    `json:"ddns"`
	Forward Forward `json:"forward"`
	General General `json:"general"`
}

// ConfigError collects every configuration problem found during Validate,
// so operators see the whole picture on the first failed start instead of
// fixing one field at a time.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Load reads and validates the configuration file at path. If path is
// empty, it defaults to "config.json" in the CWD, overridable by the
// CONFIG_PATH environment variable.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getEnvDefault("CONFIG_PATH", "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	var problems []string

	if c.DDNS.Provider != "cloudflare" {
		problems = append(problems, fmt.Sprintf("ddns.provider must be \"cloudflare\", got %q", c.DDNS.Provider))
	}
	if c.DDNS.Token == "" {
		problems = append(problems, "ddns.token is required")
	}
	if c.DDNS.Domain == "" {
		problems = append(problems, "ddns.domain is required")
	}

	if c.Forward.LocalPort <= 0 || c.Forward.LocalPort > 65535 {
		problems = append(problems, fmt.Sprintf("forward.local_port %d out of range", c.Forward.LocalPort))
	}
	if c.Forward.ServerHost == "" {
		problems = append(problems, "forward.server_host is required")
	}
	if c.Forward.ServerPort <= 0 || c.Forward.ServerPort > 65535 {
		problems = append(problems, fmt.Sprintf("forward.server_port %d out of range", c.Forward.ServerPort))
	}
	if c.Forward.HAProxySupport && c.Forward.HAProxyVersion != HAProxyV1 && c.Forward.HAProxyVersion != HAProxyV2 {
		problems = append(problems, fmt.Sprintf("forward.haproxy_version must be \"v1\" or \"v2\", got %q", c.Forward.HAProxyVersion))
	}

	if c.General.Heartbeat <= 0 {
		problems = append(problems, fmt.Sprintf("general.heartbeat must be positive, got %d", c.General.Heartbeat))
	}
	if c.General.StunServerHost == "" {
		problems = append(problems, "general.stun_server_host is required")
	}
	if c.General.StunServerPort <= 0 || c.General.StunServerPort > 65535 {
		problems = append(problems, fmt.Sprintf("general.stun_server_port %d out of range", c.General.StunServerPort))
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// SubdomainName returns the DNS label the A record is published under:
// sub_domain unless it is empty or "@", in which case it is the bare domain.
func (c *Config) SubdomainName() string {
	sub := strings.TrimSpace(c.DDNS.SubDomain)
	if sub == "" || sub == "@" {
		return c.DDNS.Domain
	}
	return sub + "." + c.DDNS.Domain
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
