// Package config implements the proxy configuration: YAML-loadable inbound
// and outbound listener configs, default filling, and the bind-time
// validation errors listed in §6.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/zcalifornia-ph/verzola/internal/smtpwire"
	"github.com/zcalifornia-ph/verzola/internal/tlspolicy"
)

// DomainTlsRule is the YAML-facing form of a per-domain outbound TLS
// override; Validate normalizes Domain before it is handed to
// tlspolicy.NewTable.
type DomainTlsRule struct {
	Domain string `yaml:"domain"`
	Policy string `yaml:"policy"` // "opportunistic" or "require-tls"
}

// InboundConfig is the bind-time configuration for the inbound listener
// (§3).
type InboundConfig struct {
	BindAddress       string `yaml:"bind_address"`
	BannerHost        string `yaml:"banner_host"`
	AdvertiseStarttls bool   `yaml:"advertise_starttls"`
	TlsPolicy         string `yaml:"tls_policy"` // "opportunistic" or "require-tls"
	MaxLineLen        int    `yaml:"max_line_len"`
	UpstreamAddress   string `yaml:"upstream_address"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
}

// OutboundConfig is the bind-time configuration for the outbound listener
// (§3).
type OutboundConfig struct {
	BindAddress string          `yaml:"bind_address"`
	BannerHost  string          `yaml:"banner_host"`
	TlsPolicy   string          `yaml:"tls_policy"`
	DomainRules []DomainTlsRule `yaml:"domain_rules"`
	MaxLineLen  int             `yaml:"max_line_len"`
	DNSServers  []string        `yaml:"dns_servers"`
}

// Config is the top-level on-disk document.
type Config struct {
	Inbound  InboundConfig  `yaml:"inbound"`
	Outbound OutboundConfig `yaml:"outbound"`

	// RelayLogPath selects the relay transaction log backend: "<syslog>",
	// "<stdout>", "<stderr>", a file path, or "" to discard (the default).
	RelayLogPath string `yaml:"relay_log_path"`
}

func defaultConfig() *Config {
	return &Config{
		Inbound: InboundConfig{
			BindAddress: "0.0.0.0:25",
			BannerHost:  "localhost",
			// STARTTLS is off by default: advertising it requires
			// cert_file/key_file, so an unconfigured install would otherwise
			// fail validation.
			AdvertiseStarttls: false,
			TlsPolicy:         "opportunistic",
			MaxLineLen:        smtpwire.MinMaxLineLen,
			UpstreamAddress:   "127.0.0.1:10025",
		},
		Outbound: OutboundConfig{
			BindAddress: "0.0.0.0:10026",
			BannerHost:  "localhost",
			TlsPolicy:   "opportunistic",
			MaxLineLen:  smtpwire.MinMaxLineLen,
			DNSServers:  []string{"127.0.0.1:53"},
		},
	}
}

// Load reads and parses the YAML config at path, starting from the package
// defaults and overriding whatever the file sets.
func Load(path string) (*Config, error) {
	c := defaultConfig()

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config at %q: %w", path, err)
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("parsing config at %q: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate enforces the bind-time invariants of §6. It also normalizes
// every domain in the outbound per-domain rule list in place, so callers
// can pass DomainRules directly into tlspolicy.NewTable afterward.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Inbound.BannerHost) == "" {
		return fmt.Errorf("inbound: banner_host must not be empty")
	}
	if strings.TrimSpace(c.Outbound.BannerHost) == "" {
		return fmt.Errorf("outbound: banner_host must not be empty")
	}

	if c.Inbound.MaxLineLen < smtpwire.MinMaxLineLen {
		return fmt.Errorf("inbound: max_line_len must be >= %d", smtpwire.MinMaxLineLen)
	}
	if c.Outbound.MaxLineLen < smtpwire.MinMaxLineLen {
		return fmt.Errorf("outbound: max_line_len must be >= %d", smtpwire.MinMaxLineLen)
	}

	if c.Inbound.UpstreamAddress == c.Inbound.BindAddress {
		return fmt.Errorf("inbound: upstream_address must not equal bind_address")
	}

	inboundPolicy, err := parsePolicy(c.Inbound.TlsPolicy)
	if err != nil {
		return fmt.Errorf("inbound: %w", err)
	}
	if inboundPolicy == tlspolicy.RequireTls && !c.Inbound.AdvertiseStarttls {
		return fmt.Errorf("inbound: tls_policy require-tls requires advertise_starttls")
	}
	if c.Inbound.AdvertiseStarttls && (c.Inbound.CertFile == "" || c.Inbound.KeyFile == "") {
		return fmt.Errorf("inbound: advertise_starttls requires cert_file and key_file")
	}

	if _, err := parsePolicy(c.Outbound.TlsPolicy); err != nil {
		return fmt.Errorf("outbound: %w", err)
	}

	seen := make(map[string]bool, len(c.Outbound.DomainRules))
	for i, rule := range c.Outbound.DomainRules {
		normalized, err := tlspolicy.NormalizeDomain(rule.Domain)
		if err != nil {
			return fmt.Errorf("outbound: domain_rules[%d]: %w", i, err)
		}
		if seen[normalized] {
			return fmt.Errorf("outbound: domain_rules: duplicate domain %q after normalization", normalized)
		}
		seen[normalized] = true

		if _, err := parsePolicy(rule.Policy); err != nil {
			return fmt.Errorf("outbound: domain_rules[%d]: %w", i, err)
		}

		c.Outbound.DomainRules[i].Domain = normalized
	}

	return nil
}

// Policy returns the parsed inbound TLS policy. Validate must have succeeded
// first.
func (c *InboundConfig) Policy() tlspolicy.Policy {
	p, _ := parsePolicy(c.TlsPolicy)
	return p
}

// Policy returns the parsed outbound global TLS policy. Validate must have
// succeeded first.
func (c *OutboundConfig) Policy() tlspolicy.Policy {
	p, _ := parsePolicy(c.TlsPolicy)
	return p
}

// Rules returns the outbound per-domain rule list in tlspolicy's shape.
// Validate must have succeeded first, so domains are already normalized.
func (c *OutboundConfig) Rules() []tlspolicy.DomainRule {
	rules := make([]tlspolicy.DomainRule, len(c.DomainRules))
	for i, r := range c.DomainRules {
		p, _ := parsePolicy(r.Policy)
		rules[i] = tlspolicy.DomainRule{Domain: r.Domain, Policy: p}
	}
	return rules
}

func parsePolicy(s string) (tlspolicy.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "opportunistic":
		return tlspolicy.Opportunistic, nil
	case "require-tls":
		return tlspolicy.RequireTls, nil
	default:
		return 0, fmt.Errorf("invalid tls_policy %q", s)
	}
}
