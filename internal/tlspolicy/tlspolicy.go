// Package tlspolicy implements the TLS policy engine of §4.8: resolving the
// effective policy for a recipient domain from global and per-domain rules,
// the inbound TLS-upgrader capability, and the outbound
// negotiate-or-fall-back-or-defer decision applied during MX candidate
// connect.
package tlspolicy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Policy is the resolved TLS requirement for a given peer.
type Policy int

const (
	// Opportunistic upgrades to TLS when the peer advertises it, but falls
	// back to plaintext rather than refusing delivery.
	Opportunistic Policy = iota
	// RequireTls refuses to use a candidate (outbound) or reject
	// MAIL/RCPT/DATA (inbound) unless a TLS session is active.
	RequireTls
)

func (p Policy) String() string {
	if p == RequireTls {
		return "require-tls"
	}
	return "opportunistic"
}

// DomainRule is one per-domain override in the outbound per-domain rule
// list.
type DomainRule struct {
	Domain string
	Policy Policy
}

// NormalizeDomain lowercases, trims, and IDNA-normalizes a domain name, the
// same normalization applied to every domain used as a rule key or RCPT
// lookup key.
func NormalizeDomain(domain string) (string, error) {
	ascii, err := idna.ToASCII(strings.TrimSpace(domain))
	if err != nil {
		return "", fmt.Errorf("normalizing domain %q: %w", domain, err)
	}
	return strings.ToLower(ascii), nil
}

// Table is the resolved outbound TLS policy configuration: a global default
// plus per-domain overrides, keyed by normalized domain.
type Table struct {
	Global Policy
	rules  map[string]Policy
}

// NewTable builds a Table from a global default and a list of per-domain
// rules. Rule domains must already be normalized and unique; duplicate
// normalized domains are a configuration error surfaced by the config
// loader's Validate, not here.
func NewTable(global Policy, rules []DomainRule) *Table {
	t := &Table{Global: global, rules: make(map[string]Policy, len(rules))}
	for _, r := range rules {
		t.rules[r.Domain] = r.Policy
	}
	return t
}

// Resolve returns the effective policy for a normalized recipient domain:
// the per-domain rule if one exists, otherwise the global default.
func (t *Table) Resolve(normalizedDomain string) Policy {
	if p, ok := t.rules[normalizedDomain]; ok {
		return p
	}
	return t.Global
}

// TemporaryError is returned by an Upgrader on a handshake failure that may
// succeed on retry. It never consumes bytes past the handshake attempt.
type TemporaryError struct {
	Message string
}

func (e *TemporaryError) Error() string { return e.Message }

// Upgrader performs an in-place TLS upgrade of an owned connection. It is
// the inbound STARTTLS capability (§6): accepts the plaintext connection and
// returns the upgraded one, or a TemporaryError.
type Upgrader interface {
	Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// AdvertisesStarttls reports whether an EHLO reply's lines include a
// STARTTLS capability line, case-insensitively.
func AdvertisesStarttls(ehloLines []string) bool {
	for _, line := range ehloLines {
		if equalFold(line, "STARTTLS") {
			return true
		}
	}
	return false
}

// ServerUpgrader is the production Upgrader used by the inbound listener: a
// crypto/tls server-side handshake using the configured certificate chain.
// The handshake mechanics themselves are out of scope; this is the thinnest
// possible wiring of crypto/tls into the Upgrader capability.
type ServerUpgrader struct {
	Config *tls.Config
}

// Upgrade implements Upgrader.
func (u *ServerUpgrader) Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, u.Config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &TemporaryError{Message: err.Error()}
	}
	return tlsConn, nil
}

// ClientUpgrade performs the outbound-side STARTTLS upgrade of an
// already-dialed connection to a remote MX, used by the outbound
// orchestrator's candidate-connect logic rather than through the Upgrader
// interface (the outbound side always has a concrete target server name).
func ClientUpgrade(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := &tls.Config{ServerName: serverName}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("STARTTLS handshake to %s: %w", serverName, err)
	}
	return tlsConn, nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
