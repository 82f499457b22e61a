// Package mxresolve implements MX candidate resolution, ordering, and
// failover for the outbound relay engine (§4.6).
package mxresolve

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"

	"github.com/zcalifornia-ph/verzola/internal/set"
)

// defaultDNSTimeout bounds a single MX or address-record query.
const defaultDNSTimeout = 5 * time.Second

// MxCandidate is one resolved mail exchanger for a domain.
type MxCandidate struct {
	Preference uint16
	Exchange   string
	Address    string // host:port, ready to dial
}

// TemporaryError is returned by a Resolver when MX resolution fails in a way
// that may succeed on retry (DNS timeout, SERVFAIL, ...).
type TemporaryError struct {
	Message string
}

func (e *TemporaryError) Error() string { return e.Message }

// Resolver resolves the MX candidates for a recipient domain. Implementations
// must be safe for concurrent use, since a single Resolver is shared
// read-only across all outbound session workers.
type Resolver interface {
	Resolve(domain string) ([]MxCandidate, error)
}

// NoopResolver always fails. It exists as a safe default for listener
// construction, not as a production fallback: never use it without wiring a
// real resolver (§9).
type NoopResolver struct{}

func (NoopResolver) Resolve(domain string) ([]MxCandidate, error) {
	return nil, &TemporaryError{Message: "no MX resolver configured"}
}

// Sort orders candidates by (preference ascending, exchange ascending
// lexicographic), the deterministic tiebreak required by §4.6, and removes
// exact (exchange, address) duplicates the resolver may have returned.
func Sort(candidates []MxCandidate) []MxCandidate {
	seen := set.NewString()
	deduped := make([]MxCandidate, 0, len(candidates))
	for _, c := range candidates {
		key := c.Exchange + "|" + c.Address
		if seen.Has(key) {
			continue
		}
		seen.Add(key)
		deduped = append(deduped, c)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].Preference != deduped[j].Preference {
			return deduped[i].Preference < deduped[j].Preference
		}
		return deduped[i].Exchange < deduped[j].Exchange
	})

	return deduped
}

// Dialer is the capability each failover attempt uses to try a single
// candidate. It returns a human-readable error on failure; SelectAndConnect
// tries the next candidate on failure and propagates the last error once
// every candidate has been exhausted (preserved from the original
// implementation's ensure_remote_relay, since spec.md does not specify
// otherwise).
type Dialer func(candidate MxCandidate) error

// SelectAndConnect resolves, sorts, and tries every MX candidate for domain
// in order, invoking dial for each. It returns the first candidate dial
// accepts, the number of candidates attempted, and an error only if every
// candidate (or the resolver itself) failed.
func SelectAndConnect(r Resolver, domain string, dial Dialer) (selected *MxCandidate, attempted int, err error) {
	candidates, err := r.Resolve(domain)
	if err != nil {
		return nil, 0, err
	}

	if len(candidates) == 0 {
		return nil, 0, fmt.Errorf("no MX records for %s", domain)
	}

	candidates = Sort(candidates)

	var lastErr error
	for i := range candidates {
		attempted++
		c := candidates[i]
		if dialErr := dial(c); dialErr != nil {
			lastErr = fmt.Errorf("candidate %s failed: %w", c.Exchange, dialErr)
			continue
		}
		return &candidates[i], attempted, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all MX candidate connection attempts failed")
	}
	return nil, attempted, lastErr
}

// DNSResolver resolves MX candidates using real DNS lookups via
// github.com/miekg/dns, then resolves each exchange hostname's address
// records to build a dialable endpoint.
type DNSResolver struct {
	// Client performs the MX query. NewDNSResolver sets it to a plain UDP
	// client with a short timeout; it must not be nil.
	Client *dns.Client

	// Servers is the list of resolver addresses (host:port) to query, tried
	// in order on SERVFAIL/timeout.
	Servers []string

	// Port is the SMTP port appended to each resolved address.
	Port string
}

// NewDNSResolver returns a DNSResolver querying the given recursive
// nameservers (host:port) for MX records, dialing port 25 on the resolved
// hosts.
func NewDNSResolver(servers []string) *DNSResolver {
	return &DNSResolver{
		Client:  &dns.Client{Timeout: defaultDNSTimeout},
		Servers: servers,
		Port:    "25",
	}
}

// Resolve implements Resolver.
func (d *DNSResolver) Resolve(domain string) ([]MxCandidate, error) {
	fqdn := dns.Fqdn(domain)

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeMX)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range d.Servers {
		in, _, err := d.Client.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("MX lookup for %s: %s", domain, dns.RcodeToString[in.Rcode])
			continue
		}

		candidates := make([]MxCandidate, 0, len(in.Answer))
		for _, rr := range in.Answer {
			mx, ok := rr.(*dns.MX)
			if !ok {
				continue
			}

			addr, err := d.resolveAddress(mx.Mx)
			if err != nil {
				lastErr = err
				continue
			}

			candidates = append(candidates, MxCandidate{
				Preference: mx.Preference,
				Exchange:   mx.Mx,
				Address:    net.JoinHostPort(addr, d.Port),
			})
		}

		return candidates, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured for MX resolution")
	}
	return nil, &TemporaryError{Message: lastErr.Error()}
}

func (d *DNSResolver) resolveAddress(host string) (string, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses found for MX host %s", host)
	}
	return addrs[0], nil
}
