// Package outboundsrv implements the outbound SMTP session orchestrator
// (§4.5): the protocol state machine driven by the local MTA, resolving the
// recipient domain's MX candidates and relaying the transaction to the
// selected remote MX under the configured TLS policy.
package outboundsrv

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zcalifornia-ph/verzola/internal/metrics"
	"github.com/zcalifornia-ph/verzola/internal/mxresolve"
	"github.com/zcalifornia-ph/verzola/internal/relay"
	"github.com/zcalifornia-ph/verzola/internal/relaylog"
	"github.com/zcalifornia-ph/verzola/internal/sdlisten"
	"github.com/zcalifornia-ph/verzola/internal/smtpwire"
	"github.com/zcalifornia-ph/verzola/internal/statusmap"
	"github.com/zcalifornia-ph/verzola/internal/tlspolicy"
	"github.com/zcalifornia-ph/verzola/internal/trace"
)

// ListenerConfig is the bind-time configuration of the outbound listener
// (§3). Immutable once a Server is built; shared read-only across workers.
type ListenerConfig struct {
	BindAddress string
	BannerHost  string
	Policy      tlspolicy.Policy
	DomainRules []tlspolicy.DomainRule
	MaxLineLen  int
	Resolver    mxresolve.Resolver
	DialTimeout time.Duration
}

// Validate enforces the bind-time invariants of §6.
func (c *ListenerConfig) Validate() error {
	if strings.TrimSpace(c.BannerHost) == "" {
		return fmt.Errorf("outbound: banner_host must not be empty")
	}
	if c.MaxLineLen < smtpwire.MinMaxLineLen {
		return fmt.Errorf("outbound: max_line_len must be >= %d", smtpwire.MinMaxLineLen)
	}
	return nil
}

// SessionSummary mirrors the outbound-specific counters of §6's
// OutboundSessionSummary.
type SessionSummary struct {
	CommandCount              int
	ProtocolErrors            int
	TemporaryFailures         int
	ResolverLookups           int
	MxCandidatesAttempted     int
	RemoteSessionEstablished  bool
	SelectedMx                string
	SelectedRecipientDomain   string
	EffectiveTlsPolicy        tlspolicy.Policy
	OpportunisticTlsFallbacks int
	PolicyDeferredFailures    int
	TlsNegotiated             bool
}

var (
	commandCount = metrics.NewMap(metrics.Named("outbound", "commandCount"),
		"command", "count of SMTP commands received")
	responseCodeCount = metrics.NewMap(metrics.Named("outbound", "responseCodeCount"),
		"code", "response codes returned to SMTP commands")
	temporaryFailureCount = metrics.NewInt(metrics.Named("outbound", "temporaryFailures"),
		"count of locally-issued 4xx deferrals")
	resolverLookupCount = metrics.NewInt(metrics.Named("outbound", "resolverLookups"),
		"count of MX resolutions performed")
	mxCandidatesAttemptedCount = metrics.NewInt(metrics.Named("outbound", "mxCandidatesAttempted"),
		"count of MX candidates dialed across all sessions")
	opportunisticTlsFallbackCount = metrics.NewInt(metrics.Named("outbound", "opportunisticTlsFallbacks"),
		"count of opportunistic STARTTLS handshakes that fell back to plaintext")
	policyDeferredFailureCount = metrics.NewInt(metrics.Named("outbound", "policyDeferredFailures"),
		"count of sessions deferred because no MX candidate satisfied the TLS policy")
)

// Server accepts outbound connections from the local MTA and dispatches one
// worker per connection.
type Server struct {
	cfg   *ListenerConfig
	table *tlspolicy.Table
}

// NewServer validates cfg and builds a Server from it.
func NewServer(cfg *ListenerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, table: tlspolicy.NewTable(cfg.Policy, cfg.DomainRules)}, nil
}

// ListenAndServe binds cfg.BindAddress, merges in any systemd-provided
// "outbound" sockets, and serves forever.
func (s *Server) ListenAndServe() error {
	listeners, err := s.listeners()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		l := l
		relaylog.Listening("outbound", l.Addr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(l)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Server) listeners() ([]net.Listener, error) {
	var listeners []net.Listener

	if s.cfg.BindAddress != "" {
		l, err := net.Listen("tcp", s.cfg.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("binding outbound listener: %w", err)
		}
		listeners = append(listeners, l)
	}

	sdls, err := sdlisten.Listeners()
	if err != nil {
		return nil, fmt.Errorf("reading systemd listeners: %w", err)
	}
	listeners = append(listeners, sdls["outbound"]...)

	return listeners, nil
}

func (s *Server) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) SessionSummary {
	c := newConn(conn, s.cfg, s.table)
	return c.Handle()
}

// ServeOne accepts exactly one connection from l and handles it
// synchronously, returning its summary.
func (s *Server) ServeOne(l net.Listener) (SessionSummary, error) {
	conn, err := l.Accept()
	if err != nil {
		return SessionSummary{}, err
	}
	return s.handle(conn), nil
}

// ServeN accepts exactly n connections from l, handles each concurrently,
// and returns their summaries once all have finished.
func (s *Server) ServeN(l net.Listener, n int) ([]SessionSummary, error) {
	summaries := make([]SessionSummary, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		conn, err := l.Accept()
		if err != nil {
			return nil, err
		}

		wg.Add(1)
		go func(i int, conn net.Conn) {
			defer wg.Done()
			summaries[i] = s.handle(conn)
		}(i, conn)
	}

	wg.Wait()
	return summaries, nil
}

// policyDeferError marks an ensureRemoteRelay failure that should be
// reported to the client as an outbound TLS policy defer (§4.8) rather than
// a generic relay-unavailable defer.
type policyDeferError struct{ reason string }

func (e *policyDeferError) Error() string { return e.reason }

// Conn is one outbound session.
type Conn struct {
	conn net.Conn
	lr   *smtpwire.LineReader
	w    *bufio.Writer
	cfg  *ListenerConfig
	tbl  *tlspolicy.Table
	tr   *trace.Trace

	ehloSeen        bool
	stagedMailLine  string
	recipientDomain string
	recipientCount  int
	upstream        *relay.Client

	summary SessionSummary
}

func newConn(conn net.Conn, cfg *ListenerConfig, tbl *tlspolicy.Table) *Conn {
	return &Conn{
		conn: conn,
		lr:   smtpwire.NewLineReader(bufio.NewReader(conn), cfg.MaxLineLen),
		w:    bufio.NewWriter(conn),
		cfg:  cfg,
		tbl:  tbl,
		tr:   trace.New("Outbound", conn.RemoteAddr().String()),
	}
}

// Handle drives the session to completion and returns its summary.
func (c *Conn) Handle() SessionSummary {
	defer c.tr.Finish()
	defer c.dropUpstream()

	c.tr.Debugf("connected")
	relaylog.Accepted("outbound", c.conn.RemoteAddr())

	if err := c.writeReply(220, fmt.Sprintf("%s ESMTP VERZOLA", c.cfg.BannerHost)); err != nil {
		return c.summary
	}

	for {
		line, err := c.lr.ReadLine()
		if err == smtpwire.ErrLineTooLong {
			c.summary.ProtocolErrors++
			c.tr.Errorf("line too long")
			relaylog.Rejected("outbound", c.conn.RemoteAddr(), "line too long")
			if c.writeReply(500, "5.5.2 Line too long") != nil {
				return c.summary
			}
			continue
		}
		if err != nil {
			c.tr.Debugf("client closed the connection: %v", err)
			return c.summary
		}

		if strings.TrimSpace(line) == "" {
			c.summary.ProtocolErrors++
			c.tr.Errorf("empty command")
			relaylog.Rejected("outbound", c.conn.RemoteAddr(), "empty command")
			if c.writeReply(500, "5.5.2 Empty command") != nil {
				return c.summary
			}
			continue
		}

		verb, arg := smtpwire.SplitCommand(line)
		c.summary.CommandCount++
		commandCount.Add(verb, 1)
		c.tr.Debugf("-> %s %s", verb, arg)

		done, err := c.dispatch(verb, arg, line)
		if err != nil {
			c.tr.Errorf("exiting with error: %v", err)
			return c.summary
		}
		if done {
			return c.summary
		}
	}
}

func (c *Conn) dispatch(verb, arg, rawLine string) (done bool, err error) {
	switch verb {
	case "EHLO", "HELO":
		return false, c.handleHello(arg)
	case "MAIL":
		return false, c.handleMail(rawLine, arg)
	case "RCPT":
		return false, c.handleRcpt(rawLine, arg)
	case "DATA":
		return false, c.handleData()
	case "RSET":
		return false, c.handleRset()
	case "NOOP":
		return false, c.handleSimpleForward("NOOP", 250, "2.0.0 OK")
	case "QUIT":
		return c.handleQuit()
	default:
		c.summary.ProtocolErrors++
		relaylog.Rejected("outbound", c.conn.RemoteAddr(), fmt.Sprintf("unrecognized command %q", verb))
		return false, c.writeReply(502, "5.5.1 Command not implemented")
	}
}

func (c *Conn) handleHello(arg string) error {
	c.ehloSeen = true
	greeted := arg
	if greeted == "" {
		greeted = "postfix"
	}
	return c.writeReplyLines(250, fmt.Sprintf("%s greets %s", c.cfg.BannerHost, greeted), "SIZE 10485760")
}

func (c *Conn) handleMail(rawLine, arg string) error {
	if !c.ehloSeen {
		return c.writeReply(503, "5.5.1 Send EHLO first")
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		relaylog.Rejected("outbound", c.conn.RemoteAddr(), "bad MAIL syntax")
		return c.writeReply(501, "5.5.4 Bad MAIL syntax")
	}
	value := strings.TrimSpace(arg[len("FROM:"):])
	if value == "" {
		relaylog.Rejected("outbound", c.conn.RemoteAddr(), "bad MAIL syntax")
		return c.writeReply(501, "5.5.4 Bad MAIL syntax")
	}

	c.clearTransaction()
	c.stagedMailLine = rawLine

	return c.writeReply(250, "2.1.0 Sender staged for outbound relay")
}

// parseRcptDomain implements §4.7's RCPT TO domain extraction.
func parseRcptDomain(arg string) (string, error) {
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		return "", fmt.Errorf("missing TO: prefix")
	}
	rest := strings.TrimSpace(arg[len("TO:"):])

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty recipient")
	}
	token := fields[0]

	at := strings.LastIndex(token, "@")
	if at < 0 {
		return "", fmt.Errorf("missing @ in recipient address")
	}

	domain := token[at+1:]
	domain = strings.TrimSuffix(domain, ">")
	domain = strings.ToLower(domain)
	if domain == "" {
		return "", fmt.Errorf("empty recipient domain")
	}

	return domain, nil
}

func (c *Conn) handleRcpt(rawLine, arg string) error {
	if !c.ehloSeen {
		return c.writeReply(503, "5.5.1 Send EHLO first")
	}
	if c.stagedMailLine == "" {
		return c.writeReply(503, "5.5.1 Send MAIL before RCPT")
	}

	domain, err := parseRcptDomain(arg)
	if err != nil {
		relaylog.Rejected("outbound", c.conn.RemoteAddr(), "bad recipient address syntax")
		return c.writeReply(501, "5.1.3 Bad recipient address syntax")
	}

	normalized, err := tlspolicy.NormalizeDomain(domain)
	if err != nil {
		relaylog.Rejected("outbound", c.conn.RemoteAddr(), "bad recipient address syntax")
		return c.writeReply(501, "5.1.3 Bad recipient address syntax")
	}

	if c.recipientDomain != "" && c.recipientDomain != normalized {
		c.summary.TemporaryFailures++
		temporaryFailureCount.Add(1)
		relaylog.Deferred("outbound", c.conn.RemoteAddr(), "rcpt", "mixed recipient domains are not supported")
		return c.writeReply(451, "4.5.3 Mixed recipient domains are not supported")
	}

	if c.upstream == nil {
		if err := c.ensureRemoteRelay(normalized); err != nil {
			c.summary.TemporaryFailures++
			temporaryFailureCount.Add(1)
			c.tr.Errorf("ensureRemoteRelay(%s): %v", normalized, err)
			if pd, ok := err.(*policyDeferError); ok {
				c.summary.PolicyDeferredFailures++
				policyDeferredFailureCount.Add(1)
				relaylog.Deferred("outbound", c.conn.RemoteAddr(), "rcpt", pd.reason)
				return c.writeRawLine(statusmap.PolicyDefer(pd.reason))
			}
			relaylog.Deferred("outbound", c.conn.RemoteAddr(), "rcpt", err.Error())
			return c.writeReply(451, fmt.Sprintf("4.4.0 %s", err))
		}
	}

	c.recipientDomain = normalized

	reply, err := c.upstream.RelayCommand(rawLine)
	if err != nil {
		c.dropUpstream()
		c.summary.TemporaryFailures++
		temporaryFailureCount.Add(1)
		relaylog.Deferred("outbound", c.conn.RemoteAddr(), "rcpt", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Remote relay unavailable: %s", err))
	}

	if reply.IsSuccess() {
		c.recipientCount++
		relaylog.Relayed("outbound", c.conn.RemoteAddr(), "rcpt", c.summary.SelectedMx, reply.Code)
		return c.forwardReply(reply)
	}

	c.summary.TemporaryFailures++
	temporaryFailureCount.Add(1)
	relaylog.Deferred("outbound", c.conn.RemoteAddr(), "rcpt", reply.Text())
	return c.writeRawLine(statusmap.Defer(statusmap.StageRcpt, reply))
}

// ensureRemoteRelay resolves MX candidates for domain, applies the TLS
// policy, and performs failover across them (§4.6), establishing c.upstream
// on success.
func (c *Conn) ensureRemoteRelay(domain string) error {
	policy := c.tbl.Resolve(domain)
	c.summary.EffectiveTlsPolicy = policy
	c.summary.ResolverLookups++
	resolverLookupCount.Add(1)

	var established *relay.Client
	var establishedTls bool
	var establishedExchange string

	_, attempted, err := mxresolve.SelectAndConnect(c.cfg.Resolver, domain, func(cand mxresolve.MxCandidate) error {
		c.tr.Debugf("dialing MX candidate %s (%s)", cand.Exchange, cand.Address)
		client, tlsNegotiated, dialErr := c.connectCandidate(cand, policy)
		if dialErr != nil {
			c.tr.Errorf("MX candidate %s failed: %v", cand.Exchange, dialErr)
			return dialErr
		}
		established = client
		establishedTls = tlsNegotiated
		establishedExchange = cand.Exchange
		return nil
	})
	c.summary.MxCandidatesAttempted += attempted
	mxCandidatesAttemptedCount.Add(int64(attempted))

	if err != nil {
		if policy == tlspolicy.RequireTls {
			return &policyDeferError{reason: err.Error()}
		}
		return err
	}

	c.upstream = established
	c.summary.RemoteSessionEstablished = true
	c.summary.SelectedMx = establishedExchange
	c.summary.SelectedRecipientDomain = domain
	if establishedTls {
		c.summary.TlsNegotiated = true
	}

	return nil
}

// connectCandidate opens one MX candidate connection, negotiates TLS per
// policy, and issues the staged MAIL command, returning the established
// relay client.
func (c *Conn) connectCandidate(cand mxresolve.MxCandidate, policy tlspolicy.Policy) (*relay.Client, bool, error) {
	client, ehloReply, err := relay.Dial(cand.Address, cand.Exchange, c.cfg.BannerHost, "", c.cfg.MaxLineLen, c.cfg.DialTimeout)
	if err != nil {
		return nil, false, err
	}

	advertised := tlspolicy.AdvertisesStarttls(ehloReply.Lines)

	if policy == tlspolicy.RequireTls {
		if !advertised {
			client.Close()
			return nil, false, fmt.Errorf("remote %s does not advertise STARTTLS", cand.Exchange)
		}
		upgraded, err := c.negotiateStarttls(client, cand.Exchange)
		if err != nil {
			client.Close()
			return nil, false, err
		}
		if err := c.sendStagedMail(upgraded); err != nil {
			upgraded.Close()
			return nil, false, err
		}
		return upgraded, true, nil
	}

	// Opportunistic: a failed handshake falls back to a fresh plaintext
	// dial of the same candidate (§4.8). A MAIL rejection after a
	// successful handshake is not a TLS failure and must not trigger the
	// fallback or its counter.
	if advertised {
		upgraded, err := c.negotiateStarttls(client, cand.Exchange)
		if err != nil {
			client.Close()
			c.summary.OpportunisticTlsFallbacks++
			opportunisticTlsFallbackCount.Add(1)
			c.tr.Debugf("opportunistic STARTTLS failed for %s, retrying in plaintext: %v", cand.Exchange, err)
			return c.connectPlaintext(cand)
		}
		if err := c.sendStagedMail(upgraded); err != nil {
			upgraded.Close()
			return nil, false, err
		}
		return upgraded, true, nil
	}

	if err := c.sendStagedMail(client); err != nil {
		client.Close()
		return nil, false, err
	}
	return client, false, nil
}

// connectPlaintext redials cand from scratch without attempting STARTTLS,
// the opportunistic fallback path.
func (c *Conn) connectPlaintext(cand mxresolve.MxCandidate) (*relay.Client, bool, error) {
	client, _, err := relay.Dial(cand.Address, cand.Exchange, c.cfg.BannerHost, c.stagedMailLine, c.cfg.MaxLineLen, c.cfg.DialTimeout)
	if err != nil {
		return nil, false, err
	}
	return client, false, nil
}

// negotiateStarttls issues STARTTLS on an already-connected client, upgrades
// the connection, and re-issues EHLO as required after a TLS upgrade.
func (c *Conn) negotiateStarttls(client *relay.Client, exchange string) (*relay.Client, error) {
	reply, err := client.RelayCommand("STARTTLS")
	if err != nil {
		return nil, err
	}
	if !reply.IsSuccess() {
		return nil, fmt.Errorf("STARTTLS rejected by %s: %s", exchange, reply.Text())
	}

	upgradedConn, err := tlspolicy.ClientUpgrade(context.Background(), client.Conn(), exchange)
	if err != nil {
		return nil, err
	}

	upgraded := relay.WrapConn(upgradedConn, exchange, c.cfg.MaxLineLen)
	ehloReply, err := upgraded.RelayCommand("EHLO " + c.cfg.BannerHost)
	if err != nil {
		return nil, err
	}
	if !ehloReply.IsSuccess() {
		return nil, fmt.Errorf("post-STARTTLS EHLO rejected by %s: %s", exchange, ehloReply.Text())
	}

	return upgraded, nil
}

func (c *Conn) sendStagedMail(client *relay.Client) error {
	reply, err := client.RelayCommand(c.stagedMailLine)
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return fmt.Errorf("staged MAIL rejected: %s", reply.Text())
	}
	return nil
}

func (c *Conn) handleData() error {
	if !c.ehloSeen {
		return c.writeReply(503, "5.5.1 Send EHLO first")
	}
	if c.stagedMailLine == "" {
		return c.writeReply(503, "5.5.1 Send MAIL before DATA")
	}
	if c.recipientCount < 1 {
		return c.writeReply(503, "5.5.1 Send RCPT before DATA")
	}
	if c.upstream == nil {
		return c.writeReply(503, "5.5.1 No remote relay established")
	}

	reply, err := c.upstream.RelayCommand("DATA")
	if err != nil {
		c.dropUpstream()
		c.summary.TemporaryFailures++
		temporaryFailureCount.Add(1)
		relaylog.Deferred("outbound", c.conn.RemoteAddr(), "data", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Remote relay unavailable: %s", err))
	}

	if err := c.forwardReply(reply); err != nil {
		return err
	}
	if reply.Code/100 != 3 {
		return nil
	}

	final, err := c.upstream.RelayDataBlock(c.lr)
	if err != nil {
		c.dropUpstream()
		c.summary.TemporaryFailures++
		temporaryFailureCount.Add(1)
		relaylog.Deferred("outbound", c.conn.RemoteAddr(), "data-final", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Remote relay unavailable: %s", err))
	}

	if final.IsSuccess() {
		relaylog.Relayed("outbound", c.conn.RemoteAddr(), "data-final", c.summary.SelectedMx, final.Code)
		if err := c.forwardReply(final); err != nil {
			return err
		}
		c.clearTransaction()
		return nil
	}

	c.summary.TemporaryFailures++
	temporaryFailureCount.Add(1)
	relaylog.Deferred("outbound", c.conn.RemoteAddr(), "data-final", final.Text())
	return c.writeRawLine(statusmap.Defer(statusmap.StageDataFinal, final))
}

func (c *Conn) handleRset() error {
	if c.upstream != nil {
		reply, err := c.upstream.RelayCommand("RSET")
		c.clearTransaction()
		if err != nil {
			c.summary.TemporaryFailures++
			temporaryFailureCount.Add(1)
			relaylog.Deferred("outbound", c.conn.RemoteAddr(), "rset", err.Error())
			return c.writeReply(451, fmt.Sprintf("4.4.0 Remote relay unavailable: %s", err))
		}
		return c.forwardReply(reply)
	}

	c.clearTransaction()
	return c.writeReply(250, "2.0.0 Reset state")
}

func (c *Conn) handleSimpleForward(rawLine string, noUpstreamCode int, noUpstreamMsg string) error {
	if c.upstream == nil {
		return c.writeReply(noUpstreamCode, noUpstreamMsg)
	}

	reply, err := c.upstream.RelayCommand(rawLine)
	if err != nil {
		c.dropUpstream()
		c.summary.TemporaryFailures++
		temporaryFailureCount.Add(1)
		relaylog.Deferred("outbound", c.conn.RemoteAddr(), "command", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Remote relay unavailable: %s", err))
	}
	return c.forwardReply(reply)
}

func (c *Conn) handleQuit() (done bool, err error) {
	if c.upstream != nil {
		reply, relayErr := c.upstream.RelayCommand("QUIT")
		c.dropUpstream()
		if relayErr != nil {
			return true, c.writeReply(221, "2.0.0 Bye")
		}
		return true, c.forwardReply(reply)
	}
	return true, c.writeReply(221, "2.0.0 Bye")
}

// clearTransaction drops the live relay (if any) and resets all
// per-transaction state, per the SessionState invariants of §3.
func (c *Conn) clearTransaction() {
	c.dropUpstream()
	c.stagedMailLine = ""
	c.recipientDomain = ""
	c.recipientCount = 0
}

func (c *Conn) dropUpstream() {
	if c.upstream != nil {
		c.upstream.Close()
		c.upstream = nil
	}
}

func (c *Conn) writeReply(code int, msg string) error {
	responseCodeCount.Add(strconv.Itoa(code), 1)
	c.tr.Debugf("<- %d  %s", code, msg)
	return smtpwire.WriteReply(c.w, code, msg)
}

func (c *Conn) writeReplyLines(code int, lines ...string) error {
	responseCodeCount.Add(strconv.Itoa(code), 1)
	c.tr.Debugf("<- %d  %s", code, lines[0])
	return smtpwire.WriteReply(c.w, code, lines...)
}

// writeRawLine writes a single pre-formatted "<code> <text>" reply line
// verbatim, used for the statusmap-produced defer strings.
func (c *Conn) writeRawLine(line string) error {
	if len(line) >= 3 {
		responseCodeCount.Add(line[:3], 1)
	}
	c.tr.Debugf("<- %s", line)
	return smtpwire.WriteLine(c.w, line)
}

func (c *Conn) forwardReply(reply smtpwire.Reply) error {
	responseCodeCount.Add(strconv.Itoa(reply.Code), 1)
	c.tr.Debugf("<- %d  %s", reply.Code, reply.Text())
	return smtpwire.WriteReply(c.w, reply.Code, reply.Lines...)
}
