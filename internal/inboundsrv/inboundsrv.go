// Package inboundsrv implements the inbound SMTP session orchestrator
// (§4.4): the protocol state machine driven by an external sender, relaying
// accepted commands to a configurable local upstream (e.g. Postfix).
package inboundsrv

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
	"github.com/zcalifornia-ph/verzola/internal/relay"
	"github.com/zcalifornia-ph/verzola/internal/relaylog"
	"github.com/zcalifornia-ph/verzola/internal/sdlisten"
	"github.com/zcalifornia-ph/verzola/internal/smtpwire"
	"github.com/zcalifornia-ph/verzola/internal/tlspolicy"
	"github.com/zcalifornia-ph/verzola/internal/trace"
)

// ListenerConfig is the bind-time configuration of the inbound listener
// (§3). Once a Server is built from it, it is immutable and shared
// read-only across session workers.
type ListenerConfig struct {
	BindAddress       string
	BannerHost        string
	AdvertiseStarttls bool
	Policy            tlspolicy.Policy
	MaxLineLen        int
	UpstreamAddress   string // empty means no upstream relay is configured
	Upgrader          tlspolicy.Upgrader
	DialTimeout       time.Duration
}

// Validate enforces the bind-time invariants of §6.
func (c *ListenerConfig) Validate() error {
	if strings.TrimSpace(c.BannerHost) == "" {
		return fmt.Errorf("inbound: banner_host must not be empty")
	}
	if c.MaxLineLen < smtpwire.MinMaxLineLen {
		return fmt.Errorf("inbound: max_line_len must be >= %d", smtpwire.MinMaxLineLen)
	}
	if c.UpstreamAddress != "" && c.UpstreamAddress == c.BindAddress {
		return fmt.Errorf("inbound: upstream_address must not equal bind_address")
	}
	if c.Policy == tlspolicy.RequireTls && !c.AdvertiseStarttls {
		return fmt.Errorf("inbound: require-tls policy requires advertise_starttls")
	}
	return nil
}

// Telemetry is the STARTTLS-related sub-structure of SessionSummary.
type Telemetry struct {
	StarttlsAttempts     int
	TlsUpgradeFailures   int
	RequireTlsRejections int
}

// SessionSummary is the telemetry returned at session end (§6).
type SessionSummary struct {
	CommandCount     int
	ProtocolErrors   int
	TlsNegotiated    bool
	InboundTlsPolicy tlspolicy.Policy
	Telemetry        Telemetry
}

var (
	commandCount = metrics.NewMap(metrics.Named("inbound", "commandCount"),
		"command", "count of SMTP commands received")
	responseCodeCount = metrics.NewMap(metrics.Named("inbound", "responseCodeCount"),
		"code", "response codes returned to SMTP commands")
	protocolErrorCount = metrics.NewInt(metrics.Named("inbound", "protocolErrors"),
		"count of malformed lines and unrecognized commands")
	starttlsAttemptCount = metrics.NewInt(metrics.Named("inbound", "starttlsAttempts"),
		"count of STARTTLS attempts")
	tlsUpgradeFailureCount = metrics.NewInt(metrics.Named("inbound", "tlsUpgradeFailures"),
		"count of failed TLS upgrades")
	requireTlsRejectionCount = metrics.NewInt(metrics.Named("inbound", "requireTlsRejections"),
		"count of commands rejected for missing required TLS")
)

// Server accepts inbound connections and dispatches one worker per
// connection.
type Server struct {
	cfg *ListenerConfig
}

// NewServer validates cfg and builds a Server from it.
func NewServer(cfg *ListenerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg}, nil
}

// ListenAndServe binds cfg.BindAddress, merges in any systemd-provided
// "inbound" sockets, and serves forever.
func (s *Server) ListenAndServe() error {
	listeners, err := s.listeners()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		l := l
		relaylog.Listening("inbound", l.Addr().String())
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
			return nil, fmt.Errorf("binding inbound listener: %w", err)
		}
		listeners = append(listeners, l)
	}

	sdls, err := sdlisten.Listeners()
	if err != nil {
		return nil, fmt.Errorf("reading systemd listeners: %w", err)
	}
	listeners = append(listeners, sdls["inbound"]...)

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
	c := newConn(conn, s.cfg)
	return c.Handle()
}

// ServeOne accepts exactly one connection from l and handles it
// synchronously, returning its summary. Used by tests that drive a single
// scripted session.
func (s *Server) ServeOne(l net.Listener) (SessionSummary, error) {
	conn, err := l.Accept()
	if err != nil {
		return SessionSummary{}, err
	}
	return s.handle(conn), nil
}

// ServeN accepts exactly n connections from l, handles each concurrently
// (one worker per connection), and returns their summaries once all have
// finished.
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

// Conn is one inbound session.
type Conn struct {
	conn net.Conn
	lr   *smtpwire.LineReader
	w    *bufio.Writer
	cfg  *ListenerConfig
	tr   *trace.Trace

	ehloSeen  bool
	tlsActive bool
	upstream  *relay.Client

	summary SessionSummary
}

func newConn(conn net.Conn, cfg *ListenerConfig) *Conn {
	return &Conn{
		conn: conn,
		lr:   smtpwire.NewLineReader(bufio.NewReader(conn), cfg.MaxLineLen),
		w:    bufio.NewWriter(conn),
		cfg:  cfg,
		tr:   trace.New("Inbound", conn.RemoteAddr().String()),
		summary: SessionSummary{
			InboundTlsPolicy: cfg.Policy,
		},
	}
}

// Handle drives the session to completion and returns its summary.
func (c *Conn) Handle() SessionSummary {
	defer c.tr.Finish()
	defer c.dropUpstream()

	c.tr.Debugf("connected")
	relaylog.Accepted("inbound", c.conn.RemoteAddr())

	if err := c.writeReply(220, fmt.Sprintf("%s ESMTP VERZOLA", c.cfg.BannerHost)); err != nil {
		return c.summary
	}

	for {
		line, err := c.lr.ReadLine()
		if err == smtpwire.ErrLineTooLong {
			c.summary.ProtocolErrors++
			protocolErrorCount.Add(1)
			c.tr.Errorf("line too long")
			relaylog.Rejected("inbound", c.conn.RemoteAddr(), "line too long")
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
			protocolErrorCount.Add(1)
			c.tr.Errorf("empty command")
			relaylog.Rejected("inbound", c.conn.RemoteAddr(), "empty command")
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
	case "STARTTLS":
		return false, c.handleStarttls()
	case "MAIL":
		return false, c.handleMailOrRcpt(rawLine, 250, "2.1.0 Sender OK")
	case "RCPT":
		return false, c.handleMailOrRcpt(rawLine, 250, "2.1.5 Recipient OK")
	case "DATA":
		return false, c.handleData()
	case "RSET":
		return false, c.handleSimpleForward(rawLine, 250, "2.0.0 Reset state")
	case "NOOP":
		return false, c.handleSimpleForward(rawLine, 250, "2.0.0 OK")
	case "QUIT":
		return c.handleQuit()
	default:
		c.summary.ProtocolErrors++
		protocolErrorCount.Add(1)
		relaylog.Rejected("inbound", c.conn.RemoteAddr(), fmt.Sprintf("unrecognized command %q", verb))
		return false, c.writeReply(502, "5.5.1 Command not implemented")
	}
}

func (c *Conn) handleHello(arg string) error {
	c.ehloSeen = true
	greeted := arg
	if greeted == "" {
		greeted = "client"
	}

	lines := []string{fmt.Sprintf("%s greets %s", c.cfg.BannerHost, greeted)}
	if c.cfg.AdvertiseStarttls && !c.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "SIZE 10485760")

	return c.writeReplyLines(250, lines...)
}

func (c *Conn) handleStarttls() error {
	if !c.cfg.AdvertiseStarttls {
		return c.writeReply(502, "5.5.1 STARTTLS not supported")
	}
	if c.tlsActive {
		return c.writeReply(503, "5.5.1 TLS already active")
	}
	if !c.ehloSeen {
		return c.writeReply(503, "5.5.1 Send EHLO first")
	}

	c.summary.Telemetry.StarttlsAttempts++
	starttlsAttemptCount.Add(1)

	if err := c.writeReply(220, "Ready to start TLS"); err != nil {
		return err
	}

	upgraded, err := c.cfg.Upgrader.Upgrade(context.Background(), c.conn)
	if err != nil {
		c.summary.Telemetry.TlsUpgradeFailures++
		tlsUpgradeFailureCount.Add(1)
		c.tr.Errorf("TLS handshake failed: %v", err)
		relaylog.Deferred("inbound", c.conn.RemoteAddr(), "starttls", err.Error())
		return c.writeReply(454, fmt.Sprintf("4.7.0 TLS not available due to temporary reason: %s", err))
	}

	c.conn = upgraded
	c.lr = smtpwire.NewLineReader(bufio.NewReader(upgraded), c.cfg.MaxLineLen)
	c.w = bufio.NewWriter(upgraded)
	c.tlsActive = true
	c.ehloSeen = false
	c.summary.TlsNegotiated = true
	c.dropUpstream()
	c.tr.Debugf("TLS handshake successful")

	return nil
}

// requireEhlo enforces the §4.4 ordering and RequireTls gating shared by
// MAIL/RCPT/DATA. ok is false (with a reply already written) when the
// command must not proceed.
func (c *Conn) requireEhlo() (ok bool, err error) {
	if !c.ehloSeen {
		msg := "5.5.1 Send EHLO before MAIL"
		if c.tlsActive {
			msg = "5.5.1 Send EHLO after STARTTLS"
		}
		c.summary.ProtocolErrors++
		protocolErrorCount.Add(1)
		relaylog.Rejected("inbound", c.conn.RemoteAddr(), msg)
		return false, c.writeReply(503, msg)
	}

	if c.cfg.Policy == tlspolicy.RequireTls && !c.tlsActive {
		c.summary.Telemetry.RequireTlsRejections++
		requireTlsRejectionCount.Add(1)
		relaylog.Rejected("inbound", c.conn.RemoteAddr(), "TLS required but not active")
		return false, c.writeReply(530, "5.7.0 Must issue STARTTLS first")
	}

	return true, nil
}

func (c *Conn) handleMailOrRcpt(rawLine string, noUpstreamCode int, noUpstreamMsg string) error {
	ok, err := c.requireEhlo()
	if !ok {
		return err
	}

	if c.cfg.UpstreamAddress == "" {
		return c.writeReply(noUpstreamCode, noUpstreamMsg)
	}

	return c.relayCommand(rawLine)
}

func (c *Conn) handleSimpleForward(rawLine string, noUpstreamCode int, noUpstreamMsg string) error {
	if c.upstream == nil {
		return c.writeReply(noUpstreamCode, noUpstreamMsg)
	}
	return c.relayCommand(rawLine)
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

func (c *Conn) handleData() error {
	ok, err := c.requireEhlo()
	if !ok {
		return err
	}

	if c.cfg.UpstreamAddress == "" && c.upstream == nil {
		return c.handleDataNoUpstream()
	}

	if err := c.ensureUpstream(); err != nil {
		c.summary.ProtocolErrors++
		protocolErrorCount.Add(1)
		c.tr.Errorf("relay unavailable: %v", err)
		relaylog.Deferred("inbound", c.conn.RemoteAddr(), "data", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Postfix relay unavailable: %s", err))
	}

	reply, err := c.upstream.RelayCommand("DATA")
	if err != nil {
		c.dropUpstream()
		c.summary.ProtocolErrors++
		protocolErrorCount.Add(1)
		c.tr.Errorf("relay unavailable: %v", err)
		relaylog.Deferred("inbound", c.conn.RemoteAddr(), "data", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Postfix relay unavailable: %s", err))
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
		c.summary.ProtocolErrors++
		protocolErrorCount.Add(1)
		c.tr.Errorf("relay unavailable: %v", err)
		relaylog.Deferred("inbound", c.conn.RemoteAddr(), "data-final", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Postfix relay unavailable: %s", err))
	}

	c.logDataOutcome(final)
	return c.forwardReply(final)
}

// logDataOutcome records the message-level relay outcome once the upstream
// has issued its final reply to the DATA block, matching the granularity of
// the teacher's maillog.Queued/maillog.Rejected calls.
func (c *Conn) logDataOutcome(final smtpwire.Reply) {
	peer := c.conn.RemoteAddr()
	switch {
	case final.IsSuccess():
		relaylog.Relayed("inbound", peer, "data-final", c.cfg.UpstreamAddress, final.Code)
	case final.IsPermanent():
		relaylog.Rejected("inbound", peer, final.Text())
	default:
		relaylog.Deferred("inbound", peer, "data-final", final.Text())
	}
}

func (c *Conn) handleDataNoUpstream() error {
	if err := c.writeReply(354, "End data with <CR><LF>.<CR><LF>"); err != nil {
		return err
	}

	for {
		line, err := c.lr.ReadLine()
		if err == smtpwire.ErrLineTooLong {
			continue
		}
		if err != nil {
			return err
		}
		if smtpwire.IsDataTerminator(line) {
			break
		}
	}

	return c.writeReply(250, "2.0.0 Queued")
}

func (c *Conn) ensureUpstream() error {
	if c.upstream != nil {
		return nil
	}

	client, _, err := relay.Dial(c.cfg.UpstreamAddress, "upstream", c.cfg.BannerHost, "", c.cfg.MaxLineLen, c.cfg.DialTimeout)
	if err != nil {
		return err
	}
	c.upstream = client
	return nil
}

func (c *Conn) relayCommand(rawLine string) error {
	if err := c.ensureUpstream(); err != nil {
		c.summary.ProtocolErrors++
		protocolErrorCount.Add(1)
		c.tr.Errorf("relay unavailable: %v", err)
		relaylog.Deferred("inbound", c.conn.RemoteAddr(), "command", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Postfix relay unavailable: %s", err))
	}

	reply, err := c.upstream.RelayCommand(rawLine)
	if err != nil {
		c.dropUpstream()
		c.summary.ProtocolErrors++
		protocolErrorCount.Add(1)
		c.tr.Errorf("relay unavailable: %v", err)
		relaylog.Deferred("inbound", c.conn.RemoteAddr(), "command", err.Error())
		return c.writeReply(451, fmt.Sprintf("4.4.0 Postfix relay unavailable: %s", err))
	}

	return c.forwardReply(reply)
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

// forwardReply writes an upstream's parsed reply back to the client
// verbatim, preserving its multi-line structure.
func (c *Conn) forwardReply(reply smtpwire.Reply) error {
	responseCodeCount.Add(strconv.Itoa(reply.Code), 1)
	c.tr.Debugf("<- %d  %s", reply.Code, reply.Text())
	return smtpwire.WriteReply(c.w, reply.Code, reply.Lines...)
}
