// Package relay implements the transparent upstream relay client shared by
// the inbound (local-MTA) and outbound (remote-MX) session orchestrators:
// dial, validate the banner, issue EHLO, and expose RelayCommand/
// RelayDataBlock to forward the rest of the transaction.
package relay

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/zcalifornia-ph/verzola/internal/smtpwire"
)

// Client is one owned connection to an upstream SMTP peer (a local MTA, or a
// remote MX). It is exclusively owned by the session worker that created it.
type Client struct {
	conn   net.Conn
	lr     *smtpwire.LineReader
	w      *bufio.Writer
	maxLen int

	// Exchange is the upstream's identity: the configured upstream address
	// for the inbound flavor, or the MX exchange name for the outbound one.
	Exchange string
}

// Dial opens a TCP connection to addr, reads and validates the banner (must
// be 2xx), issues "EHLO ehloHost" (must be 2xx), and optionally issues
// extraCmd (e.g. a staged MAIL command for the outbound flavor; pass "" to
// skip). It returns the EHLO reply so callers can inspect advertised
// extensions (e.g. STARTTLS).
func Dial(addr, exchange, ehloHost, extraCmd string, maxLineLen int, timeout time.Duration) (*Client, smtpwire.Reply, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, smtpwire.Reply{}, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := newClient(conn, exchange, maxLineLen)

	banner, err := smtpwire.ReadReply(c.lr)
	if err != nil {
		conn.Close()
		return nil, smtpwire.Reply{}, fmt.Errorf("reading banner from %s: %w", addr, err)
	}
	if !banner.IsSuccess() {
		conn.Close()
		return nil, smtpwire.Reply{}, fmt.Errorf(
			"banner from %s was non-2xx (%d): %s", addr, banner.Code, banner.Text())
	}

	ehloReply, err := c.RelayCommand("EHLO " + ehloHost)
	if err != nil {
		conn.Close()
		return nil, smtpwire.Reply{}, fmt.Errorf("EHLO to %s: %w", addr, err)
	}
	if !ehloReply.IsSuccess() {
		conn.Close()
		return nil, smtpwire.Reply{}, fmt.Errorf(
			"EHLO to %s was non-2xx (%d): %s", addr, ehloReply.Code, ehloReply.Text())
	}

	if extraCmd != "" {
		extraReply, err := c.RelayCommand(extraCmd)
		if err != nil {
			conn.Close()
			return nil, smtpwire.Reply{}, fmt.Errorf("staged command to %s: %w", addr, err)
		}
		if !extraReply.IsSuccess() {
			conn.Close()
			return nil, smtpwire.Reply{}, fmt.Errorf(
				"staged command to %s was non-2xx (%d): %s", addr, extraReply.Code, extraReply.Text())
		}
	}

	return c, ehloReply, nil
}

// WrapConn builds a Client directly from an already-connected net.Conn,
// without performing the dial/banner/EHLO handshake. Used after a TLS
// upgrade, where the underlying connection is replaced in place.
func WrapConn(conn net.Conn, exchange string, maxLineLen int) *Client {
	return newClient(conn, exchange, maxLineLen)
}

func newClient(conn net.Conn, exchange string, maxLineLen int) *Client {
	return &Client{
		conn:     conn,
		lr:       smtpwire.NewLineReader(bufio.NewReader(conn), maxLineLen),
		w:        bufio.NewWriter(conn),
		maxLen:   maxLineLen,
		Exchange: exchange,
	}
}

// Conn returns the underlying network connection, so callers can perform a
// STARTTLS handshake and then rebuild the Client via WrapConn.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// SetDeadline forwards to the underlying connection.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RelayCommand forwards a single raw command line upstream and returns its
// reply.
func (c *Client) RelayCommand(line string) (smtpwire.Reply, error) {
	if err := smtpwire.WriteLine(c.w, line); err != nil {
		return smtpwire.Reply{}, fmt.Errorf("writing %q upstream: %w", line, err)
	}
	reply, err := smtpwire.ReadReply(c.lr)
	if err != nil {
		return smtpwire.Reply{}, fmt.Errorf("reading upstream reply to %q: %w", line, err)
	}
	return reply, nil
}

// RelayDataBlock streams the client's DATA body, line by line, from
// clientReader to the upstream, enforcing maxLineLen on every line, until it
// observes the DATA terminator. It then reads and returns the upstream's
// final reply. The message is never buffered in full.
func (c *Client) RelayDataBlock(clientReader *smtpwire.LineReader) (smtpwire.Reply, error) {
	for {
		line, err := clientReader.ReadLine()
		if err != nil {
			return smtpwire.Reply{}, fmt.Errorf("reading DATA line from client: %w", err)
		}

		if err := smtpwire.WriteLine(c.w, line); err != nil {
			return smtpwire.Reply{}, fmt.Errorf("relaying DATA line upstream: %w", err)
		}

		if smtpwire.IsDataTerminator(line) {
			break
		}
	}

	reply, err := smtpwire.ReadReply(c.lr)
	if err != nil {
		return smtpwire.Reply{}, fmt.Errorf("reading upstream final DATA reply: %w", err)
	}
	return reply, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
