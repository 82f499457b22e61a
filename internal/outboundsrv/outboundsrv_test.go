package outboundsrv

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/zcalifornia-ph/verzola/internal/mxresolve"
	"github.com/zcalifornia-ph/verzola/internal/tlspolicy"
)

// fakeMX starts a listener that accepts exactly one connection and replies
// to each scripted command line with the matching response, same wire
// contract as a real upstream.
func fakeMX(t *testing.T, responses map[string]string) string {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer l.Close()

		conn.Write([]byte(responses["_welcome"]))

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			reply, ok := responses[line]
			if !ok {
				return
			}
			conn.Write([]byte(reply))
		}
	}()

	return l.Addr().String()
}

// scriptedResolver returns a fixed candidate list regardless of the domain
// asked for.
type scriptedResolver struct {
	candidates []mxresolve.MxCandidate
}

func (s scriptedResolver) Resolve(domain string) ([]mxresolve.MxCandidate, error) {
	return s.candidates, nil
}

func dialAndScript(t *testing.T, addr string, script []string) []string {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	var replies []string

	readReply := func() string {
		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("reading reply: %v", err)
			}
			line = strings.TrimRight(line, "\r\n")
			lines = append(lines, line)
			if len(line) >= 4 && line[3] == ' ' {
				break
			}
		}
		return strings.Join(lines, "\n")
	}

	replies = append(replies, readReply()) // banner

	for _, cmd := range script {
		if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
			t.Fatalf("writing %q: %v", cmd, err)
		}
		replies = append(replies, readReply())
	}

	return replies
}

func newOutboundListener(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

func TestS4OutboundMxFailover(t *testing.T) {
	// candidate 1 (lower preference): nothing listens here, dial fails.
	unreachable := "localhost:1" // port 1 is reserved, connection refused

	mxAddr := fakeMX(t, map[string]string{
		"_welcome":                "220 mx-secondary.example ESMTP\r\n",
		"EHLO mx.example":         "250 mx-secondary.example greets you\r\n",
		"MAIL FROM:<a@x>":         "250 2.1.0 OK\r\n",
		"RCPT TO:<b@example.net>": "250 2.1.5 OK\r\n",
	})

	resolver := scriptedResolver{candidates: []mxresolve.MxCandidate{
		{Preference: 10, Exchange: "mx-unreachable.example", Address: unreachable},
		{Preference: 20, Exchange: "mx-secondary.example", Address: mxAddr},
	}}

	l := newOutboundListener(t)
	defer l.Close()

	cfg := &ListenerConfig{
		BannerHost:  "mx.example",
		Policy:      tlspolicy.Opportunistic,
		MaxLineLen:  512,
		Resolver:    resolver,
		DialTimeout: 2 * time.Second,
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan SessionSummary, 1)
	go func() {
		s, _ := srv.ServeOne(l)
		done <- s
	}()

	replies := dialAndScript(t, l.Addr().String(), []string{
		"EHLO c",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@example.net>",
	})

	if replies[3] != "250 2.1.5 OK" {
		t.Fatalf("RCPT reply = %q", replies[3])
	}

	summary := <-done
	if summary.MxCandidatesAttempted != 2 {
		t.Errorf("MxCandidatesAttempted = %d, want 2", summary.MxCandidatesAttempted)
	}
	if summary.SelectedMx != "mx-secondary.example" {
		t.Errorf("SelectedMx = %q, want mx-secondary.example", summary.SelectedMx)
	}
	if !summary.RemoteSessionEstablished {
		t.Errorf("RemoteSessionEstablished = false, want true")
	}
}

func TestS5OutboundRequireTlsDefer(t *testing.T) {
	// No STARTTLS advertised in the EHLO reply.
	mxAddr := fakeMX(t, map[string]string{
		"_welcome":        "220 mx.example ESMTP\r\n",
		"EHLO mx.example": "250 mx.example greets you\r\n",
	})

	resolver := scriptedResolver{candidates: []mxresolve.MxCandidate{
		{Preference: 10, Exchange: "mx.example", Address: mxAddr},
	}}

	l := newOutboundListener(t)
	defer l.Close()

	cfg := &ListenerConfig{
		BannerHost:  "mx.example",
		Policy:      tlspolicy.RequireTls,
		MaxLineLen:  512,
		Resolver:    resolver,
		DialTimeout: 2 * time.Second,
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan SessionSummary, 1)
	go func() {
		s, _ := srv.ServeOne(l)
		done <- s
	}()

	replies := dialAndScript(t, l.Addr().String(), []string{
		"EHLO c",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@example.net>",
	})

	if !strings.HasPrefix(replies[3], "451 4.7.5 Outbound TLS policy defer:") {
		t.Errorf("RCPT reply = %q", replies[3])
	}

	summary := <-done
	if summary.PolicyDeferredFailures != 1 {
		t.Errorf("PolicyDeferredFailures = %d, want 1", summary.PolicyDeferredFailures)
	}
	if summary.TemporaryFailures != 1 {
		t.Errorf("TemporaryFailures = %d, want 1", summary.TemporaryFailures)
	}
}

func TestS6OutboundStatusMappingRcpt(t *testing.T) {
	mxAddr := fakeMX(t, map[string]string{
		"_welcome":                "220 mx.example ESMTP\r\n",
		"EHLO mx.example":         "250 mx.example greets you\r\n",
		"MAIL FROM:<a@x>":         "250 2.1.0 OK\r\n",
		"RCPT TO:<b@example.net>": "451 4.3.0 Temporary backend issue\r\n",
	})

	resolver := scriptedResolver{candidates: []mxresolve.MxCandidate{
		{Preference: 10, Exchange: "mx.example", Address: mxAddr},
	}}

	l := newOutboundListener(t)
	defer l.Close()

	cfg := &ListenerConfig{
		BannerHost:  "mx.example",
		Policy:      tlspolicy.Opportunistic,
		MaxLineLen:  512,
		Resolver:    resolver,
		DialTimeout: 2 * time.Second,
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	go srv.ServeOne(l)

	replies := dialAndScript(t, l.Addr().String(), []string{
		"EHLO c",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@example.net>",
	})

	want := "451 4.4.0 Delivery deferred for retry (stage=rcpt, class=remote-transient, upstream=451)"
	if replies[3] != want {
		t.Errorf("got %q, want %q", replies[3], want)
	}
}

func TestS6OutboundStatusMappingDataFinal(t *testing.T) {
	mxAddr := fakeMX(t, map[string]string{
		"_welcome":                "220 mx.example ESMTP\r\n",
		"EHLO mx.example":         "250 mx.example greets you\r\n",
		"MAIL FROM:<a@x>":         "250 2.1.0 OK\r\n",
		"RCPT TO:<b@example.net>": "250 2.1.5 OK\r\n",
		"DATA":                    "354 go ahead\r\n",
		"hello world":             "", // DATA body lines draw no reply
		".":                       "554 5.6.0 Content rejected\r\n",
	})

	resolver := scriptedResolver{candidates: []mxresolve.MxCandidate{
		{Preference: 10, Exchange: "mx.example", Address: mxAddr},
	}}

	l := newOutboundListener(t)
	defer l.Close()

	cfg := &ListenerConfig{
		BannerHost:  "mx.example",
		Policy:      tlspolicy.Opportunistic,
		MaxLineLen:  512,
		Resolver:    resolver,
		DialTimeout: 2 * time.Second,
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	go srv.ServeOne(l)

	// The DATA body and its terminator are sent as one script step, since
	// only the terminator draws a reply.
	replies := dialAndScript(t, l.Addr().String(), []string{
		"EHLO c",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@example.net>",
		"DATA",
		"hello world\r\n.",
	})

	want := "451 4.4.0 Delivery deferred for retry (stage=data-final, class=remote-permanent, upstream=554)"
	if replies[5] != want {
		t.Errorf("got %q, want %q", replies[5], want)
	}
}

func TestMixedRecipientDomainsRejected(t *testing.T) {
	mxAddr := fakeMX(t, map[string]string{
		"_welcome":                "220 mx.example ESMTP\r\n",
		"EHLO mx.example":         "250 mx.example greets you\r\n",
		"MAIL FROM:<a@x>":         "250 2.1.0 OK\r\n",
		"RCPT TO:<b@example.net>": "250 2.1.5 OK\r\n",
	})

	resolver := scriptedResolver{candidates: []mxresolve.MxCandidate{
		{Preference: 10, Exchange: "mx.example", Address: mxAddr},
	}}

	l := newOutboundListener(t)
	defer l.Close()

	cfg := &ListenerConfig{
		BannerHost:  "mx.example",
		Policy:      tlspolicy.Opportunistic,
		MaxLineLen:  512,
		Resolver:    resolver,
		DialTimeout: 2 * time.Second,
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan SessionSummary, 1)
	go func() {
		s, _ := srv.ServeOne(l)
		done <- s
	}()

	replies := dialAndScript(t, l.Addr().String(), []string{
		"EHLO c",
		"MAIL FROM:<a@x>",
		"RCPT TO:<b@example.net>",
		"RCPT TO:<c@other.net>",
	})

	if replies[4] != "451 4.5.3 Mixed recipient domains are not supported" {
		t.Errorf("second RCPT reply = %q", replies[4])
	}

	summary := <-done
	if summary.TemporaryFailures != 1 {
		t.Errorf("TemporaryFailures = %d, want 1", summary.TemporaryFailures)
	}
}

func TestMailRequiresFromPrefix(t *testing.T) {
	l := newOutboundListener(t)
	defer l.Close()

	cfg := &ListenerConfig{
		BannerHost:  "mx.example",
		Policy:      tlspolicy.Opportunistic,
		MaxLineLen:  512,
		Resolver:    scriptedResolver{},
		DialTimeout: 2 * time.Second,
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	go srv.ServeOne(l)

	replies := dialAndScript(t, l.Addr().String(), []string{
		"EHLO c",
		"MAIL nonsense",
	})

	if replies[2] != "501 5.5.4 Bad MAIL syntax" {
		t.Errorf("MAIL reply = %q", replies[2])
	}
}

func TestParseRcptDomain(t *testing.T) {
	cases := []struct {
		arg     string
		want    string
		wantErr bool
	}{
		{"TO:<b@example.net>", "example.net", false},
		{"to:<b@EXAMPLE.NET>", "example.net", false},
		{"TO:<b@x.example.net> NOTIFY=NEVER", "x.example.net", false},
		{"TO:<nodomain>", "", true},
		{"TO:<@>", "", true},
		{"FROM:<b@x>", "", true},
	}

	for _, c := range cases {
		got, err := parseRcptDomain(c.arg)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseRcptDomain(%q) = %q, want error", c.arg, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRcptDomain(%q) unexpected error: %v", c.arg, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseRcptDomain(%q) = %q, want %q", c.arg, got, c.want)
		}
	}
}
