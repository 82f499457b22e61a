package relaylog

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

func TestLoggerEmitsExpectedFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 2525}
	l.Accepted("inbound", addr)
	l.Relayed("inbound", addr, "rcpt", "127.0.0.1:10025", 250)
	l.Deferred("outbound", addr, "data-final", "remote timeout")
	l.Rejected("outbound", addr, "mixed recipient domains")

	out := buf.String()
	for _, want := range []string{
		"inbound accept from=192.0.2.1:2525",
		"relayed stage=rcpt upstream=127.0.0.1:10025 code=250",
		`deferred stage=data-final reason="remote timeout"`,
		`rejected reason="mixed recipient domains"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q; got:\n%s", want, out)
		}
	}
}
