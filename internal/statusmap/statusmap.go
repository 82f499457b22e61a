// Package statusmap rewrites remote SMTP replies observed on the outbound
// path into retry-safe local statuses with provenance (§4.8), so the local
// MTA's retry queue owns the retry decision instead of the proxy
// synthesizing a DSN.
package statusmap

import (
	"fmt"

	"github.com/zcalifornia-ph/verzola/internal/smtpwire"
)

// Stage identifies which step of the outbound transaction produced the
// remote reply being mapped.
type Stage string

const (
	StageRcpt      Stage = "rcpt"
	StageDataFinal Stage = "data-final"
)

// Defer builds the local retry-safe reply line for a non-2xx remote reply
// observed at the given stage. Callers only invoke this for replies that are
// not 2xx; the class is derived directly from the remote code.
func Defer(stage Stage, remote smtpwire.Reply) string {
	class := "remote-transient"
	if remote.IsPermanent() {
		class = "remote-permanent"
	}

	return fmt.Sprintf(
		"451 4.4.0 Delivery deferred for retry (stage=%s, class=%s, upstream=%d)",
		stage, class, remote.Code)
}

// PolicyDefer builds the local reply for an outbound TLS policy defer: every
// MX candidate failed to satisfy RequireTls.
func PolicyDefer(reason string) string {
	return fmt.Sprintf("451 4.7.5 Outbound TLS policy defer: %s", reason)
}
