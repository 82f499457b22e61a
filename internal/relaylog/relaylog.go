// Package relaylog implements a log specifically for relay transaction
// events (accept, relay, defer, reject), narrowed from the teacher's fuller
// mail event log to the events the session orchestrators actually emit.
package relaylog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger writes relay transaction events to a backend (a file or syslog).
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a Logger writing to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "verzola")
	if err != nil {
		return nil, err
	}
	return &Logger{w: w}, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(l.w, format, args...); err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to relaylog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that a listener started accepting on addr.
func (l *Logger) Listening(listener, addr string) {
	l.printf("%s listening on %s\n", listener, addr)
}

// Accepted logs a new accepted session.
func (l *Logger) Accepted(listener string, peer net.Addr) {
	l.printf("%s accept from=%s\n", listener, peer)
}

// Relayed logs that a command or DATA block was forwarded upstream and got
// a final reply.
func (l *Logger) Relayed(listener string, peer net.Addr, stage string, upstream string, code int) {
	l.printf("%s %s relayed stage=%s upstream=%s code=%d\n", listener, peer, stage, upstream, code)
}

// Deferred logs a transient local defer issued in place of a remote reply.
func (l *Logger) Deferred(listener string, peer net.Addr, stage string, reason string) {
	l.printf("%s %s deferred stage=%s reason=%q\n", listener, peer, stage, reason)
}

// Rejected logs a permanent local rejection (protocol error, policy
// violation, bad address syntax).
func (l *Logger) Rejected(listener string, peer net.Addr, reason string) {
	l.printf("%s %s rejected reason=%q\n", listener, peer, reason)
}

// Default logger, used by the package-level functions below.
var Default = New(ioutil.Discard)

func Listening(listener, addr string) { Default.Listening(listener, addr) }

func Accepted(listener string, peer net.Addr) { Default.Accepted(listener, peer) }

func Relayed(listener string, peer net.Addr, stage, upstream string, code int) {
	Default.Relayed(listener, peer, stage, upstream, code)
}

func Deferred(listener string, peer net.Addr, stage, reason string) {
	Default.Deferred(listener, peer, stage, reason)
}

func Rejected(listener string, peer net.Addr, reason string) {
	Default.Rejected(listener, peer, reason)
}
