// Package metrics exposes the session counters named in §6 as expvar
// variables, keyed by listener so inbound and outbound metrics don't
// collide.
package metrics

import (
	"expvar"
	"fmt"
)

// Map is a labeled expvar.Map of int64 counters, e.g. one entry per SMTP
// reply code observed.
type Map struct {
	m *expvar.Map
}

// NewMap creates an expvar.Map published under name. label names the
// dimension each key represents (e.g. "command", "code") and help is a
// human-readable description; expvar itself has no native help text, so
// both are documentation-only at the call site.
func NewMap(name, label, help string) *Map {
	return &Map{m: expvar.NewMap(name)}
}

// Add increments the counter for key by delta.
func (m *Map) Add(key string, delta int64) {
	m.m.Add(key, delta)
}

// Int is a single published expvar.Int counter.
type Int struct {
	v *expvar.Int
}

// NewInt creates a published expvar.Int counter under name.
func NewInt(name, help string) *Int {
	return &Int{v: expvar.NewInt(name)}
}

// Add adds delta to the counter.
func (i *Int) Add(delta int64) {
	i.v.Add(delta)
}

// Set sets the counter to value.
func (i *Int) Set(value int64) {
	i.v.Set(value)
}

// Named builds a per-listener metric name, so inbound and outbound listeners
// publish under distinct expvar keys (e.g. "verzola/inbound/command_count").
func Named(listener, metric string) string {
	return fmt.Sprintf("verzola/%s/%s", listener, metric)
}
