package clock

import "sync/atomic"

// Gate tracks whether the publish admission path currently trusts the wall
// clock: if the observed NTP offset exceeds tolerance, the gate closes and
// ingest rejects with ClockOutOfTolerance while delivery continues
// unaffected. Reads are lock-free; only the NTP monitor writes.
type Gate struct {
	closed atomic.Bool
}

// NewGate creates a gate that starts open (clock trusted) so a node with no
// NTP monitor configured can still publish; the monitor closes it the first
// time it observes an out-of-tolerance sample.
func NewGate() *Gate {
	return &Gate{}
}

// Closed reports whether the publish gate is currently closed.
func (g *Gate) Closed() bool {
	return g.closed.Load()
}

// Open re-opens the gate.
func (g *Gate) Open() {
	g.closed.Store(false)
}

// Close closes the gate.
func (g *Gate) Close() {
	g.closed.Store(true)
}
