// Package timeutil provides the clock abstraction used by the ops layer.
//
// The wire contract is millisecond based: every script call carries a
// now_ms argument and every lease deadline is an absolute millisecond
// timestamp. Clock therefore exposes the current time in both forms, and
// the simulated implementation keeps its state in milliseconds so tests
// advance time in exactly the unit the scripts consume.
package timeutil

import (
	"sync"
	"time"
)

// Clock tells the current time.
//
// NowMs is the value handed to scripts as now_ms; Now serves the few
// places that want a time.Time. Injecting a Clock instead of calling
// time.Now() directly is what makes lease expiry and due-time behavior
// testable: production code uses NewRealClock, tests pin a
// SimulatedClock.
type Clock interface {
	Now() time.Time
	NowMs() int64
}

// NewRealClock returns a Clock backed by the system wall clock.
func NewRealClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) NowMs() int64   { return time.Now().UnixMilli() }

// A SimulatedClock holds a pinned millisecond timestamp that only moves
// when a test advances it. It is safe for concurrent use, so a runloop
// under test and the test body may share one.
type SimulatedClock struct {
	mu sync.Mutex
	ms int64 // guarded by mu
}

// NewSimulatedClock returns a SimulatedClock pinned to t, truncated to
// millisecond precision.
func NewSimulatedClock(t time.Time) *SimulatedClock {
	return &SimulatedClock{ms: t.UnixMilli()}
}

func (c *SimulatedClock) Now() time.Time {
	return time.UnixMilli(c.NowMs())
}

func (c *SimulatedClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

// SetTime pins the clock to t.
func (c *SimulatedClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = t.UnixMilli()
}

// AdvanceTime moves the clock forward by d.
func (c *SimulatedClock) AdvanceTime(d time.Duration) {
	c.AdvanceMs(d.Milliseconds())
}

// AdvanceMs moves the clock forward by ms milliseconds, the granularity
// of lease deadlines and due times.
func (c *SimulatedClock) AdvanceMs(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += ms
}
