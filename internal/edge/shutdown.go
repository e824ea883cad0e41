package edge

import "sync/atomic"

// Stopped is a publish/subscribe shutdown flag shared by every edge
// source (spec §4.1: "must silently drop events after a shutdown
// signal has been set, so late callbacks cannot mutate state after
// teardown").
type Stopped struct {
	flag atomic.Bool
}

// Set marks shutdown as started. Safe to call from any goroutine,
// any number of times.
func (s *Stopped) Set() { s.flag.Store(true) }

// Get reports whether shutdown has started.
func (s *Stopped) Get() bool { return s.flag.Load() }
