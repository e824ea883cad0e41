package edge

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/hyiger/filament-monitor/internal/monoclock"
)

// RunoutSource delivers debounced asserted/cleared callbacks for the
// filament-runout switch (spec §4.1). Active level is configurable —
// some switches pull low when tripped, others pull high — so the
// caller supplies activeHigh rather than this package guessing it.
type RunoutSource struct {
	pin        gpio.PinIO
	clock      monoclock.Clock
	activeHigh bool
	debounce   time.Duration

	lastAccepted time.Time
	haveLast     bool
}

// NewRunoutSource opens the runout-switch GPIO pin. The pull direction
// is chosen opposite the active level, the way the Python original
// wires DigitalInputDevice(gpio, pull_up=not active_high).
func NewRunoutSource(bcm int, activeHigh bool, debounce time.Duration, clock monoclock.Clock) (*RunoutSource, error) {
	pin, err := resolvePin(bcm)
	if err != nil {
		return nil, err
	}
	pull := gpio.PullUp
	if activeHigh {
		pull = gpio.PullDown
	}
	if err := pin.In(pull, gpio.BothEdges); err != nil {
		return nil, err
	}
	return &RunoutSource{pin: pin, clock: clock, activeHigh: activeHigh, debounce: debounce}, nil
}

// Run blocks, invoking onAsserted when the switch transitions into its
// active (no filament) level and onCleared on the reverse transition,
// each debounced against debounce (spec §4.1: "an edge is accepted
// only if at least runout_debounce_s has elapsed since the last
// accepted edge").
func (r *RunoutSource) Run(stopped *Stopped, onAsserted, onCleared func(time.Time)) {
	for !stopped.Get() {
		if !r.pin.WaitForEdge(250 * time.Millisecond) {
			continue
		}
		if stopped.Get() {
			return
		}
		now := r.clock.Now()
		if r.haveLast && now.Sub(r.lastAccepted) < r.debounce {
			continue
		}
		r.lastAccepted = now
		r.haveLast = true

		asserted := r.pin.Read() == gpio.High
		if !r.activeHigh {
			asserted = !asserted
		}
		if asserted {
			onAsserted(now)
		} else {
			onCleared(now)
		}
	}
}

// Halt releases the pin.
func (r *RunoutSource) Halt() error { return r.pin.Halt() }
