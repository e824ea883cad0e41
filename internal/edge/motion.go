package edge

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/hyiger/filament-monitor/internal/monoclock"
)

// MotionSource delivers a pulse callback on every rising (low-to-high)
// edge of the filament-motion encoder line. No debounce is
// applied (spec §4.1: "the line is assumed to deliver clean pulses").
type MotionSource struct {
	pin   gpio.PinIO
	clock monoclock.Clock
}

// NewMotionSource opens the motion-pulse GPIO pin with an internal
// pull-up, matching the Python original's DigitalInputDevice(gpio,
// pull_up=True). The original fires its pulse callback on
// when_deactivated, which for a pulled-up, active-low input is the
// line's low-to-high transition — a rising edge.
func NewMotionSource(bcm int, clock monoclock.Clock) (*MotionSource, error) {
	pin, err := resolvePin(bcm)
	if err != nil {
		return nil, err
	}
	if err := pin.In(gpio.PullUp, gpio.RisingEdge); err != nil {
		return nil, err
	}
	return &MotionSource{pin: pin, clock: clock}, nil
}

// Run blocks, invoking onPulse once per rising edge, until stopped is
// set. Intended to run in its own goroutine.
func (m *MotionSource) Run(stopped *Stopped, onPulse func(time.Time)) {
	for !stopped.Get() {
		if !m.pin.WaitForEdge(250 * time.Millisecond) {
			continue
		}
		if stopped.Get() {
			return
		}
		onPulse(m.clock.Now())
	}
}

// Halt releases the pin.
func (m *MotionSource) Halt() error { return m.pin.Halt() }
