package edge

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/hyiger/filament-monitor/internal/monoclock"
)

// Gesture classifies a completed rearm-button press (spec §4.1,
// §9 design note (b): the button is only observed as a single
// release-gated gesture, never as separate press/release callbacks).
type Gesture int

const (
	// ShortPress is a press held for less than the long-press threshold.
	ShortPress Gesture = iota
	// LongPress is a press held for at least the long-press threshold.
	LongPress
)

// ButtonSource delivers one gesture callback per completed press of the
// optional rearm button (component C3). Debounce policy matches
// RunoutSource: an edge is only accepted once debounce has elapsed
// since the last accepted edge.
type ButtonSource struct {
	pin           gpio.PinIO
	clock         monoclock.Clock
	activeHigh    bool
	debounce      time.Duration
	longPressMin  time.Duration

	lastAccepted time.Time
	haveLast     bool
	pressedAt    time.Time
	pressed      bool
}

// NewButtonSource opens the rearm-button GPIO pin.
func NewButtonSource(bcm int, activeHigh bool, debounce, longPressMin time.Duration, clock monoclock.Clock) (*ButtonSource, error) {
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
	return &ButtonSource{
		pin:          pin,
		clock:        clock,
		activeHigh:   activeHigh,
		debounce:     debounce,
		longPressMin: longPressMin,
	}, nil
}

// Run blocks, invoking onGesture once per completed press-then-release
// cycle, classified as ShortPress or LongPress by how long the button
// was held relative to longPressMin.
func (b *ButtonSource) Run(stopped *Stopped, onGesture func(time.Time, Gesture)) {
	for !stopped.Get() {
		if !b.pin.WaitForEdge(250 * time.Millisecond) {
			continue
		}
		if stopped.Get() {
			return
		}
		now := b.clock.Now()
		if b.haveLast && now.Sub(b.lastAccepted) < b.debounce {
			continue
		}
		b.lastAccepted = now
		b.haveLast = true

		active := b.pin.Read() == gpio.High
		if !b.activeHigh {
			active = !active
		}

		switch {
		case active && !b.pressed:
			b.pressed = true
			b.pressedAt = now
		case !active && b.pressed:
			b.pressed = false
			held := now.Sub(b.pressedAt)
			gesture := ShortPress
			if held >= b.longPressMin {
				gesture = LongPress
			}
			onGesture(now, gesture)
		}
	}
}

// Halt releases the pin.
func (b *ButtonSource) Halt() error { return b.pin.Halt() }
