// Package edge implements the three GPIO edge producers (spec §4.1,
// component C3): the motion-pulse source, the debounced runout switch,
// and the optional rearm button. Each source owns one goroutine that
// blocks on periph.io's edge-wait primitive and invokes a callback —
// the same one-goroutine-per-pin shape as
// seedhammer-seedhammer/input/input.go, which drives
// periph.io/x/conn/v3/gpio.PinIn.WaitForEdge in a loop per button.
//
// Unlike the Python original's object-attribute
// when_activated/when_deactivated callbacks, callers pass plain
// function values to each source's Run (one for motion pulses, two for
// runout asserted/cleared, one for button gestures); there is no
// shared callback-dispatch object to get out of sync.
package edge

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var hostInitOnce sync.Once
var hostInitErr error

// ensureHost runs periph's host.Init() exactly once per process, the
// way every periph.io consumer in the pack (seedhammer's input, lcd,
// and wshat packages) does before touching any pin.
func ensureHost() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// resolvePin looks up a GPIO pin by its BCM number. Configuration
// carries pin numbers as plain ints (matching the original CLI's
// --motion-gpio/--runout-gpio/--rearm-button-gpio), so the lookup goes
// through gpioreg.ByName("GPIO<n>") rather than the compile-time
// bcm283x.GPIOx constants seedhammer uses directly.
func resolvePin(bcm int) (gpio.PinIO, error) {
	if err := ensureHost(); err != nil {
		return nil, fmt.Errorf("edge: host.Init: %w", err)
	}
	p := gpioreg.ByName(fmt.Sprintf("GPIO%d", bcm))
	if p == nil {
		return nil, fmt.Errorf("edge: no such GPIO pin: %d", bcm)
	}
	return p, nil
}
