// Package doctor implements the interactive diagnostic mode (--doctor):
// a read-only hardware probe that counts motion pulses, reports runout
// transitions, and optionally walks the operator through a rearm-button
// press/release test. Run never opens the printer serial port and never
// sends G-code, mirroring run_doctor in the Python original.
// RunSelfTest (--self-test) does open the port and writes a single M118
// echo probe, but never a pause command.
package doctor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyiger/filament-monitor/internal/config"
	"github.com/hyiger/filament-monitor/internal/edge"
	"github.com/hyiger/filament-monitor/internal/monoclock"
	"github.com/hyiger/filament-monitor/internal/serialio"
)

// Run drives the diagnostic loop until ctx is cancelled (typically by
// Ctrl+C), printing plain human-readable lines to stdout.
func Run(ctx context.Context, cfg config.Config) error {
	fmt.Println("Doctor Mode (safe):")
	fmt.Println("  - No M600 is sent.")
	fmt.Println("  - Move filament to generate motion pulses.")
	fmt.Println("  - Toggle runout to test runout.")
	fmt.Println("  Ctrl+C to exit.")
	fmt.Println()

	clock := monoclock.Real{}
	stopped := &edge.Stopped{}
	go func() {
		<-ctx.Done()
		stopped.Set()
	}()

	motion, err := edge.NewMotionSource(cfg.MotionGPIO, clock)
	if err != nil {
		return fmt.Errorf("doctor: motion pin: %w", err)
	}
	defer motion.Halt()

	pulses := 0
	go motion.Run(stopped, func(time.Time) { pulses++ })

	var runout *edge.RunoutSource
	if cfg.RunoutEnabled {
		runout, err = edge.NewRunoutSource(cfg.RunoutGPIO, cfg.RunoutActiveHigh, cfg.RunoutDebounce, clock)
		if err != nil {
			return fmt.Errorf("doctor: runout pin: %w", err)
		}
		defer runout.Halt()
		go runout.Run(stopped,
			func(time.Time) { fmt.Println("runout: ASSERTED") },
			func(time.Time) { fmt.Println("runout: cleared") })
	}

	if cfg.RearmButtonGPIO != 0 {
		fmt.Println()
		fmt.Println("Rearm Button Test (optional)")
		fmt.Printf("  GPIO=%d active_high=%v long_press=%s debounce=%s\n",
			cfg.RearmButtonGPIO, cfg.RearmButtonActiveHigh, cfg.RearmButtonLongPress, cfg.RearmButtonDebounce)
		fmt.Println("  This test is read-only: it does not change monitor state or send any G-code.")
		fmt.Println()

		btn, err := edge.NewButtonSource(cfg.RearmButtonGPIO, cfg.RearmButtonActiveHigh, cfg.RearmButtonDebounce, cfg.RearmButtonLongPress, clock)
		if err != nil {
			return fmt.Errorf("doctor: button pin: %w", err)
		}
		defer btn.Halt()
		go btn.Run(stopped, func(_ time.Time, g edge.Gesture) {
			if g == edge.LongPress {
				fmt.Println("button: long press -> would rearm")
			} else {
				fmt.Println("button: short press -> would reset")
			}
		})
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\npulses observed: %d\n", pulses)
			return nil
		case <-ticker.C:
			fmt.Printf("pulses=%d\n", pulses)
		}
	}
}

// RunSelfTest exercises the serial echo path and the motion/runout
// inputs without ever sending a pause command, mirroring run_self_test
// in the Python original. It requires cfg.Port to be set.
func RunSelfTest(ctx context.Context, cfg config.Config, token string) error {
	if cfg.Port == "" {
		return fmt.Errorf("doctor: self-test requires a serial port")
	}
	port, err := serialio.Open(cfg.Port, cfg.Baud)
	if err != nil {
		return fmt.Errorf("doctor: open serial: %w", err)
	}
	defer port.Close()
	stream := serialio.New(port)

	fmt.Println("Self-Test")
	fmt.Println("  Sent:", token)
	fmt.Println("  Waiting for echo...")
	if err := stream.WriteLine("M118 A1 " + token); err != nil {
		return fmt.Errorf("doctor: write echo probe: %w", err)
	}

	echoed := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := stream.ReadLine()
		if strings.Contains(strings.ToLower(line), strings.ToLower(token)) {
			echoed = true
			fmt.Println("  OK: echo seen")
			break
		}
		if err != nil {
			break
		}
	}
	if !echoed {
		fmt.Println("  WARN: no echo observed")
	}

	clock := monoclock.Real{}
	stopped := &edge.Stopped{}
	motion, err := edge.NewMotionSource(cfg.MotionGPIO, clock)
	if err != nil {
		return fmt.Errorf("doctor: motion pin: %w", err)
	}
	defer motion.Halt()
	pulses := 0
	go motion.Run(stopped, func(time.Time) { pulses++ })

	fmt.Println("  Roll filament for 3 seconds...")
	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}
	stopped.Set()
	fmt.Println("  Motion pulses:", pulses)

	if !cfg.RunoutEnabled {
		fmt.Println("  Runout test: skipped (runout disabled)")
		return nil
	}

	runoutStopped := &edge.Stopped{}
	runout, err := edge.NewRunoutSource(cfg.RunoutGPIO, cfg.RunoutActiveHigh, cfg.RunoutDebounce, clock)
	if err != nil {
		return fmt.Errorf("doctor: runout pin: %w", err)
	}
	defer runout.Halt()
	fmt.Println("  Toggle runout (insert/remove) for 5 seconds...")
	go runout.Run(runoutStopped,
		func(time.Time) { fmt.Println("  RUNOUT asserted=true") },
		func(time.Time) { fmt.Println("  RUNOUT asserted=false") })
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	runoutStopped.Set()
	return nil
}
