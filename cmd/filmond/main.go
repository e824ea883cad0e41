// Command filmond is the filament jam/runout monitor daemon: it reads
// a printer's serial line and a set of GPIO edge sources, and issues a
// pause command when it decides a jam or runout has occurred.
//
// Flag wiring follows the teacher bridge's main.go: a struct of
// defaults seeded from the environment, each field bound to a flag
// with flag.*Var, parsed once at startup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hyiger/filament-monitor/internal/config"
	"github.com/hyiger/filament-monitor/internal/controlsocket"
	"github.com/hyiger/filament-monitor/internal/doctor"
	"github.com/hyiger/filament-monitor/internal/edge"
	"github.com/hyiger/filament-monitor/internal/estimator"
	"github.com/hyiger/filament-monitor/internal/events"
	"github.com/hyiger/filament-monitor/internal/monitor"
	"github.com/hyiger/filament-monitor/internal/monoclock"
	"github.com/hyiger/filament-monitor/internal/notify"
	"github.com/hyiger/filament-monitor/internal/serialio"
)

const version = "1.0.4"

const usageExamples = `Usage examples:
  # Run normally (printer connected over USB)
  filmond -p /dev/ttyACM0

  # Motion + runout inputs (BCM numbering)
  filmond -p /dev/ttyACM0 --motion-gpio 26 --runout-gpio 27 --runout-enabled --runout-active-high

  # Conservative jam tuning (marker-driven arming)
  filmond -p /dev/ttyACM0 --jam-timeout 8 --stall-thresholds 3,6 --verbose --json

  # Safe dry-run (does not send pause commands)
  filmond --self-test -p /dev/ttyACM0

  # Host/printer diagnostic
  filmond --doctor -p /dev/ttyACM0
`

func main() {
	os.Exit(run())
}

func run() int {
	d := config.Default()

	var tomlPath string
	var printConfig, doDoctor, doSelfTest, showVersion bool
	var stallThresholdsCSV string

	fs := flag.NewFlagSet("filmond", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usageExamples)
		fs.PrintDefaults()
	}

	port := fs.String("port", d.Port, "Serial device for the printer connection (e.g., /dev/ttyACM0).")
	fs.StringVar(port, "p", d.Port, "Shorthand for --port.")
	baud := fs.Int("baud", config.GetenvIntDefault("FILMON_BAUD", d.Baud), "Serial baud rate for the printer connection.")
	motionGPIO := fs.Int("motion-gpio", d.MotionGPIO, "BCM GPIO pin number for the filament motion pulse input.")
	runoutEnabled := fs.Bool("runout-enabled", d.RunoutEnabled, "Enable runout monitoring (default: disabled).")
	runoutGPIO := fs.Int("runout-gpio", d.RunoutGPIO, "BCM GPIO pin number for the optional runout input.")
	runoutActiveHigh := fs.Bool("runout-active-high", d.RunoutActiveHigh, "Treat the runout signal as active-high.")
	runoutDebounceS := fs.Float64("runout-debounce", d.RunoutDebounce.Seconds(), "Debounce time (seconds) applied to the runout input.")

	rearmGPIO := fs.Int("rearm-button-gpio", 0, "Optional BCM GPIO pin for a physical rearm button.")
	rearmActiveHigh := fs.Bool("rearm-button-active-high", d.RearmButtonActiveHigh, "Treat the rearm button signal as active-high.")
	rearmDebounceS := fs.Float64("rearm-button-debounce", d.RearmButtonDebounce.Seconds(), "Debounce time for rearm button presses (seconds).")
	rearmLongPressS := fs.Float64("rearm-button-long-press", d.RearmButtonLongPress.Seconds(), "Long-press threshold in seconds.")

	armMinPulses := fs.Int("arm-min-pulses", d.ArmMinPulses, "(Legacy/unused) jam detection is marker-driven via filmon:arm.")
	jamTimeoutS := fs.Float64("jam-timeout", d.JamTimeout.Seconds(), "Seconds without motion pulses (after arming) before declaring a jam.")
	jamAdaptive := fs.Bool("jam-timeout-adaptive", d.JamTimeoutAdaptive, "Scale the jam timeout from the smoothed pulse rate instead of using a constant.")
	jamMinS := fs.Float64("jam-timeout-min", d.JamTimeoutMin.Seconds(), "Lower clamp for the adaptive jam timeout (seconds).")
	jamMaxS := fs.Float64("jam-timeout-max", d.JamTimeoutMax.Seconds(), "Upper clamp for the adaptive jam timeout (seconds).")
	jamK := fs.Float64("jam-timeout-k", d.JamTimeoutK, "Adaptive timeout numerator (seconds * pulses).")
	jamPPSFloor := fs.Float64("jam-timeout-pps-floor", d.JamTimeoutPPSFloor, "Minimum pps used in the adaptive timeout denominator.")
	jamHalflifeS := fs.Float64("jam-timeout-ema-halflife", d.JamTimeoutHalflife.Seconds(), "Half-life (seconds) of the pulse-rate EMA.")
	armGracePulses := fs.Uint64("arm-grace-pulses", d.ArmGracePulses, "Pulses to ignore for jam evaluation immediately after arming.")
	armGraceS := fs.Float64("arm-grace-s", d.ArmGraceS.Seconds(), "Seconds to ignore jam evaluation immediately after arming.")
	pauseGcode := fs.String("pause-gcode", d.PauseGcode, "G-code to send when a jam/runout is detected.")

	verbose := fs.Bool("verbose", d.Verbose, "Verbose logging (includes serial chatter).")
	jsonLog := fs.Bool("json", config.GetenvBoolDefault("FILMON_JSON", d.JSON), "Emit JSON log events (default: auto-detected from stdout).")
	noBanner := fs.Bool("no-banner", d.NoBanner, "Disable the startup banner.")
	breadcrumbS := fs.Float64("breadcrumb-interval", d.BreadcrumbInterval.Seconds(), "Emit a heartbeat log every N seconds while enabled. 0 disables.")
	pulseWindowS := fs.Float64("pulse-window", d.PulseWindow.Seconds(), "Window (seconds) used to compute pps for breadcrumbs and the estimator.")
	fs.StringVar(&stallThresholdsCSV, "stall-thresholds", "3,6", "Ascending comma-separated seconds-since-last-pulse thresholds for stall events.")

	controlSocket := fs.String("control-socket", config.GetenvDefault("FILMON_SOCKET", d.ControlSocket), "Path to the local control socket.")

	fs.StringVar(&tomlPath, "config", "", "Path to a TOML config file; CLI flags take precedence over it.")
	fs.BoolVar(&printConfig, "print-config", false, "Print the resolved configuration as JSON and exit.")
	fs.BoolVar(&doDoctor, "doctor", false, "Run host diagnostics (motion/runout/button GPIO checks) and exit.")
	fs.BoolVar(&doSelfTest, "self-test", false, "Dry-run mode: exercise inputs/serial echo but never send pause commands.")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit.")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 64
	}
	if len(os.Args) == 1 {
		fs.Usage()
		return 0
	}

	cfg := d
	if tomlPath != "" {
		loaded, err := config.LoadTOML(tomlPath, d)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", err)
			return 1
		}
		cfg = loaded
	}
	cfg.Baud = config.GetenvIntDefault("FILMON_BAUD", cfg.Baud)
	cfg.JSON = config.GetenvBoolDefault("FILMON_JSON", cfg.JSON)
	cfg.ControlSocket = config.GetenvDefault("FILMON_SOCKET", cfg.ControlSocket)

	var stallErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port", "p":
			cfg.Port = *port
		case "baud":
			cfg.Baud = *baud
		case "motion-gpio":
			cfg.MotionGPIO = *motionGPIO
		case "runout-enabled":
			cfg.RunoutEnabled = *runoutEnabled
		case "runout-gpio":
			cfg.RunoutGPIO = *runoutGPIO
		case "runout-active-high":
			cfg.RunoutActiveHigh = *runoutActiveHigh
		case "runout-debounce":
			cfg.RunoutDebounce = toDuration(*runoutDebounceS)
		case "rearm-button-gpio":
			cfg.RearmButtonGPIO = *rearmGPIO
		case "rearm-button-active-high":
			cfg.RearmButtonActiveHigh = *rearmActiveHigh
		case "rearm-button-debounce":
			cfg.RearmButtonDebounce = toDuration(*rearmDebounceS)
		case "rearm-button-long-press":
			cfg.RearmButtonLongPress = toDuration(*rearmLongPressS)
		case "arm-min-pulses":
			cfg.ArmMinPulses = *armMinPulses
		case "jam-timeout":
			cfg.JamTimeout = toDuration(*jamTimeoutS)
		case "jam-timeout-adaptive":
			cfg.JamTimeoutAdaptive = *jamAdaptive
		case "jam-timeout-min":
			cfg.JamTimeoutMin = toDuration(*jamMinS)
		case "jam-timeout-max":
			cfg.JamTimeoutMax = toDuration(*jamMaxS)
		case "jam-timeout-k":
			cfg.JamTimeoutK = *jamK
		case "jam-timeout-pps-floor":
			cfg.JamTimeoutPPSFloor = *jamPPSFloor
		case "jam-timeout-ema-halflife":
			cfg.JamTimeoutHalflife = toDuration(*jamHalflifeS)
		case "arm-grace-pulses":
			cfg.ArmGracePulses = *armGracePulses
		case "arm-grace-s":
			cfg.ArmGraceS = toDuration(*armGraceS)
		case "pause-gcode":
			cfg.PauseGcode = *pauseGcode
		case "verbose":
			cfg.Verbose = *verbose
		case "json":
			cfg.JSON = *jsonLog
		case "no-banner":
			cfg.NoBanner = *noBanner
		case "breadcrumb-interval":
			cfg.BreadcrumbInterval = toDuration(*breadcrumbS)
		case "pulse-window":
			cfg.PulseWindow = toDuration(*pulseWindowS)
		case "stall-thresholds":
			thresholds, err := config.ParseStallThresholds(stallThresholdsCSV)
			if err != nil {
				stallErr = err
				return
			}
			cfg.StallThresholds = thresholds
		case "control-socket":
			cfg.ControlSocket = *controlSocket
		}
	})
	if stallErr != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", stallErr)
		return 1
	}
	cfg.EnvOverrides()

	ignoredRunout := config.ApplyRunoutGuardrails(&cfg)
	if len(ignoredRunout) > 0 {
		fmt.Fprintln(os.Stderr, "WARNING: runout monitoring is disabled; ignoring:", ignoredRunout)
	}

	if printConfig {
		enc, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(enc))
		return 0
	}
	if showVersion {
		fmt.Println(version)
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if doDoctor {
		if err := doctor.Run(ctx, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", err)
			return 2
		}
		return 0
	}
	if doSelfTest {
		token := "filmon:selftest " + strconv.FormatInt(time.Now().Unix(), 10)
		if err := doctor.RunSelfTest(ctx, cfg, token); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", err)
			return 2
		}
		return 0
	}

	if cfg.Port == "" {
		fmt.Fprintln(os.Stderr, "ERROR: normal mode requires -p/--port")
		return 2
	}

	return runDaemon(ctx, cfg)
}

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func runDaemon(ctx context.Context, cfg config.Config) int {
	var emitOpts []events.Option
	if cfg.JSON {
		emitOpts = append(emitOpts, events.WithJSON(true))
	}
	emit := events.New(emitOpts...)

	port, err := serialio.Open(cfg.Port, cfg.Baud)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: opening serial port:", err)
		return 2
	}
	stream := serialio.New(port)
	defer stream.Close()

	clock := monoclock.Real{}

	var notifier monitor.Notifier = notify.Noop{}
	if cfg.PushoverToken != "" && cfg.PushoverUser != "" {
		notifier = notify.New(cfg.PushoverToken, cfg.PushoverUser, 5*time.Second)
	}

	est := estimator.New(estimator.Config{
		WindowS:       cfg.PulseWindow.Seconds(),
		HalflifeS:     cfg.JamTimeoutHalflife.Seconds(),
		Adaptive:      cfg.JamTimeoutAdaptive,
		FixedTimeoutS: cfg.JamTimeout.Seconds(),
		MinS:          cfg.JamTimeoutMin.Seconds(),
		MaxS:          cfg.JamTimeoutMax.Seconds(),
		K:             cfg.JamTimeoutK,
		PPSFloor:      cfg.JamTimeoutPPSFloor,
	})

	mon := monitor.New(monitor.Config{
		PauseGcode:         cfg.PauseGcode,
		ArmGracePulses:     cfg.ArmGracePulses,
		ArmGraceS:          cfg.ArmGraceS,
		StallThresholds:    cfg.StallThresholds,
		BreadcrumbInterval: cfg.BreadcrumbInterval,
		Version:            version,
	}, clock, emit, stream, est, notifier)

	if !cfg.NoBanner {
		fmt.Printf("filmond %s\n", version)
		fmt.Println("For Generic Marlin-compatible printer")
		emit.Emit("startup",
			events.F("version", version),
			events.F("port", cfg.Port),
			events.F("baud", cfg.Baud),
			events.F("motion_gpio", cfg.MotionGPIO),
			events.F("runout_gpio", cfg.RunoutGPIO),
			events.F("jam_timeout_s", cfg.JamTimeout.Seconds()),
			events.F("jam_timeout_adaptive", cfg.JamTimeoutAdaptive),
			events.F("pause_gcode", cfg.PauseGcode),
			events.F("control_socket", cfg.ControlSocket))
	}

	stopped := &edge.Stopped{}

	motionSrc, err := edge.NewMotionSource(cfg.MotionGPIO, clock)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: motion pin:", err)
		return 2
	}
	go motionSrc.Run(stopped, mon.OnPulse)

	var runoutSrc *edge.RunoutSource
	if cfg.RunoutEnabled {
		runoutSrc, err = edge.NewRunoutSource(cfg.RunoutGPIO, cfg.RunoutActiveHigh, cfg.RunoutDebounce, clock)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERROR: runout pin:", err)
			return 2
		}
		go runoutSrc.Run(stopped, mon.OnRunoutAsserted, mon.OnRunoutCleared)
	}

	var buttonSrc *edge.ButtonSource
	if cfg.RearmButtonGPIO != 0 {
		buttonSrc, err = edge.NewButtonSource(cfg.RearmButtonGPIO, cfg.RearmButtonActiveHigh, cfg.RearmButtonDebounce, cfg.RearmButtonLongPress, clock)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERROR: rearm button pin:", err)
			return 2
		}
		go buttonSrc.Run(stopped, func(_ time.Time, g edge.Gesture) { mon.OnButtonGesture(g) })
	}

	var socketSrv *controlsocket.Server
	if cfg.ControlSocket != "" {
		socketSrv = controlsocket.New(cfg.ControlSocket, version, mon, emit)
		go func() {
			if err := socketSrv.Serve(); err != nil {
				emit.Emit("control_socket_error", events.F("error", err.Error()))
			}
		}()
	}

	serialErr := make(chan error, 1)
	lines := make(chan string, 64)
	go func() {
		for {
			line, err := stream.ReadLine()
			if line != "" {
				lines <- line
			}
			if err != nil {
				serialErr <- err
				close(lines)
				return
			}
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	exitCode := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err, ok := <-serialErr:
			if ok {
				emit.Emit("serial_read_error", events.F("error", err.Error()))
				emit.Emit("serial_thread_dead")
				exitCode = 3
			}
			break loop
		case line, ok := <-lines:
			if !ok {
				continue
			}
			if cfg.Verbose {
				emit.Emit("serial_line", events.F("line", line))
			}
			mon.HandleMarkerLine(line)
		case now := <-ticker.C:
			mon.Evaluate(now)
		}
	}

	stopped.Set()
	motionSrc.Halt()
	if runoutSrc != nil {
		runoutSrc.Halt()
	}
	if buttonSrc != nil {
		buttonSrc.Halt()
	}
	if socketSrv != nil {
		socketSrv.Stop()
	}
	return exitCode
}
