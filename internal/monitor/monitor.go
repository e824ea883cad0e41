// Package monitor implements the fault-detection state machine and the
// unified control-command handler (spec §4.3, §4.5 — components C5 and
// C8): the core that owns MonitorState, decides when a jam or runout
// latches a pause, and drives the exclusive-write pause sequence plus
// the non-blocking notifier dispatch.
//
// Following the teacher's WSConn shape (one struct owning a mutex plus
// the I/O handles it guards), Monitor owns a single lock over state and
// the pulse estimator together, per spec invariant I5 ("no torn reads
// of the multi-field transition set"); all I/O — serial writes, the
// notifier, event emission — happens after the lock is released.
package monitor

import (
	"strings"
	"sync"
	"time"

	"github.com/hyiger/filament-monitor/internal/edge"
	"github.com/hyiger/filament-monitor/internal/estimator"
	"github.com/hyiger/filament-monitor/internal/events"
	"github.com/hyiger/filament-monitor/internal/monitorstate"
	"github.com/hyiger/filament-monitor/internal/monoclock"
	"github.com/hyiger/filament-monitor/internal/serialio"
)

// Notifier is the non-blocking external-push interface (component
// C10). Implementations must return immediately; Monitor never waits
// on it.
type Notifier interface {
	Notify(title, message string, priority int)
}

// Config holds the tunables from the [detection]/[logging] TOML
// sections that monitor.Monitor itself consumes (the estimator's own
// tunables live in estimator.Config).
type Config struct {
	PauseGcode string // jam_timeout_s pairs with this; default "M600"

	ArmGracePulses uint64
	ArmGraceS      time.Duration

	// StallThresholds is ascending; a "stall" event fires once as
	// dt_since_pulse crosses each one, and the progression restarts at
	// the first threshold on every pulse and every arm.
	StallThresholds []time.Duration

	// BreadcrumbInterval is the hb cadence; 0 disables heartbeats.
	BreadcrumbInterval time.Duration

	Version string
}

// Monitor owns MonitorState and the pulse estimator under one lock and
// implements both the control-command handler and the periodic
// fault-detection evaluation.
type Monitor struct {
	cfg   Config
	clock monoclock.Clock
	emit  *events.Emitter
	line  *serialio.Stream
	notif Notifier

	mu    sync.Mutex
	state monitorstate.State
	est   *estimator.Estimator

	stallIdx int
	lastHB   time.Time
	haveHB   bool
}

// New builds a Monitor. est is owned exclusively by Monitor from this
// point on.
func New(cfg Config, clock monoclock.Clock, emit *events.Emitter, line *serialio.Stream, est *estimator.Estimator, notif Notifier) *Monitor {
	now := clock.Now()
	return &Monitor{
		cfg:   cfg,
		clock: clock,
		emit:  emit,
		line:  line,
		notif: notif,
		est:   est,
		state: monitorstate.State{LastPulseTS: now},
	}
}

// Snapshot returns a copy of the current state, safe for concurrent
// readers (the control socket's "status" command uses this).
func (m *Monitor) Snapshot() monitorstate.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Snapshot()
}

// --- control-command handling (C5) -----------------------------------

// HandleCommand dispatches one command from the shared vocabulary
// (reset, disable, enable, arm, unarm, rearm), regardless of which
// ingress path it arrived on (socket, marker, or button gesture).
// Unknown tokens return ErrUnknownCommand; the caller decides how to
// surface that (the socket replies {ok:false}, markers are silently
// ignored per their substring-match contract).
func (m *Monitor) HandleCommand(cmd string) error {
	now := m.clock.Now()
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case "reset":
		m.doReset(now)
	case "disable":
		m.doDisable(now)
	case "enable":
		m.doEnable(now)
	case "arm":
		m.doArm(now)
	case "unarm":
		m.doUnarm(now)
	case "rearm":
		m.doRearm(now)
	default:
		return ErrUnknownCommand
	}
	return nil
}

// HandleMarkerLine scans a line read from the printer's serial stream
// for a control marker substring (case-insensitive), resolving
// multiple matches with reset > disable > unarm > arm > enable
// precedence (spec §4.3), and applies at most one command.
func (m *Monitor) HandleMarkerLine(line string) {
	lower := strings.ToLower(line)
	for _, c := range []string{"reset", "disable", "unarm", "arm", "enable"} {
		if strings.Contains(lower, "filmon:"+c) {
			_ = m.HandleCommand(c)
			return
		}
	}
}

// OnButtonGesture applies the release-gated rearm-button gesture: a
// long press performs rearm, a short press performs reset (spec §4.1,
// §9 design note (d) — the release-only form, never the obsolete
// single-callback spelling).
func (m *Monitor) OnButtonGesture(gesture edge.Gesture) {
	if gesture == edge.LongPress {
		_ = m.HandleCommand("rearm")
		return
	}
	_ = m.HandleCommand("reset")
}

func (m *Monitor) doReset(now time.Time) {
	m.mu.Lock()
	m.state.Enabled = false
	m.state.Armed = false
	m.state.Latched = false
	m.state.LastTrigger = monitorstate.TriggerNone
	m.state.RunoutAsserted = false
	m.state.MotionPulsesSinceReset = 0
	m.state.MotionPulsesSinceArm = 0
	m.state.LastPulseTS = now
	m.est.Reset(now)
	m.stallIdx = 0
	m.mu.Unlock()
	m.emit.Emit("reset")
}

func (m *Monitor) doDisable(now time.Time) {
	m.mu.Lock()
	m.state.Enabled = false
	m.state.Armed = false
	m.mu.Unlock()
	m.emit.Emit("disabled")
}

func (m *Monitor) doEnable(now time.Time) {
	m.mu.Lock()
	if m.state.Latched {
		m.mu.Unlock()
		return
	}
	m.state.Enabled = true
	m.state.Armed = false
	m.state.LastPulseTS = now
	m.mu.Unlock()
	m.emit.Emit("enabled")
}

func (m *Monitor) doArm(now time.Time) {
	m.mu.Lock()
	if m.state.Latched {
		m.mu.Unlock()
		return
	}
	m.state.Enabled = true
	m.state.Armed = true
	m.state.ArmTS = now
	m.state.LastPulseTS = now
	m.state.MotionPulsesSinceArm = 0
	m.stallIdx = 0
	m.mu.Unlock()
	m.emit.Emit("armed")
}

func (m *Monitor) doUnarm(now time.Time) {
	m.mu.Lock()
	if m.state.Latched {
		m.mu.Unlock()
		return
	}
	m.state.Enabled = true
	m.state.Armed = false
	m.mu.Unlock()
	m.emit.Emit("unarmed")
}

func (m *Monitor) doRearm(now time.Time) {
	m.mu.Lock()
	m.state.Latched = false
	m.state.LastTrigger = monitorstate.TriggerNone
	m.state.RunoutAsserted = false
	m.state.Enabled = true
	m.state.Armed = true
	m.state.ArmTS = now
	m.state.LastPulseTS = now
	m.state.MotionPulsesSinceArm = 0
	m.est.Reset(now)
	m.stallIdx = 0
	m.mu.Unlock()
	m.emit.Emit("rearmed")
}

// --- edge hooks (C3 consumers) ----------------------------------------

// OnPulse records a filament-motion pulse (spec §4.1).
func (m *Monitor) OnPulse(now time.Time) {
	m.mu.Lock()
	m.state.MotionPulsesTotal++
	m.state.MotionPulsesSinceReset++
	firstSinceArm := m.state.Armed && m.state.MotionPulsesSinceArm == 0
	var dtSinceArm time.Duration
	if firstSinceArm {
		dtSinceArm = now.Sub(m.state.ArmTS)
	}
	m.state.MotionPulsesSinceArm++
	m.state.LastPulseTS = now
	m.stallIdx = 0
	m.est.Pulse(now)
	m.mu.Unlock()

	if firstSinceArm {
		m.emit.Emit("first_pulse_after_arm", events.F("dt_s", dtSinceArm.Seconds()))
	}
}

// OnRunoutAsserted handles a debounced runout-switch assertion. It
// latches with reason "runout" when armed; outside Armed it only
// records the reading.
func (m *Monitor) OnRunoutAsserted(now time.Time) {
	m.mu.Lock()
	m.state.RunoutAsserted = true
	armed := m.state.Armed
	latched := m.state.Latched
	m.mu.Unlock()

	if armed {
		m.emit.Emit("runout_asserted")
		if !latched {
			m.latch(now, monitorstate.TriggerRunout)
		}
	}
}

// OnRunoutCleared logs recovery; per spec §4.5 it never unlatches.
func (m *Monitor) OnRunoutCleared(now time.Time) {
	m.mu.Lock()
	m.state.RunoutAsserted = false
	armed := m.state.Armed
	m.mu.Unlock()
	if armed {
		m.emit.Emit("runout_cleared")
	}
}

// --- periodic evaluation (C8) ------------------------------------------

// Evaluate runs one tick of the main loop's periodic check: jam
// detection and stall/heartbeat breadcrumbs (spec §4.5). The caller is
// expected to invoke this at ≥5 Hz.
func (m *Monitor) Evaluate(now time.Time) {
	m.mu.Lock()
	enabled := m.state.Enabled
	armed := m.state.Armed
	latched := m.state.Latched
	if latched || !(enabled && armed) {
		m.mu.Unlock()
		if enabled {
			m.maybeHeartbeat(now)
		}
		return
	}

	// Post-arm grace: skip jam evaluation until warm-up clears.
	if m.cfg.ArmGracePulses > 0 && m.state.MotionPulsesSinceArm < m.cfg.ArmGracePulses {
		m.mu.Unlock()
		m.maybeHeartbeat(now)
		return
	}
	if m.cfg.ArmGraceS > 0 && now.Sub(m.state.ArmTS) < m.cfg.ArmGraceS {
		m.mu.Unlock()
		m.maybeHeartbeat(now)
		return
	}

	dtSincePulse := now.Sub(m.state.LastPulseTS)
	tEff := m.est.EffectiveTimeout(now)
	crossed := m.collectStalls(dtSincePulse)
	jammed := dtSincePulse >= tEff
	m.mu.Unlock()

	for _, threshold := range crossed {
		m.emit.Emit("stall",
			events.F("threshold_s", threshold.Seconds()),
			events.F("dt_since_pulse_s", dtSincePulse.Seconds()))
	}
	if jammed {
		m.latch(now, monitorstate.TriggerJam)
	}
	m.maybeHeartbeat(now)
}

// collectStalls must be called with mu held; it advances stallIdx past
// every threshold dtSincePulse has now crossed and returns them, so the
// caller can emit outside the lock.
func (m *Monitor) collectStalls(dtSincePulse time.Duration) []time.Duration {
	var crossed []time.Duration
	for m.stallIdx < len(m.cfg.StallThresholds) && dtSincePulse >= m.cfg.StallThresholds[m.stallIdx] {
		crossed = append(crossed, m.cfg.StallThresholds[m.stallIdx])
		m.stallIdx++
	}
	return crossed
}

func (m *Monitor) maybeHeartbeat(now time.Time) {
	if m.cfg.BreadcrumbInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.haveHB && now.Sub(m.lastHB) < m.cfg.BreadcrumbInterval {
		m.mu.Unlock()
		return
	}
	m.lastHB = now
	m.haveHB = true
	snap := m.state.Snapshot()
	pps := m.est.PPSInstant(now)
	ppsEMA := m.est.PPSEMA(now)
	m.mu.Unlock()

	m.emit.Emit("hb",
		events.F("enabled", snap.Enabled),
		events.F("armed", snap.Armed),
		events.F("latched", snap.Latched),
		events.F("pulses_total", snap.MotionPulsesTotal),
		events.F("pulses_since_reset", snap.MotionPulsesSinceReset),
		events.F("pulses_since_arm", snap.MotionPulsesSinceArm),
		events.F("dt_since_pulse_s", now.Sub(snap.LastPulseTS).Seconds()),
		events.F("pps", pps),
		events.F("pps_ema", ppsEMA))
}

// latch performs the atomic latching action (spec §4.5): it sets
// latched under the lock, then performs the pause write and
// notification outside it. The under-lock compare-and-set guarantees
// exactly one latch action per transition even if jam and runout race
// (invariant I3, property P1/P8).
func (m *Monitor) latch(now time.Time, reason monitorstate.Trigger) {
	m.mu.Lock()
	if m.state.Latched {
		m.mu.Unlock()
		return
	}
	m.state.Latched = true
	m.state.LastTrigger = reason
	m.state.LastTriggerTS = now
	dtSincePulse := now.Sub(m.state.LastPulseTS)
	pps := m.est.PPSInstant(now)
	sinceArm := m.state.MotionPulsesSinceArm
	sinceReset := m.state.MotionPulsesSinceReset
	m.mu.Unlock()

	m.emit.Emit("pause_triggered",
		events.F("reason", string(reason)),
		events.F("dt_since_pulse_s", dtSincePulse.Seconds()),
		events.F("pps", pps),
		events.F("pulses_since_arm", sinceArm),
		events.F("pulses_since_reset", sinceReset))

	m.sendPause(now)
	m.notif.Notify("Filament fault", string(reason)+" detected, pause sent", 1)
}

// sendPause writes the two-line pause sequence — a planner drain
// marker, then the configured pause command — over the exclusive
// serial write path (spec §4.2, §6).
func (m *Monitor) sendPause(now time.Time) {
	pause := m.cfg.PauseGcode
	if pause == "" {
		pause = "M600"
	}
	if err := m.line.WriteLine("M400"); err != nil {
		m.emit.Emit("serial_read_error", events.F("op", "write"), events.F("error", err.Error()))
		return
	}
	if err := m.line.WriteLine(pause); err != nil {
		m.emit.Emit("serial_read_error", events.F("op", "write"), events.F("error", err.Error()))
		return
	}
	m.mu.Lock()
	m.state.PauseSentTS = now
	m.mu.Unlock()
	m.emit.Emit("gcode_sent", events.F("line", "M400"))
	m.emit.Emit("gcode_sent", events.F("line", pause))
}
