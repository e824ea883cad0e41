// Package estimator implements the pulse-rate estimator and adaptive
// jam-timeout engine (spec §4.4, components C6 and C7): a bounded
// window of recent pulse instants for instantaneous pps, an
// exponentially-smoothed pps_ema, and the clamp that turns pps_ema into
// an effective jam timeout.
package estimator

import (
	"math"
	"time"
)

// Config holds the tunables from spec §4.4 / the [detection] TOML
// section.
type Config struct {
	// WindowS is the pulse-rate window, in seconds (pulse_window_s).
	WindowS float64
	// HalflifeS is the EMA half-life in seconds (jam_timeout_ema_halflife_s).
	// H <= 0 means alpha is always 1 (no smoothing — pps_ema tracks
	// pps_instant exactly).
	HalflifeS float64

	// Adaptive selects between the fixed and adaptive timeout paths.
	Adaptive bool
	// FixedTimeoutS is T_eff when Adaptive is false (jam_timeout_s).
	FixedTimeoutS float64

	MinS      float64 // jam_timeout_min_s
	MaxS      float64 // jam_timeout_max_s
	K         float64 // jam_timeout_k, units s*pulses
	PPSFloor  float64 // jam_timeout_pps_floor
}

// Estimator tracks the sliding pulse window and the EMA state. It is
// not safe for concurrent use; internal/monitor serializes all access
// to it under the same lock that guards monitorstate.State, per spec
// invariant I5.
type Estimator struct {
	cfg Config

	window []time.Time // ascending monotonic instants, within cfg.WindowS of "now"

	ppsEMA    float64
	lastEMATS time.Time
	haveEMA   bool
}

// New constructs an Estimator for cfg.
func New(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// Reset clears the window and EMA state, as happens on reset and rearm.
func (e *Estimator) Reset(now time.Time) {
	e.window = e.window[:0]
	e.ppsEMA = 0
	e.lastEMATS = now
	e.haveEMA = false
}

// Pulse records a pulse at instant now, pruning the window and
// updating pps_ema in the same step (spec §4.4: "updates on pulse
// arrival and on demand").
func (e *Estimator) Pulse(now time.Time) {
	e.window = append(e.window, now)
	e.prune(now)
	e.updateEMA(now)
}

func (e *Estimator) prune(now time.Time) {
	if e.cfg.WindowS <= 0 {
		e.window = e.window[:0]
		return
	}
	cutoff := now.Add(-time.Duration(e.cfg.WindowS * float64(time.Second)))
	i := 0
	for i < len(e.window) && e.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.window = append(e.window[:0], e.window[i:]...)
	}
}

// PPSInstant returns |W|/T, the instantaneous pulses-per-second over
// the recent window, pruning stale entries first.
func (e *Estimator) PPSInstant(now time.Time) float64 {
	e.prune(now)
	if e.cfg.WindowS <= 0 {
		return 0
	}
	return float64(len(e.window)) / e.cfg.WindowS
}

// PPSEMA returns the current exponentially-smoothed rate, refreshing it
// against now first (spec: "updates ... on demand").
func (e *Estimator) PPSEMA(now time.Time) float64 {
	e.updateEMA(now)
	return e.ppsEMA
}

func (e *Estimator) updateEMA(now time.Time) {
	instant := e.PPSInstant(now)
	if !e.haveEMA {
		e.ppsEMA = instant
		e.lastEMATS = now
		e.haveEMA = true
		return
	}
	dt := now.Sub(e.lastEMATS).Seconds()
	if dt < 0 {
		dt = 0
	}
	alpha := 1.0
	if e.cfg.HalflifeS > 0 {
		tau := e.cfg.HalflifeS / math.Ln2
		alpha = 1 - math.Exp(-dt/tau)
	}
	e.ppsEMA = (1-alpha)*e.ppsEMA + alpha*instant
	e.lastEMATS = now
}

// EffectiveTimeout computes T_eff per spec §4.4: the constant
// FixedTimeoutS when adaptive mode is off, else
// clamp(MinS, MaxS, K / max(pps_ema, PPSFloor)).
func (e *Estimator) EffectiveTimeout(now time.Time) time.Duration {
	if !e.cfg.Adaptive {
		return secondsToDuration(e.cfg.FixedTimeoutS)
	}
	ppsEMA := e.PPSEMA(now)
	denom := math.Max(ppsEMA, e.cfg.PPSFloor)
	if denom <= 0 {
		return secondsToDuration(e.cfg.MaxS)
	}
	t := e.cfg.K / denom
	if t < e.cfg.MinS {
		t = e.cfg.MinS
	}
	if t > e.cfg.MaxS {
		t = e.cfg.MaxS
	}
	return secondsToDuration(t)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
