// Package config resolves daemon configuration from built-in defaults,
// an optional TOML file, and CLI flags/environment variables, in that
// precedence order (CLI/env winning), mirroring the original's
// config_defaults_from/resolved_config_dict/apply_runout_guardrails
// trio.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully-resolved daemon configuration.
type Config struct {
	Port string
	Baud int

	MotionGPIO int

	RunoutEnabled    bool
	RunoutGPIO       int
	RunoutActiveHigh bool
	RunoutDebounce   time.Duration

	RearmButtonGPIO       int // 0 means "no button configured"
	RearmButtonActiveHigh bool
	RearmButtonDebounce   time.Duration
	RearmButtonLongPress  time.Duration

	ArmMinPulses int // legacy/ignored, kept for CLI/TOML compatibility

	JamTimeout         time.Duration
	JamTimeoutAdaptive bool
	JamTimeoutMin      time.Duration
	JamTimeoutMax      time.Duration
	JamTimeoutK        float64
	JamTimeoutPPSFloor float64
	JamTimeoutHalflife time.Duration
	ArmGracePulses     uint64
	ArmGraceS          time.Duration
	PauseGcode         string

	Verbose            bool
	NoBanner           bool
	JSON               bool
	BreadcrumbInterval time.Duration
	PulseWindow        time.Duration
	StallThresholds    []time.Duration

	ControlSocket string

	PushoverToken string
	PushoverUser  string
}

// Default returns the built-in defaults, the Go equivalent of the
// Python original's config_defaults_from({}).
func Default() Config {
	return Config{
		Baud:                  115200,
		MotionGPIO:            26,
		RunoutEnabled:         false,
		RunoutGPIO:            27,
		RunoutActiveHigh:      false,
		RunoutDebounce:        0,
		RearmButtonActiveHigh: true,
		RearmButtonDebounce:   250 * time.Millisecond,
		RearmButtonLongPress:  1500 * time.Millisecond,
		ArmMinPulses:          12,
		JamTimeout:            8 * time.Second,
		JamTimeoutAdaptive:    false,
		JamTimeoutMin:         6 * time.Second,
		JamTimeoutMax:         18 * time.Second,
		JamTimeoutK:           16,
		JamTimeoutPPSFloor:    0.3,
		JamTimeoutHalflife:    3 * time.Second,
		PauseGcode:            "M600",
		BreadcrumbInterval:    2 * time.Second,
		PulseWindow:           2 * time.Second,
		StallThresholds:       []time.Duration{3 * time.Second, 6 * time.Second},
		ControlSocket:         "/run/filmon/filmon.sock",
	}
}

// tomlDoc mirrors the [section] layout of spec §6.
type tomlDoc struct {
	Serial struct {
		Port string `toml:"port"`
		Baud int    `toml:"baud"`
	} `toml:"serial"`
	GPIO struct {
		MotionGPIO            int     `toml:"motion_gpio"`
		RunoutGPIO            int     `toml:"runout_gpio"`
		RunoutEnabled         bool    `toml:"runout_enabled"`
		RunoutActiveHigh      bool    `toml:"runout_active_high"`
		RunoutDebounce        float64 `toml:"runout_debounce"`
		RearmButtonGPIO       int     `toml:"rearm_button_gpio"`
		RearmButtonActiveHigh bool    `toml:"rearm_button_active_high"`
		RearmButtonDebounce   float64 `toml:"rearm_button_debounce"`
	} `toml:"gpio"`
	Detection struct {
		ArmMinPulses       int     `toml:"arm_min_pulses"`
		JamTimeout         float64 `toml:"jam_timeout"`
		PauseGcode         string  `toml:"pause_gcode"`
		JamTimeoutAdaptive bool    `toml:"jam_timeout_adaptive"`
		JamTimeoutMin      float64 `toml:"jam_timeout_min"`
		JamTimeoutMax      float64 `toml:"jam_timeout_max"`
		JamTimeoutK        float64 `toml:"jam_timeout_k"`
		JamTimeoutPPSFloor float64 `toml:"jam_timeout_pps_floor"`
		JamTimeoutHalflife float64 `toml:"jam_timeout_ema_halflife"`
		ArmGracePulses     uint64  `toml:"arm_grace_pulses"`
		ArmGraceS          float64 `toml:"arm_grace_s"`
	} `toml:"detection"`
	Logging struct {
		Verbose            bool    `toml:"verbose"`
		NoBanner           bool    `toml:"no_banner"`
		JSON               bool    `toml:"json"`
		BreadcrumbInterval float64 `toml:"breadcrumb_interval"`
		PulseWindow        float64 `toml:"pulse_window"`
		StallThresholds    string  `toml:"stall_thresholds"`
	} `toml:"logging"`
	Control struct {
		Socket string `toml:"socket"`
	} `toml:"control"`
}

// LoadTOML reads and decodes a TOML config file using
// BurntSushi/toml and returns base with the file's values layered on
// top. String and numeric keys replace the base value only when the
// file sets them to a non-zero value; rearm_button_active_high replaces
// it only when the key is present; the other boolean keys and
// arm_grace_pulses are copied as decoded, so a key the file omits sets
// them to false or 0. The caller applies explicitly passed CLI flags
// afterwards, so those still win over the file.
func LoadTOML(path string, base Config) (Config, error) {
	var doc tomlDoc
	md, err := toml.DecodeFile(path, &doc)
	if err != nil {
		return base, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg := base

	if doc.Serial.Port != "" {
		cfg.Port = doc.Serial.Port
	}
	if doc.Serial.Baud != 0 {
		cfg.Baud = doc.Serial.Baud
	}
	if doc.GPIO.MotionGPIO != 0 {
		cfg.MotionGPIO = doc.GPIO.MotionGPIO
	}
	cfg.RunoutEnabled = doc.GPIO.RunoutEnabled
	if doc.GPIO.RunoutGPIO != 0 {
		cfg.RunoutGPIO = doc.GPIO.RunoutGPIO
	}
	cfg.RunoutActiveHigh = doc.GPIO.RunoutActiveHigh
	if doc.GPIO.RunoutDebounce != 0 {
		cfg.RunoutDebounce = secondsToDuration(doc.GPIO.RunoutDebounce)
	}
	if doc.GPIO.RearmButtonGPIO != 0 {
		cfg.RearmButtonGPIO = doc.GPIO.RearmButtonGPIO
	}
	if md.IsDefined("gpio", "rearm_button_active_high") {
		cfg.RearmButtonActiveHigh = doc.GPIO.RearmButtonActiveHigh
	}
	if doc.GPIO.RearmButtonDebounce != 0 {
		cfg.RearmButtonDebounce = secondsToDuration(doc.GPIO.RearmButtonDebounce)
	}

	if doc.Detection.ArmMinPulses != 0 {
		cfg.ArmMinPulses = doc.Detection.ArmMinPulses
	}
	if doc.Detection.JamTimeout != 0 {
		cfg.JamTimeout = secondsToDuration(doc.Detection.JamTimeout)
	}
	if doc.Detection.PauseGcode != "" {
		cfg.PauseGcode = doc.Detection.PauseGcode
	}
	cfg.JamTimeoutAdaptive = doc.Detection.JamTimeoutAdaptive
	if doc.Detection.JamTimeoutMin != 0 {
		cfg.JamTimeoutMin = secondsToDuration(doc.Detection.JamTimeoutMin)
	}
	if doc.Detection.JamTimeoutMax != 0 {
		cfg.JamTimeoutMax = secondsToDuration(doc.Detection.JamTimeoutMax)
	}
	if doc.Detection.JamTimeoutK != 0 {
		cfg.JamTimeoutK = doc.Detection.JamTimeoutK
	}
	if doc.Detection.JamTimeoutPPSFloor != 0 {
		cfg.JamTimeoutPPSFloor = doc.Detection.JamTimeoutPPSFloor
	}
	if doc.Detection.JamTimeoutHalflife != 0 {
		cfg.JamTimeoutHalflife = secondsToDuration(doc.Detection.JamTimeoutHalflife)
	}
	cfg.ArmGracePulses = doc.Detection.ArmGracePulses
	if doc.Detection.ArmGraceS != 0 {
		cfg.ArmGraceS = secondsToDuration(doc.Detection.ArmGraceS)
	}

	cfg.Verbose = doc.Logging.Verbose
	cfg.NoBanner = doc.Logging.NoBanner
	cfg.JSON = doc.Logging.JSON
	if doc.Logging.BreadcrumbInterval != 0 {
		cfg.BreadcrumbInterval = secondsToDuration(doc.Logging.BreadcrumbInterval)
	}
	if doc.Logging.PulseWindow != 0 {
		cfg.PulseWindow = secondsToDuration(doc.Logging.PulseWindow)
	}
	if doc.Logging.StallThresholds != "" {
		thresholds, err := ParseStallThresholds(doc.Logging.StallThresholds)
		if err != nil {
			return base, err
		}
		cfg.StallThresholds = thresholds
	}
	if doc.Control.Socket != "" {
		cfg.ControlSocket = doc.Control.Socket
	}

	return cfg, nil
}

// ParseStallThresholds parses a comma-separated ascending list of
// seconds (e.g. "3,6") into durations, the format --stall-thresholds
// and [logging] stall_thresholds both use.
func ParseStallThresholds(csv string) ([]time.Duration, error) {
	parts := strings.Split(csv, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("config: bad stall threshold %q: %w", p, err)
		}
		out = append(out, secondsToDuration(v))
	}
	return out, nil
}

// ApplyRunoutGuardrails no-ops runout-related fields unless
// RunoutEnabled is set, returning the field names it zeroed so the
// caller can warn, matching apply_runout_guardrails in the original.
func ApplyRunoutGuardrails(cfg *Config) []string {
	var ignored []string
	if cfg.RunoutEnabled {
		return ignored
	}
	if cfg.RunoutGPIO != 0 {
		ignored = append(ignored, "runout_gpio")
	}
	if cfg.RunoutDebounce != 0 {
		ignored = append(ignored, "runout_debounce")
	}
	if cfg.RunoutActiveHigh {
		ignored = append(ignored, "runout_active_high")
	}
	cfg.RunoutGPIO = 0
	cfg.RunoutDebounce = 0
	cfg.RunoutActiveHigh = false
	return ignored
}

// EnvOverrides layers FILMON_PUSHOVER_TOKEN/FILMON_PUSHOVER_USER from the
// environment, the notify backend's only config source (it has no
// TOML section; spec treats it as an external collaborator).
func (c *Config) EnvOverrides() {
	if v := os.Getenv("FILMON_PUSHOVER_TOKEN"); v != "" {
		c.PushoverToken = v
	}
	if v := os.Getenv("FILMON_PUSHOVER_USER"); v != "" {
		c.PushoverUser = v
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
