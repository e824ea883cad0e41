package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesOriginalDefaults(t *testing.T) {
	d := Default()
	assert.Equal(t, 115200, d.Baud)
	assert.Equal(t, 26, d.MotionGPIO)
	assert.False(t, d.RunoutEnabled)
	assert.Equal(t, "M600", d.PauseGcode)
	assert.Equal(t, 8*time.Second, d.JamTimeout)
}

func TestLoadTOMLBackfillsOnlyPresentFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filmon.toml")
	doc := `
[serial]
port = "/dev/ttyACM0"
baud = 250000

[detection]
jam_timeout_adaptive = true
jam_timeout_min = 4
jam_timeout_max = 20

[control]
socket = "/tmp/filmon-test.sock"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadTOML(path, Default())
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Port)
	assert.Equal(t, 250000, cfg.Baud)
	assert.True(t, cfg.JamTimeoutAdaptive)
	assert.Equal(t, 4*time.Second, cfg.JamTimeoutMin)
	assert.Equal(t, 20*time.Second, cfg.JamTimeoutMax)
	assert.Equal(t, "/tmp/filmon-test.sock", cfg.ControlSocket)
	// Untouched fields keep their built-in default.
	assert.Equal(t, 26, cfg.MotionGPIO)
	assert.Equal(t, "M600", cfg.PauseGcode)
}

func TestParseStallThresholds(t *testing.T) {
	got, err := ParseStallThresholds("3,6,9.5")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3*time.Second, got[0])
	assert.Equal(t, 6*time.Second, got[1])
	assert.Equal(t, 9500*time.Millisecond, got[2])
}

func TestParseStallThresholdsRejectsGarbage(t *testing.T) {
	_, err := ParseStallThresholds("3,nope")
	assert.Error(t, err)
}

func TestApplyRunoutGuardrailsZeroesFieldsWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.RunoutGPIO = 27
	cfg.RunoutDebounce = 200 * time.Millisecond
	cfg.RunoutActiveHigh = true
	cfg.RunoutEnabled = false

	ignored := ApplyRunoutGuardrails(&cfg)

	assert.ElementsMatch(t, []string{"runout_gpio", "runout_debounce", "runout_active_high"}, ignored)
	assert.Equal(t, 0, cfg.RunoutGPIO)
	assert.Equal(t, time.Duration(0), cfg.RunoutDebounce)
	assert.False(t, cfg.RunoutActiveHigh)
}

func TestApplyRunoutGuardrailsNoopWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.RunoutEnabled = true
	cfg.RunoutGPIO = 27

	ignored := ApplyRunoutGuardrails(&cfg)
	assert.Empty(t, ignored)
	assert.Equal(t, 27, cfg.RunoutGPIO)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FILMON_PUSHOVER_TOKEN", "tok123")
	t.Setenv("FILMON_PUSHOVER_USER", "user123")

	cfg := Default()
	cfg.EnvOverrides()
	assert.Equal(t, "tok123", cfg.PushoverToken)
	assert.Equal(t, "user123", cfg.PushoverUser)
}
