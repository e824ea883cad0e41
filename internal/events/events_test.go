package events

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitJSONIncludesEventAndFields(t *testing.T) {
	var buf bytes.Buffer
	e := New(WithWriter(&buf), WithJSON(true))

	e.Emit("pause_triggered", F("reason", "jam"), F("pulses", 42), F("dt", 3*time.Second))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "pause_triggered", got["event"])
	assert.Equal(t, "jam", got["reason"])
	assert.Equal(t, float64(42), got["pulses"])
	assert.Contains(t, got, "dt")
	assert.Contains(t, got, "time")
}

func TestEmitConsoleModeDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	e := New(WithWriter(&buf), WithJSON(false))
	e.Emit("startup", F("version", "1.0.4"))
	assert.Contains(t, buf.String(), "startup")
}

func TestEmitNilAndUnknownFieldTypes(t *testing.T) {
	var buf bytes.Buffer
	e := New(WithWriter(&buf), WithJSON(true))
	e.Emit("weird", F("nothing", nil), F("thresholds", []int{3, 6}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.NotContains(t, got, "nothing")
	assert.Contains(t, got, "thresholds")
}
