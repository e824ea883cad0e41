package monitor

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyiger/filament-monitor/internal/edge"
	"github.com/hyiger/filament-monitor/internal/estimator"
	"github.com/hyiger/filament-monitor/internal/events"
	"github.com/hyiger/filament-monitor/internal/monoclock"
	"github.com/hyiger/filament-monitor/internal/serialio"
)

// fakePort is an in-memory io.ReadWriteCloser standing in for a serial
// device; Write appends each call to a buffer so tests can assert the
// exact byte sequence the monitor wrote.
type fakePort struct {
	mu      sync.Mutex
	written []string
}

func (f *fakePort) Read(p []byte) (int, error) { return 0, nil }

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(p))
	return len(p), nil
}

func (f *fakePort) Close() error { return nil }

func (f *fakePort) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *fakeNotifier) Notify(title, message string, priority int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func newTestMonitor(t *testing.T, cfg Config, estCfg estimator.Config) (*Monitor, *monoclock.Fake, *fakePort, *fakeNotifier) {
	t.Helper()
	clock := monoclock.NewFake()
	port := &fakePort{}
	stream := serialio.New(port)
	est := estimator.New(estCfg)
	notif := &fakeNotifier{}
	emit := events.New(events.WithWriter(&bytes.Buffer{}), events.WithJSON(true))
	m := New(cfg, clock, emit, stream, est, notif)
	return m, clock, port, notif
}

func defaultEstCfg() estimator.Config {
	return estimator.Config{
		WindowS:       2,
		HalflifeS:     0,
		Adaptive:      false,
		FixedTimeoutS: 8,
		MinS:          6,
		MaxS:          18,
		K:             16,
		PPSFloor:      0.3,
	}
}

// Scenario 1: enable-only never jams.
func TestEnableOnlyNeverJams(t *testing.T) {
	m, clock, port, _ := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	require.NoError(t, m.HandleCommand("enable"))

	for i := 0; i < 50; i++ {
		clock.Advance(100 * time.Millisecond)
		m.Evaluate(clock.Now())
	}

	assert.Empty(t, port.lines())
	assert.False(t, m.Snapshot().Latched)
}

// Scenario 2: arm, no pulses -> single latch with exactly one M400/pause pair.
func TestArmNoPulsesSingleLatch(t *testing.T) {
	m, clock, port, notif := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	require.NoError(t, m.HandleCommand("enable"))
	require.NoError(t, m.HandleCommand("arm"))

	clock.Advance(8*time.Second + 50*time.Millisecond)
	m.Evaluate(clock.Now())

	lines := port.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "M400\n", lines[0])
	assert.Equal(t, "M600\n", lines[1])
	assert.True(t, m.Snapshot().Latched)
	assert.Equal(t, 1, notif.count())
}

// Scenario 3: latch blocks retrigger; reset+arm allows exactly one more pair.
func TestLatchBlocksRetrigger(t *testing.T) {
	m, clock, port, notif := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	require.NoError(t, m.HandleCommand("enable"))
	require.NoError(t, m.HandleCommand("arm"))
	clock.Advance(8*time.Second + 50*time.Millisecond)
	m.Evaluate(clock.Now())
	require.Len(t, port.lines(), 2)
	require.Equal(t, 1, notif.count())

	for i := 0; i < 100; i++ {
		clock.Advance(100 * time.Millisecond)
		m.Evaluate(clock.Now())
	}
	assert.Len(t, port.lines(), 2, "latched state must not emit additional pause bytes")
	assert.Equal(t, 1, notif.count())

	require.NoError(t, m.HandleCommand("reset"))
	require.NoError(t, m.HandleCommand("arm"))
	clock.Advance(8*time.Second + 50*time.Millisecond)
	m.Evaluate(clock.Now())

	assert.Len(t, port.lines(), 4)
	assert.Equal(t, 2, notif.count())
}

// Scenario 4: runout while armed latches; while unarmed it only records.
func TestRunoutArmedVsUnarmed(t *testing.T) {
	m, clock, port, _ := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	require.NoError(t, m.HandleCommand("enable"))

	m.OnRunoutAsserted(clock.Now())
	assert.Empty(t, port.lines())
	assert.True(t, m.Snapshot().RunoutAsserted)

	require.NoError(t, m.HandleCommand("arm"))
	clock.Advance(time.Second)
	m.OnRunoutAsserted(clock.Now())

	lines := port.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "M400\n", lines[0])
	assert.Equal(t, "M600\n", lines[1])
	snap := m.Snapshot()
	assert.True(t, snap.Latched)
	assert.Equal(t, "runout", string(snap.LastTrigger))
}

// Scenario 5: adaptive timeout scales with pulse rate.
func TestAdaptiveTimeoutScalesWithRate(t *testing.T) {
	clock := monoclock.NewFake()
	est := estimator.New(estimator.Config{
		WindowS:       2,
		HalflifeS:     0,
		Adaptive:      true,
		MinS:          6,
		MaxS:          18,
		K:             16,
		PPSFloor:      0.3,
	})

	for i := 0; i < 4; i++ {
		est.Pulse(clock.Now())
		clock.Advance(500 * time.Millisecond)
	}
	tEff := est.EffectiveTimeout(clock.Now())
	assert.GreaterOrEqual(t, tEff, 7*time.Second)
	assert.LessOrEqual(t, tEff, 9*time.Second)

	clock.Advance(5 * time.Second)
	tEff = est.EffectiveTimeout(clock.Now())
	assert.Equal(t, 18*time.Second, tEff)
}

// Scenario 6: button gestures.
func TestButtonGestures(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	require.NoError(t, m.HandleCommand("enable"))
	require.NoError(t, m.HandleCommand("arm"))
	clock.Advance(time.Second)
	require.NoError(t, m.HandleCommand("reset"))

	m.OnButtonGesture(edge.ShortPress)
	assert.False(t, m.Snapshot().Armed)

	m.OnButtonGesture(edge.LongPress)
	snap := m.Snapshot()
	assert.True(t, snap.Armed)
	assert.False(t, snap.Latched)
}

func TestHandleMarkerLinePrecedence(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	require.NoError(t, m.HandleCommand("enable"))
	require.NoError(t, m.HandleCommand("arm"))
	_ = clock

	m.HandleMarkerLine("ready filmon:disable filmon:arm trailing filmon:reset")
	assert.False(t, m.Snapshot().Enabled)
}

func TestHandleMarkerLineCaseInsensitive(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	m.HandleMarkerLine("echo FILMON:ENABLE please")
	assert.True(t, m.Snapshot().Enabled)
}

func TestResetClearsCounters(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	require.NoError(t, m.HandleCommand("enable"))
	m.OnPulse(clock.Now())
	m.OnPulse(clock.Now())
	require.NoError(t, m.HandleCommand("reset"))

	snap := m.Snapshot()
	assert.False(t, snap.Enabled)
	assert.False(t, snap.Armed)
	assert.False(t, snap.Latched)
	assert.Equal(t, uint64(0), snap.MotionPulsesSinceReset)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, Config{PauseGcode: "M600"}, defaultEstCfg())
	err := m.HandleCommand("spindash")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown command"))
}

func TestArmGraceDelaysJam(t *testing.T) {
	shortTimeout := estimator.Config{
		WindowS:       2,
		Adaptive:      false,
		FixedTimeoutS: 2,
	}
	m, clock, port, _ := newTestMonitor(t, Config{
		PauseGcode: "M600",
		ArmGraceS:  5 * time.Second,
	}, shortTimeout)
	require.NoError(t, m.HandleCommand("enable"))
	require.NoError(t, m.HandleCommand("arm"))

	clock.Advance(3 * time.Second)
	m.Evaluate(clock.Now())
	assert.Empty(t, port.lines(), "grace period should suppress jam evaluation even though the fixed timeout alone has elapsed")

	clock.Advance(3 * time.Second)
	m.Evaluate(clock.Now())
	assert.NotEmpty(t, port.lines())
}
