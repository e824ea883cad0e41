package controlsocket

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyiger/filament-monitor/internal/events"
	"github.com/hyiger/filament-monitor/internal/monitorstate"
)

type fakeHandler struct {
	state monitorstate.State
	cmds  []string
}

func (f *fakeHandler) Snapshot() monitorstate.State { return f.state }

func (f *fakeHandler) HandleCommand(cmd string) error {
	if cmd == "bogus" {
		return errors.New("unknown command")
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func startServer(t *testing.T, handler Handler) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "filmon.sock")
	emit := events.New(events.WithWriter(&bytes.Buffer{}), events.WithJSON(true))
	srv := New(sock, "1.0.4-test", handler, emit)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", sock, 100*time.Millisecond); err == nil {
			conn.Close()
			return sock
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("control socket never came up")
	return ""
}

func roundTrip(t *testing.T, sock, cmd string) response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestStatusReturnsSnapshot(t *testing.T) {
	h := &fakeHandler{state: monitorstate.State{Enabled: true, Armed: true}}
	sock := startServer(t, h)

	resp := roundTrip(t, sock, "status")
	assert.True(t, resp.OK)
	require.NotNil(t, resp.State)
	assert.True(t, resp.State.Enabled)
	assert.True(t, resp.State.Armed)
	assert.Equal(t, "1.0.4-test", resp.Version)
}

func TestDispatchForwardsKnownCommand(t *testing.T) {
	h := &fakeHandler{}
	sock := startServer(t, h)

	resp := roundTrip(t, sock, "ARM")
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"arm"}, h.cmds)
}

func TestDispatchReportsUnknownCommand(t *testing.T) {
	h := &fakeHandler{}
	sock := startServer(t, h)

	resp := roundTrip(t, sock, "bogus")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown command")
}
