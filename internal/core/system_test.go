package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FabHost/internal/state"
	"FabHost/internal/util"
)

const testVirtualDelayMs = 120

func newTestSystem(t *testing.T) *System {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`global:
  baud: 115200
  virtual_delay_ms: %d
  catalog_path: %q
`, testVirtualDelayMs, filepath.Join(dir, "catalog.db"))
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	sys, err := NewSystem(path, util.NewLogger("test"))
	require.NoError(t, err)
	t.Cleanup(func() { sys.Catalog().Close() })
	return sys
}

// transitionLog records every broadcast state change.
type transitionLog struct {
	mu     sync.Mutex
	states []state.State
}

func (l *transitionLog) record(_ string, st state.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, st)
}

func (l *transitionLog) snapshot() []state.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]state.State, len(l.states))
	copy(out, l.states)
	return out
}

func TestCreateVirtualBotReachesReady(t *testing.T) {
	sys := newTestSystem(t)
	tl := &transitionLog{}
	sys.Subscribe(tl.record)

	require.NoError(t, sys.ProcessCommand("v1", CmdCreateVirtualBot))

	st, err := sys.GetBot("v1")
	require.NoError(t, err)
	assert.Equal(t, "ready", st.State)
	assert.True(t, st.Virtual)
	assert.Equal(t, []state.State{state.Detecting, state.Ready}, tl.snapshot())
}

func TestUnsupportedCommandRejected(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))

	err := sys.ProcessCommand("v1", "reticulateSplines")
	require.ErrorContains(t, err, "unsupported command")

	st, err := sys.GetBot("v1")
	require.NoError(t, err)
	assert.Equal(t, "ready", st.State, "no state change on rejection")
}

func TestConnectHoldsForVirtualDelay(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))

	begin := time.Now()
	require.NoError(t, sys.ProcessCommand("v1", CmdConnect))

	st, err := sys.GetBot("v1")
	require.NoError(t, err)
	assert.Equal(t, "connecting", st.State, "held in connecting during the simulated delay")

	require.Eventually(t, func() bool {
		st, _ := sys.GetBot("v1")
		return st.State == "connected"
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(begin), testVirtualDelayMs*time.Millisecond)
}

func TestDisconnectReturnsToReady(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))
	require.NoError(t, sys.ProcessCommand("v1", CmdConnect))
	require.Eventually(t, func() bool {
		st, _ := sys.GetBot("v1")
		return st.State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sys.ProcessCommand("v1", CmdDisconnect))
	require.Eventually(t, func() bool {
		st, _ := sys.GetBot("v1")
		return st.State == "ready"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVirtualJobEndToEnd(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))
	require.NoError(t, sys.ProcessCommand("v1", CmdConnect))
	require.Eventually(t, func() bool {
		st, _ := sys.GetBot("v1")
		return st.State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	tl := &transitionLog{}
	sys.Subscribe(tl.record)

	gcode := filepath.Join(t.TempDir(), "cube.gcode")
	require.NoError(t, os.WriteFile(gcode, []byte("G28\nG1 X10 ; move\n;comment\n\nM84\n"), 0o644))
	require.NoError(t, sys.Catalog().Add("job-1", gcode))

	require.NoError(t, sys.StartJob("v1", "job-1"))

	// job finishes and its reference is released
	require.Eventually(t, func() bool {
		st, _ := sys.GetBot("v1")
		return st.State == "connected" && st.Job == nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []state.State{
		state.StartingJob, state.ProcessingJob,
		state.Stopping, state.Connected,
	}, tl.snapshot(), "start/startDone then stop/stopDone bracket the stream")
}

func TestStartSecondJobRejected(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))
	require.NoError(t, sys.ProcessCommand("v1", CmdConnect))
	require.Eventually(t, func() bool {
		st, _ := sys.GetBot("v1")
		return st.State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	var lines []byte
	for i := 0; i < 300; i++ {
		lines = append(lines, []byte(fmt.Sprintf("G1 X%d\n", i))...)
	}
	gcode := filepath.Join(t.TempDir(), "long.gcode")
	require.NoError(t, os.WriteFile(gcode, lines, 0o644))
	require.NoError(t, sys.Catalog().Add("long", gcode))

	require.NoError(t, sys.StartJob("v1", "long"))
	err := sys.StartJob("v1", "long")
	require.ErrorContains(t, err, "already has an active job")

	require.NoError(t, sys.StopJob("v1"))
}

func TestJobCommandsWithoutActiveJob(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))

	assert.ErrorContains(t, sys.PauseJob("v1"), "no active job")
	assert.ErrorContains(t, sys.ResumeJob("v1"), "no active job")
	assert.ErrorContains(t, sys.StopJob("v1"), "no active job")
}

func TestDestroyVirtualBot(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))
	require.NoError(t, sys.ProcessCommand("v1", CmdDestroyVirtualBot))

	_, err := sys.GetBot("v1")
	assert.ErrorContains(t, err, "unknown bot")

	assert.Error(t, sys.DestroyVirtualBot("v1"), "double destroy rejected")
}

func TestCreateDuplicateBotRejected(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))
	assert.ErrorContains(t, sys.CreateVirtualBot("v1"), "already exists")
}

func TestSendGcodeRoundTrip(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))
	require.NoError(t, sys.ProcessCommand("v1", CmdConnect))
	require.Eventually(t, func() bool {
		st, _ := sys.GetBot("v1")
		return st.State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sys.SendGcode("v1", "M114"))

	st, err := sys.GetBot("v1")
	require.NoError(t, err)
	assert.Equal(t, "connected", st.State, "gcode done returns to connected")
}

func TestSendGcodeRequiresConnection(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.CreateVirtualBot("v1"))

	err := sys.SendGcode("v1", "M114")
	require.Error(t, err, "no gcode edge from ready")

	st, _ := sys.GetBot("v1")
	assert.Equal(t, "ready", st.State)
}
