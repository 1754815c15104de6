package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FabHost/internal/util"
)

// declaredEdges expands the wildcard so tests can enumerate every concrete
// (from, event, to) triple.
func declaredEdges(t *testing.T) []Edge {
	t.Helper()
	var out []Edge
	for _, e := range LifecycleEdges {
		if e.From != Wildcard {
			out = append(out, e)
			continue
		}
		for _, from := range States {
			out = append(out, Edge{Event: e.Event, From: from, To: e.To})
		}
	}
	return out
}

func TestEveryDeclaredEdge(t *testing.T) {
	logger := util.NewLogger("test")
	for _, e := range declaredEdges(t) {
		m, err := newMachine(States, LifecycleEdges, e.From, logger)
		require.NoError(t, err)

		var notified []State
		m.Subscribe(func(s State) { notified = append(notified, s) })

		require.NoError(t, m.Fire(e.Event), "edge %s from %s", e.Event, e.From)
		assert.Equal(t, e.To, m.Current(), "edge %s from %s", e.Event, e.From)
		assert.Equal(t, []State{e.To}, notified, "exactly one notification per hop")
	}
}

func TestUndeclaredPairsAreFatal(t *testing.T) {
	logger := util.NewLogger("test")

	declared := make(map[State]map[Event]bool)
	for _, e := range declaredEdges(t) {
		if declared[e.From] == nil {
			declared[e.From] = make(map[Event]bool)
		}
		declared[e.From][e.Event] = true
	}

	allEvents := []Event{
		Detect, DetectDone, DetectFail, Connect, ConnectDone, ConnectFail,
		Start, StartDone, StartFail, Stop, StopDone, StopFail,
		JobToGcode, JobGcodeDone, JobGcodeFail,
		ConnectedToGcode, ConnectedGcodeDone, ConnectedGcodeFail,
		Disconnect, DisconnectDone, DisconnectFail, Unplug,
	}

	for _, from := range States {
		for _, ev := range allEvents {
			if declared[from][ev] {
				continue
			}
			m, err := newMachine(States, LifecycleEdges, from, logger)
			require.NoError(t, err)

			notifications := 0
			m.Subscribe(func(State) { notifications++ })

			err = m.Fire(ev)
			require.Error(t, err, "event %s from %s", ev, from)
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, from, te.From)
			assert.Equal(t, ev, te.Event)
			assert.Equal(t, from, m.Current(), "state must not change")
			assert.Zero(t, notifications, "no notification on a rejected event")
		}
	}
}

func TestInitialStateIsUnavailable(t *testing.T) {
	m, err := NewMachine(util.NewLogger("test"))
	require.NoError(t, err)
	assert.Equal(t, Unavailable, m.Current())
}

func TestWildcardUnplugFromEveryState(t *testing.T) {
	logger := util.NewLogger("test")
	for _, from := range States {
		m, err := newMachine(States, LifecycleEdges, from, logger)
		require.NoError(t, err)
		require.NoError(t, m.Fire(Unplug), "unplug from %s", from)
		assert.Equal(t, Unavailable, m.Current())
	}
}

func TestMalformedTablesRejected(t *testing.T) {
	logger := util.NewLogger("test")

	_, err := newMachine(States, []Edge{{Event: "x", From: "nowhere", To: Ready}}, Unavailable, logger)
	assert.Error(t, err, "unknown from state")

	_, err = newMachine(States, []Edge{{Event: "x", From: Ready, To: "nowhere"}}, Unavailable, logger)
	assert.Error(t, err, "unknown target state")

	_, err = newMachine(States, []Edge{
		{Event: "x", From: Ready, To: Connected},
		{Event: "x", From: Ready, To: Connecting},
	}, Unavailable, logger)
	assert.Error(t, err, "duplicate (from, event) pair")
}

func TestConcreteEdgeWinsOverWildcard(t *testing.T) {
	// a concrete edge sharing an event with a wildcard keeps its own target
	edges := []Edge{
		{Event: "reset", From: Ready, To: Connected},
		{Event: "reset", From: Wildcard, To: Unavailable},
	}
	m, err := newMachine(States, edges, Ready, util.NewLogger("test"))
	require.NoError(t, err)
	require.NoError(t, m.Fire("reset"))
	assert.Equal(t, Connected, m.Current())
}
