// Package state implements the lifecycle state machine governing a bot.
// The legal transitions are declared as a static edge table, validated once
// at construction; every successful transition synchronously notifies all
// registered observers before dependent logic proceeds.
package state

import (
	"fmt"
	"sync"

	"FabHost/internal/util"
)

// State is a lifecycle state of a bot.
type State string

const (
	Unavailable     State = "unavailable"
	Detecting       State = "detecting"
	Ready           State = "ready"
	Connecting      State = "connecting"
	Connected       State = "connected"
	StartingJob     State = "startingJob"
	ProcessingJob   State = "processingJob"
	Stopping        State = "stopping"
	ProcessingGcode State = "processingGcode"
	Disconnecting   State = "disconnecting"
)

// Event drives a transition between states.
type Event string

const (
	Detect             Event = "detect"
	DetectDone         Event = "detectDone"
	DetectFail         Event = "detectFail"
	Connect            Event = "connect"
	ConnectDone        Event = "connectDone"
	ConnectFail        Event = "connectFail"
	Start              Event = "start"
	StartDone          Event = "startDone"
	StartFail          Event = "startFail"
	Stop               Event = "stop"
	StopDone           Event = "stopDone"
	StopFail           Event = "stopFail"
	JobToGcode         Event = "jobToGcode"
	JobGcodeDone       Event = "jobGcodeDone"
	JobGcodeFail       Event = "jobGcodeFail"
	ConnectedToGcode   Event = "connectedToGcode"
	ConnectedGcodeDone Event = "connectedGcodeDone"
	ConnectedGcodeFail Event = "connectedGcodeFail"
	Disconnect         Event = "disconnect"
	DisconnectDone     Event = "disconnectDone"
	DisconnectFail     Event = "disconnectFail"
	Unplug             Event = "unplug"
)

// Wildcard marks an edge valid from every state; it is expanded eagerly
// when the table is built.
const Wildcard State = "*"

// Edge declares one legal transition.
type Edge struct {
	Event Event
	From  State
	To    State
}

// States lists every lifecycle state. The machine is cyclic; there is no
// terminal state.
var States = []State{
	Unavailable, Detecting, Ready, Connecting, Connected,
	StartingJob, ProcessingJob, Stopping, ProcessingGcode, Disconnecting,
}

// LifecycleEdges is the declared edge set of the bot lifecycle.
var LifecycleEdges = []Edge{
	{Detect, Unavailable, Detecting},
	{DetectDone, Detecting, Ready},
	{DetectFail, Detecting, Unavailable},
	{Connect, Ready, Connecting},
	{ConnectDone, Connecting, Connected},
	{ConnectFail, Connecting, Ready},
	{Start, Connected, StartingJob},
	{StartDone, StartingJob, ProcessingJob},
	{StartFail, StartingJob, Connected},
	{Stop, ProcessingJob, Stopping},
	{StopDone, Stopping, Connected},
	{StopFail, Stopping, Connected},
	{JobToGcode, ProcessingJob, ProcessingGcode},
	{JobGcodeDone, ProcessingGcode, ProcessingJob},
	{JobGcodeFail, ProcessingGcode, ProcessingJob},
	{ConnectedToGcode, Connected, ProcessingGcode},
	{ConnectedGcodeDone, ProcessingGcode, Connected},
	{ConnectedGcodeFail, ProcessingGcode, Connected},
	{Disconnect, Connected, Disconnecting},
	{DisconnectDone, Disconnecting, Ready},
	{DisconnectFail, Disconnecting, Connected},
	{Unplug, Wildcard, Unavailable},
}

// TransitionError reports an event fired from a state with no declared
// edge for it. It indicates a sequencing bug in the caller, never a
// recoverable condition, so it is logged as well as returned.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q not declared for state %q", e.Event, e.From)
}

// Observer receives the new state after every successful transition.
type Observer func(State)

// Machine is the authoritative lifecycle state of one bot.
type Machine struct {
	mu        sync.Mutex
	current   State
	table     map[State]map[Event]State
	observers []Observer
	log       *util.Logger
}

// NewMachine builds a machine over the declared lifecycle edge set,
// starting in the unavailable state. The table is validated before any
// transition can be attempted.
func NewMachine(logger *util.Logger) (*Machine, error) {
	return newMachine(States, LifecycleEdges, Unavailable, logger)
}

func newMachine(states []State, edges []Edge, initial State, logger *util.Logger) (*Machine, error) {
	table, err := buildTable(states, edges)
	if err != nil {
		return nil, err
	}
	return &Machine{current: initial, table: table, log: logger}, nil
}

// buildTable expands wildcard-from edges over every state and rejects
// malformed declarations: unknown states and duplicate (from, event) pairs.
func buildTable(states []State, edges []Edge) (map[State]map[Event]State, error) {
	known := make(map[State]bool, len(states))
	table := make(map[State]map[Event]State, len(states))
	for _, s := range states {
		known[s] = true
		table[s] = make(map[Event]State)
	}
	for _, e := range edges {
		if !known[e.To] {
			return nil, fmt.Errorf("transition table: edge %q targets unknown state %q", e.Event, e.To)
		}
		froms := []State{e.From}
		if e.From == Wildcard {
			froms = states
		} else if !known[e.From] {
			return nil, fmt.Errorf("transition table: edge %q leaves unknown state %q", e.Event, e.From)
		}
		for _, from := range froms {
			if prev, dup := table[from][e.Event]; dup && e.From != Wildcard {
				return nil, fmt.Errorf("transition table: duplicate edge %q from %q (already targets %q)", e.Event, from, prev)
			}
			// a concrete edge wins over a wildcard-expanded one
			if _, exists := table[from][e.Event]; exists && e.From == Wildcard {
				continue
			}
			table[from][e.Event] = e.To
		}
	}
	return table, nil
}

// Current returns the machine's present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers an observer notified on every successful transition.
func (m *Machine) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Fire drives the given event. On a declared edge the machine moves to the
// target state and notifies every observer synchronously before returning.
// On an undeclared (state, event) pair the state is left unchanged and a
// *TransitionError is logged and returned; the caller must abort whatever
// operation it was attempting.
func (m *Machine) Fire(ev Event) error {
	m.mu.Lock()
	to, ok := m.table[m.current][ev]
	if !ok {
		err := &TransitionError{From: m.current, Event: ev}
		m.mu.Unlock()
		m.log.Error("%v", err)
		return err
	}
	m.current = to
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, obs := range observers {
		obs(to)
	}
	return nil
}
