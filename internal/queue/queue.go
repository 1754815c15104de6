// Package queue serializes every write to a bot's channel. Entries are
// executed in strict FIFO order with at most one command in flight: a new
// transmission never starts before the previous reply is validated or the
// entry is abandoned.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"FabHost/internal/channel"
	"FabHost/internal/util"
)

// ErrFlushed resolves entries discarded by Flush before they were sent.
var ErrFlushed = errors.New("queue entry flushed before transmission")

// ErrNotAcknowledged is wrapped into an entry failure once the retry
// budget is exhausted.
var ErrNotAcknowledged = errors.New("reply not acknowledged")

// DefaultRetries is the number of retransmissions attempted after a reply
// fails validation, before the entry itself is failed.
const DefaultRetries = 2

// Result delivers an entry's resolution: nil once its reply validates, or
// the error that abandoned it. Exactly one value is sent.
type Result <-chan error

// ExpandFunc rewrites an entry's payload just before transmission.
type ExpandFunc func(string) string

// ValidateFunc judges a raw reply.
type ValidateFunc func(string) bool

// entry is one queued unit of work: either a raw command or a control
// directive such as "open the channel".
type entry struct {
	payload   string
	expand    ExpandFunc
	validate  ValidateFunc
	directive func() error // non-nil for control directives
	done      chan error
}

func (e *entry) resolve(err error) {
	e.done <- err
}

// CommandQueue is the sole writer to a Channel.
type CommandQueue struct {
	ch      channel.Channel
	retries int
	log     *util.Logger

	mu       sync.Mutex
	pending  []*entry
	inFlight bool
}

// New creates a queue over the given channel. retries < 0 selects
// DefaultRetries; retries is the number of retransmissions after a failed
// validation (so retries+1 attempts in total).
func New(ch channel.Channel, retries int, logger *util.Logger) *CommandQueue {
	if retries < 0 {
		retries = DefaultRetries
	}
	return &CommandQueue{ch: ch, retries: retries, log: logger}
}

// QueueCommand appends a raw command with the default expansion (identity)
// and validation (channel.Acknowledged) and starts execution if the queue
// is idle.
func (q *CommandQueue) QueueCommand(cmd string) Result {
	return q.QueueCommandWith(cmd, nil, nil)
}

// QueueCommandWith appends a raw command with caller-supplied expansion
// and validation functions. Nil selects the defaults.
func (q *CommandQueue) QueueCommandWith(cmd string, expand ExpandFunc, validate ValidateFunc) Result {
	if expand == nil {
		expand = func(s string) string { return s }
	}
	if validate == nil {
		validate = channel.Acknowledged
	}
	return q.push(&entry{
		payload:  cmd,
		expand:   expand,
		validate: validate,
		done:     make(chan error, 1),
	})
}

// QueueOpen appends the open-channel control directive. Like any other
// entry it waits its turn, so traffic queued after it is only transmitted
// once the channel is open and primed.
func (q *CommandQueue) QueueOpen(port string, baud int, primer string) Result {
	return q.push(&entry{
		payload:   "open " + port,
		directive: func() error { return q.ch.Open(port, baud, primer) },
		done:      make(chan error, 1),
	})
}

func (q *CommandQueue) push(e *entry) Result {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	start := !q.inFlight
	if start {
		q.inFlight = true
	}
	q.mu.Unlock()
	if start {
		go q.run()
	}
	return e.done
}

// run drains the queue one entry at a time. It is the only goroutine
// touching the channel while inFlight is set.
func (q *CommandQueue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.inFlight = false
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := q.execute(e)
		if err != nil {
			q.log.Error("entry %q failed: %v", e.payload, err)
		}
		e.resolve(err)
	}
}

// execute transmits one entry. Channel open/write errors propagate as
// entry failures immediately; a reply that fails validation is
// retransmitted up to the retry budget and then abandoned.
func (q *CommandQueue) execute(e *entry) error {
	if e.directive != nil {
		return e.directive()
	}
	cmd := e.expand(e.payload)
	for attempt := 0; ; attempt++ {
		reply, err := q.ch.Send(cmd)
		if err != nil {
			return err
		}
		if e.validate(reply) {
			return nil
		}
		if attempt >= q.retries {
			return fmt.Errorf("%q after %d attempts: %w", cmd, attempt+1, ErrNotAcknowledged)
		}
		q.log.Error("reply to %q rejected, retrying (%d/%d)", cmd, attempt+1, q.retries)
	}
}

// Flush discards every entry that has not yet been transmitted, resolving
// each with ErrFlushed. An entry already in flight drains to its natural
// resolution; it is never purged mid-exchange.
func (q *CommandQueue) Flush() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, e := range dropped {
		e.resolve(ErrFlushed)
	}
	if len(dropped) > 0 {
		q.log.Info("flushed %d unsent entries", len(dropped))
	}
}

// Len returns the number of entries waiting behind the one in flight.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
