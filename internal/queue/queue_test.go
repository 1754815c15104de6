package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FabHost/internal/util"
)

// fakeChannel scripts replies per command and records transmissions.
type fakeChannel struct {
	mu      sync.Mutex
	open    bool
	openErr error
	sent    []string
	replies map[string][]string // consumed front to back; default "ok\n"
	sendErr map[string]error
	block   chan struct{} // when non-nil, Send waits on it first
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		replies: make(map[string][]string),
		sendErr: make(map[string]error),
	}
}

func (f *fakeChannel) Open(port string, baud int, primer string) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	f.open = true
	if primer != "" {
		f.sent = append(f.sent, primer)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(cmd string) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	if err := f.sendErr[cmd]; err != nil {
		return "", err
	}
	if q := f.replies[cmd]; len(q) > 0 {
		r := q[0]
		f.replies[cmd] = q[1:]
		return r, nil
	}
	return "ok\n", nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) transmitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestFIFOOrder(t *testing.T) {
	ch := newFakeChannel()
	q := New(ch, 0, util.NewLogger("test"))

	var results []Result
	for i := 0; i < 5; i++ {
		results = append(results, q.QueueCommand(fmt.Sprintf("G1 X%d", i)))
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}
	assert.Equal(t, []string{"G1 X0", "G1 X1", "G1 X2", "G1 X3", "G1 X4"}, ch.transmitted())
}

func TestAtMostOneInFlight(t *testing.T) {
	ch := newFakeChannel()
	ch.block = make(chan struct{})
	q := New(ch, 0, util.NewLogger("test"))

	first := q.QueueCommand("G28")
	second := q.QueueCommand("G1 X10")

	// the first entry is blocked inside Send; the second must not start
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ch.transmitted())
	assert.Equal(t, 1, q.Len(), "second entry still queued")

	close(ch.block)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, []string{"G28", "G1 X10"}, ch.transmitted())
}

func TestRetryThenSucceed(t *testing.T) {
	ch := newFakeChannel()
	ch.replies["M104 S200"] = []string{"rs resend\n", "T:0\nerror\n", "ok\n"}
	q := New(ch, 2, util.NewLogger("test"))

	require.NoError(t, <-q.QueueCommand("M104 S200"))
	assert.Equal(t, []string{"M104 S200", "M104 S200", "M104 S200"}, ch.transmitted())
}

func TestRetryBudgetExhausted(t *testing.T) {
	ch := newFakeChannel()
	ch.replies["G1 X5"] = []string{"error\n", "error\n", "error\n"}
	q := New(ch, 2, util.NewLogger("test"))

	err := <-q.QueueCommand("G1 X5")
	require.ErrorIs(t, err, ErrNotAcknowledged)
	assert.Len(t, ch.transmitted(), 3, "retries+1 attempts")

	// the failed entry does not wedge the queue
	require.NoError(t, <-q.QueueCommand("G1 X6"))
}

func TestWriteErrorFailsEntryWithoutRetry(t *testing.T) {
	ch := newFakeChannel()
	wire := errors.New("wire fell out")
	ch.sendErr["G28"] = wire

	q := New(ch, 2, util.NewLogger("test"))
	err := <-q.QueueCommand("G28")
	require.ErrorIs(t, err, wire)
	assert.Len(t, ch.transmitted(), 1, "write errors are not retried")
}

func TestOpenDirectiveOrdering(t *testing.T) {
	ch := newFakeChannel()
	q := New(ch, 0, util.NewLogger("test"))

	open := q.QueueOpen("/dev/ttyUSB0", 115200, "M115")
	cmd := q.QueueCommand("G28")

	require.NoError(t, <-open)
	require.NoError(t, <-cmd)
	assert.Equal(t, []string{"M115", "G28"}, ch.transmitted(), "primer precedes queued traffic")
}

func TestOpenErrorPropagates(t *testing.T) {
	ch := newFakeChannel()
	ch.openErr = errors.New("no such port")
	q := New(ch, 0, util.NewLogger("test"))

	err := <-q.QueueOpen("/dev/ttyUSB9", 115200, "")
	require.ErrorContains(t, err, "no such port")
}

func TestFlushDiscardsOnlyUnsent(t *testing.T) {
	ch := newFakeChannel()
	ch.block = make(chan struct{})
	q := New(ch, 0, util.NewLogger("test"))

	inflight := q.QueueCommand("G28")
	queued := q.QueueCommand("G1 X10")

	time.Sleep(20 * time.Millisecond)
	q.Flush()

	require.ErrorIs(t, <-queued, ErrFlushed)
	assert.Equal(t, 0, q.Len())

	// the in-flight entry drains to its natural resolution
	close(ch.block)
	require.NoError(t, <-inflight)
	assert.Equal(t, []string{"G28"}, ch.transmitted())
}

func TestExpansionAndValidation(t *testing.T) {
	ch := newFakeChannel()
	q := New(ch, 0, util.NewLogger("test"))

	expand := func(s string) string { return s + " F3000" }
	validate := func(reply string) bool { return reply == "ok\n" }
	require.NoError(t, <-q.QueueCommandWith("G1 X1", expand, validate))
	assert.Equal(t, []string{"G1 X1 F3000"}, ch.transmitted())
}

func TestEmptyQueueIsNoOp(t *testing.T) {
	q := New(newFakeChannel(), 0, util.NewLogger("test"))
	q.Flush()
	assert.Equal(t, 0, q.Len())
}
