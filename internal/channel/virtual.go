package channel

import (
	"sync"
	"time"

	"FabHost/internal/util"
)

// VirtualChannel simulates a machine in software: no real I/O, a
// configurable delay on Open to mimic connection latency, and every
// command acknowledged. It lets the whole pipeline run with no hardware
// attached.
type VirtualChannel struct {
	log          *util.Logger
	connectDelay time.Duration
	writeLatency time.Duration

	mu   sync.Mutex
	open bool
	sent []string
}

// NewVirtualChannel creates a closed virtual channel. connectDelay is slept
// inside Open to simulate the hardware handshake.
func NewVirtualChannel(connectDelay time.Duration, logger *util.Logger) *VirtualChannel {
	return &VirtualChannel{
		log:          logger,
		connectDelay: connectDelay,
		writeLatency: time.Millisecond,
	}
}

// Open sleeps the configured connection delay and records the primer like
// any other command.
func (c *VirtualChannel) Open(port string, baud int, primer string) error {
	time.Sleep(c.connectDelay)
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.log.Info("virtual channel open (port=%q baud=%d)", port, baud)
	if primer != "" {
		if _, err := c.Send(primer); err != nil {
			return err
		}
	}
	return nil
}

// Send records the command, sleeps the simulated write latency and
// acknowledges.
func (c *VirtualChannel) Send(cmd string) (string, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return "", ErrNotOpen
	}
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	time.Sleep(c.writeLatency)
	return AckToken + Terminator, nil
}

// Close marks the channel closed.
func (c *VirtualChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// Sent returns a copy of every command transmitted so far, in order.
func (c *VirtualChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}
