// Package channel: SerialChannel implements Channel over go.bug.st/serial,
// providing real communication with a machine attached on a serial port.
package channel

import (
	"bufio"
	"fmt"
	"strings"
	"sync"

	serial "go.bug.st/serial"

	"FabHost/internal/util"
)

// SerialChannel drives a physical serial port. The command queue is its
// only caller, so Send never observes interleaved traffic, but the mutex
// keeps Close safe against a Send still in flight.
type SerialChannel struct {
	log *util.Logger

	mu       sync.Mutex
	port     serial.Port
	r        *bufio.Reader
	portName string
	baud     int
}

// NewSerialChannel creates a closed physical channel.
func NewSerialChannel(logger *util.Logger) *SerialChannel {
	return &SerialChannel{log: logger}
}

// Open opens the serial port at the given baud rate and transmits the
// priming command, bringing the device to a known state before any job
// traffic is accepted.
func (c *SerialChannel) Open(port string, baud int, primer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return fmt.Errorf("open serial %s: %w", port, err)
	}
	c.port = p
	c.r = bufio.NewReader(p)
	c.portName = port
	c.baud = baud
	c.log.Info("opened %s @ %d baud", port, baud)

	if primer != "" {
		reply, err := c.send(primer)
		if err != nil {
			_ = c.closeLocked()
			return fmt.Errorf("primer %q: %w", primer, err)
		}
		if !Acknowledged(reply) {
			_ = c.closeLocked()
			return fmt.Errorf("primer %q not acknowledged: %q", primer, strings.TrimSpace(reply))
		}
	}
	return nil
}

// Send transmits one command and reads the device's full reply.
func (c *SerialChannel) Send(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return "", ErrNotOpen
	}
	return c.send(cmd)
}

func (c *SerialChannel) send(cmd string) (string, error) {
	if _, err := c.port.Write([]byte(cmd + Terminator)); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	return c.readReply()
}

// readReply accumulates reply lines until a terminal line arrives: the
// acknowledgment token or a firmware error report. Intermediate lines
// (temperature reports, busy notices) are kept as part of the reply. No
// reply timeout is applied here; a silent device stalls the in-flight
// command rather than reordering traffic.
func (c *SerialChannel) readReply() (string, error) {
	var b strings.Builder
	for {
		line, err := c.r.ReadString('\n')
		b.WriteString(line)
		if err != nil {
			return b.String(), fmt.Errorf("read reply: %w", err)
		}
		if terminalLine(strings.TrimSpace(line)) {
			return b.String(), nil
		}
	}
}

// Close closes the underlying port.
func (c *SerialChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *SerialChannel) closeLocked() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	c.r = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", c.portName, err)
	}
	c.log.Info("closed %s", c.portName)
	return nil
}
