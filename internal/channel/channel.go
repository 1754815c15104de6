// Package channel owns the wire to a fabrication machine. It frames
// outbound commands, reads replies and validates acknowledgments. The
// physical and virtual variants satisfy the same Channel contract, chosen
// by configuration at construction time.
package channel

import (
	"errors"
	"strings"
)

// Terminator is appended to every transmitted command. No other framing
// (checksums, line numbers) is applied at this layer.
const Terminator = "\n"

// AckToken is the literal final reply line that acknowledges a command.
const AckToken = "ok"

// ErrNotOpen is returned for any operation on a channel before Open or
// after Close.
var ErrNotOpen = errors.New("channel not open")

// Channel is the single capability the rest of the pipeline holds on the
// wire: open it, send one command and collect its reply, close it.
type Channel interface {
	// Open establishes the connection and transmits the priming command
	// before any job traffic is accepted.
	Open(port string, baud int, primer string) error

	// Send transmits one command (Terminator appended) and returns the raw
	// reply text, blocking until the device's reply is complete.
	Send(cmd string) (string, error)

	// Close releases the underlying port.
	Close() error
}

// Acknowledged reports whether a raw reply acknowledges the command that
// produced it: the reply is split into newline-delimited segments (DOS-style
// carriage returns tolerated) and the last non-empty segment must be exactly
// the literal AckToken.
func Acknowledged(reply string) bool {
	last := ""
	for _, seg := range strings.Split(reply, "\n") {
		seg = strings.TrimRight(seg, "\r")
		if seg != "" {
			last = seg
		}
	}
	return last == AckToken
}

// terminalLine reports whether a single reply line ends the device's reply:
// either the acknowledgment itself or a firmware error report.
func terminalLine(line string) bool {
	if line == AckToken {
		return true
	}
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, "error") || strings.HasPrefix(lower, "!!")
}
