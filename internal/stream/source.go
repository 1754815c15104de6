// Package stream delivers a job file's lines to the command queue, in
// order and under backpressure: the consumer pulls each line on demand, so
// the source can never race ahead of command execution.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// LineSource is a pull-based reader over a job file. Lines are handed out
// one at a time by Next; nothing is read ahead of the caller.
type LineSource struct {
	mu     sync.Mutex
	f      *os.File
	r      *bufio.Reader
	closed bool
}

// OpenLineSource opens the file positioned at its beginning.
func OpenLineSource(path string) (*LineSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open line source: %w", err)
	}
	return &LineSource{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next line with its terminator stripped. io.EOF marks
// the end of the file; a final line without a trailing newline is still
// returned before EOF.
func (s *LineSource) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", os.ErrClosed
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close releases the file. Buffered but unread lines are abandoned.
func (s *LineSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// CountLines counts the newline-delimited lines of the file at path,
// including a final unterminated line. It reads the raw file independently
// of any open LineSource, so the pre-scan can run while streaming starts.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("count lines: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("count lines: %w", err)
	}
	return n, nil
}

// StripComment removes a trailing g-code comment: everything at and after
// the first ';' is discarded and surrounding whitespace trimmed. A blank
// or comment-only line strips to the empty string.
func StripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
