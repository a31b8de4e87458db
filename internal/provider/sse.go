package provider

import (
	"bufio"
	"bytes"
	"io"
)

// sseScanner walks the data lines of a text/event-stream body. Event names
// are ignored; both providers repeat the event type inside the JSON payload.
type sseScanner struct {
	scanner *bufio.Scanner
	data    string
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	scanner := bufio.NewScanner(r)
	// Provider deltas are small, but error payloads and long code blocks can
	// exceed the default 64K token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{scanner: scanner}
}

// Scan advances to the next data line, skipping blank separators, comments,
// and event/id fields.
func (s *sseScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			s.data = string(bytes.TrimLeft(bytes.TrimPrefix(line, []byte("data:")), " "))
			return true
		}
	}
	s.err = s.scanner.Err()
	return false
}

// Data returns the payload of the current data line.
func (s *sseScanner) Data() string {
	return s.data
}

// Err returns the underlying read error, if any.
func (s *sseScanner) Err() error {
	return s.err
}
