package provider

import (
	"bufio"
	"io"
	"strings"
)

// lineScanner reads a line-delimited wire stream through a buffered
// reader, tolerating network chunk boundaries that split a line. A
// partial final line at end-of-stream is discarded.
type lineScanner struct {
	r *bufio.Reader
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete line without its terminator. It returns
// io.EOF at end of stream; a trailing line with no terminator is dropped.
func (s *lineScanner) Next() (string, error) {
	line, err := s.r.ReadString('\n')
	if err == io.EOF {
		// Partial final line: discard per the wire contract.
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// sseEvent is one Server-Sent Events frame. Name is empty for bare
// `data:` protocols.
type sseEvent struct {
	Name string
	Data string
}

// sseScanner decodes SSE frames: optional `event:` line, one or more
// `data:` lines, terminated by a blank line. Comment lines (leading ':')
// and unknown fields are skipped.
type sseScanner struct {
	lines *lineScanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{lines: newLineScanner(r)}
}

// Next returns the next complete SSE frame, or io.EOF.
func (s *sseScanner) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string
	for {
		line, err := s.lines.Next()
		if err != nil {
			return sseEvent{}, err
		}

		switch {
		case line == "":
			if len(data) > 0 || ev.Name != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			// Blank line between frames; keep scanning.
		case strings.HasPrefix(line, ":"):
			// Comment / heartbeat.
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
