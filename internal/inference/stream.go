// Package inference consumes streamed AI analysis output and fetches the final structured result.
package inference

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// doneSentinel terminates a stream.
const doneSentinel = "[DONE]"

type fragment struct {
	Content string `json:"content"`
}

// Stream is a lazy, finite, non-restartable sequence of content fragments read from an
// event-stream body. Next returns io.EOF once the sentinel arrives or the body ends cleanly.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	log    zerolog.Logger
	ended  bool
	frames int
	skips  int
}

// NewStream wraps an event-stream body.
func NewStream(body io.ReadCloser, log zerolog.Logger) *Stream {
	return &Stream{body: body, reader: bufio.NewReader(body), log: log}
}

// Next returns the next non-empty content fragment.
func (s *Stream) Next() (string, error) {
	for !s.ended {
		line, readErr := s.reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			s.ended = true
			return "", fmt.Errorf("read stream: %w", readErr)
		}
		if content, ok := s.parseLine(line); ok {
			if errors.Is(readErr, io.EOF) {
				s.ended = true
			}
			return content, nil
		}
		if errors.Is(readErr, io.EOF) {
			s.ended = true
		}
	}
	return "", io.EOF
}

// parseLine handles one SSE line; it may mark the stream ended on the sentinel.
func (s *Stream) parseLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	payload = strings.TrimPrefix(payload, " ")
	s.frames++
	if strings.TrimSpace(payload) == doneSentinel {
		s.ended = true
		return "", false
	}
	var fr fragment
	if err := json.Unmarshal([]byte(payload), &fr); err != nil {
		s.skips++
		s.log.Warn().Err(err).Int("frame", s.frames).Msg("skipping malformed stream frame")
		return "", false
	}
	if fr.Content == "" {
		return "", false
	}
	return fr.Content, true
}

// Skipped reports how many malformed frames were dropped.
func (s *Stream) Skipped() int { return s.skips }

// Close releases the underlying body.
func (s *Stream) Close() error {
	s.ended = true
	return s.body.Close()
}
