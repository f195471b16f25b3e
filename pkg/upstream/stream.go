package upstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// Stream is a streaming chat completion in progress. Next yields
// re-encoded SSE events one at a time; the underlying connection and
// the account's concurrency slot are held until Close.
type Stream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	release func()

	closeOnce sync.Once
	done      bool
}

func newStream(body io.ReadCloser, release func()) *Stream {
	return &Stream{
		body:    body,
		reader:  bufio.NewReaderSize(body, 64*1024),
		release: release,
	}
}

// Next returns the next SSE event block, ready to write to the client.
// It returns io.EOF after the terminal [DONE] event or when the
// upstream closes the stream. An upstream error delivered in-band (a
// bare JSON error line, or an error envelope inside a data event)
// is returned as *Error.
func (s *Stream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(line) == "" {
				s.done = true
				return nil, io.EOF
			}
			if err != io.EOF {
				s.done = true
				return nil, &Error{Cause: err}
			}
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err == io.EOF {
				s.done = true
				return nil, io.EOF
			}
			continue
		}

		if payload, ok := strings.CutPrefix(trimmed, "data:"); ok {
			event, derr := s.dataEvent(strings.TrimSpace(payload))
			if derr != nil {
				s.done = true
				return nil, derr
			}
			if event == nil {
				continue
			}
			return event, nil
		}

		// Comment and event-name lines pass through untouched.
		if strings.HasPrefix(trimmed, ":") || strings.HasPrefix(trimmed, "event:") {
			return []byte(trimmed + "\n\n"), nil
		}

		// A bare JSON object mid-stream is how the upstream reports
		// errors after committing to SSE.
		if strings.HasPrefix(trimmed, "{") {
			s.done = true
			raw := []byte(trimmed)
			return nil, &Error{
				Message: extractErrorMessage(raw),
				Payload: raw,
			}
		}

		if err == io.EOF {
			s.done = true
			return nil, io.EOF
		}
	}
}

// dataEvent normalizes one data payload. Returns (nil, nil) for events
// to skip, or an *Error for in-band error envelopes.
func (s *Stream) dataEvent(payload string) ([]byte, error) {
	if payload == "[DONE]" {
		s.done = true
		return []byte("data: [DONE]\n\n"), nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		// Not JSON; forward as-is rather than drop data on the floor.
		return []byte("data: " + payload + "\n\n"), nil
	}

	if perr := payloadError(doc, []byte(payload)); perr != nil {
		return nil, perr
	}
	if _, hasErr := doc["error"]; hasErr {
		raw := []byte(payload)
		return nil, &Error{Message: extractErrorMessage(raw), Payload: raw}
	}

	normalizeChunk(doc)

	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, &Error{Cause: err}
	}
	// Encode appends one newline; the SSE block needs a blank line.
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// Close terminates the stream, closes the upstream connection, and
// frees the account's concurrency slot. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
		if s.release != nil {
			s.release()
		}
	})
	return err
}

// normalizeChunk applies the reasoning aliases to each delta of a
// streamed chunk.
func normalizeChunk(doc map[string]any) {
	choices, _ := doc["choices"].([]any)
	for _, ch := range choices {
		choice, ok := ch.(map[string]any)
		if !ok {
			continue
		}
		if delta, ok := choice["delta"].(map[string]any); ok {
			normalizeMessage(delta)
		}
	}
}
