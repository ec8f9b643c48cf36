// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes server-sent event reply streams into fragments.
//
// The server writes newline-delimited records. Reply text arrives in
// "data:" records, one fragment per record, and the literal record
// "data: [DONE]" terminates the stream. Anything else on the wire
// (comments, event names, blank keep-alive lines) is ignored.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// doneSentinel is the payload that marks the end of a reply stream.
const doneSentinel = "[DONE]"

// dataPrefix starts every record that carries reply text. The SSE field
// separator is a colon with an optional single space after it.
var dataPrefix = []byte("data:")

// ErrTruncated indicates the stream ended before the [DONE] sentinel.
// Fragments decoded so far are still valid; the reply is just incomplete.
var ErrTruncated = errors.New("stream ended before completion sentinel")

// =============================================================================
// READER
// =============================================================================

// Reader decodes one reply stream from an io.Reader.
//
// Network reads can split a record anywhere, including inside a multi-byte
// UTF-8 character. The bufio layer reassembles bytes into whole lines before
// any decoding happens, so fragment payloads are never cut mid-character.
type Reader struct {
	reader    *bufio.Reader
	done      bool
	truncated bool
	fragments int
}

// NewReader creates a Reader over a response body.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		reader: bufio.NewReader(r),
	}
}

// Next returns the next fragment from the stream.
//
// It returns io.EOF after the [DONE] sentinel, and ErrTruncated if the
// underlying reader ends without one. Cancellation is checked between
// records; callers abort a blocked read by closing the response body.
func (s *Reader) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		if s.done {
			if s.truncated {
				return "", ErrTruncated
			}
			return "", io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				s.done = true
				// Process a final record that lacks a trailing newline.
				if payload, ok := s.decodeLine(line); ok {
					if payload == doneSentinel {
						return "", io.EOF
					}
					// The stream still ended without [DONE]; deliver the
					// fragment now and report truncation on the next call.
					s.truncated = true
					s.fragments++
					return payload, nil
				}
				s.truncated = true
				return "", ErrTruncated
			}
			return "", err
		}

		payload, ok := s.decodeLine(line)
		if !ok {
			continue
		}
		if payload == doneSentinel {
			s.done = true
			return "", io.EOF
		}
		s.fragments++
		return payload, nil
	}
}

// Process reads the whole stream and calls the callback for each fragment.
// Blocks until the stream completes, the callback errors, or the context is
// cancelled.
func (s *Reader) Process(ctx context.Context, callback func(fragment string) error) error {
	for {
		fragment, err := s.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := callback(fragment); err != nil {
			return err
		}
	}
}

// Fragments returns the number of fragments decoded so far.
func (s *Reader) Fragments() int {
	return s.fragments
}

// decodeLine extracts the payload from one wire line. The second return is
// false for lines that carry no reply text.
func (s *Reader) decodeLine(line []byte) (string, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return "", false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := line[len(dataPrefix):]
	// One optional space after the colon is separator, not content.
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return string(payload), true
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

// Accumulator collects fragments into the full reply text.
type Accumulator struct {
	// PERFORMANCE: strings.Builder avoids quadratic allocations
	content   strings.Builder
	fragments int
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add appends one fragment.
func (a *Accumulator) Add(fragment string) {
	a.content.WriteString(fragment)
	a.fragments++
}

// String returns the accumulated reply text.
func (a *Accumulator) String() string {
	return a.content.String()
}

// Fragments returns the number of fragments added.
func (a *Accumulator) Fragments() int {
	return a.fragments
}
