// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// =============================================================================
// CHAT STREAM
// =============================================================================

// ChunkCallback receives each validated chunk, in stream order.
type ChunkCallback func(chunk ChatChunk)

// ChatStream reads the newline-delimited JSON body of a streaming chat
// response. One JSON object per non-blank line; a malformed line is a
// local, recoverable parse error: logged and skipped, never fatal to
// the stream.
type ChatStream struct {
	body io.ReadCloser
	r    *bufio.Reader
	log  zerolog.Logger

	// PERFORMANCE: strings.Builder avoids quadratic allocations
	accumulator strings.Builder
	model       string
	parseErrors int
	done        bool
}

func newChatStream(body io.ReadCloser, log zerolog.Logger) *ChatStream {
	return &ChatStream{
		body: body,
		r:    bufio.NewReader(body),
		log:  log,
	}
}

// Process reads the stream to completion, invoking callback for each
// valid chunk. Returns nil on the terminal chunk or end-of-stream, and
// ctx.Err() when the context is cancelled at a chunk boundary.
func (s *ChatStream) Process(ctx context.Context, callback ChunkCallback) error {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, err := s.next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			// A cancelled request surfaces as a read error on the body.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return wrapTransportErr(err)
		}
		if chunk == nil {
			continue // blank or malformed line
		}

		callback(*chunk)
		if chunk.Done {
			s.done = true
			return nil
		}
	}
}

// next reads and parses a single line. Returns (nil, nil) for lines that
// should be skipped.
func (s *ChatStream) next() (*ChatChunk, error) {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if len(line) == 0 {
			return nil, err
		}
		// Fall through and parse the final unterminated line.
	}

	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}

	var chunk ChatChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		s.parseErrors++
		s.log.Warn().Err(err).Msg("skipping malformed stream line")
		return nil, nil
	}
	if err := chunk.Validate(); err != nil {
		s.parseErrors++
		s.log.Warn().Err(err).Msg("skipping invalid stream chunk")
		return nil, nil
	}

	if chunk.Model != "" {
		s.model = chunk.Model
	}
	if !chunk.Done {
		s.accumulator.WriteString(chunk.Message.Content)
	}

	return &chunk, nil
}

// Accumulated returns all content received so far.
func (s *ChatStream) Accumulated() string {
	return s.accumulator.String()
}

// Model returns the model name reported by the stream.
func (s *ChatStream) Model() string {
	return s.model
}

// ParseErrors returns how many lines were skipped as malformed.
func (s *ChatStream) ParseErrors() int {
	return s.parseErrors
}

// Done reports whether the terminal chunk was seen.
func (s *ChatStream) Done() bool {
	return s.done
}

// Close releases the underlying response body.
func (s *ChatStream) Close() error {
	return s.body.Close()
}
