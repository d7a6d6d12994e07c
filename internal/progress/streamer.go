// Package progress delivers live capture progress to one client over a
// long-lived connection.
package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrClientGone is the cancellation cause once a write to the client fails.
var ErrClientGone = errors.New("client disconnected")

// errClosed is returned by writes after Close.
var errClosed = errors.New("progress stream closed")

// Streamer writes ordered, individually flushed chunks to an HTTP response.
// Chunks from concurrent writers never interleave.
type Streamer struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	ctx    context.Context
	cancel context.CancelCauseFunc
	opened bool
	closed bool
	broken bool
}

// NewStreamer prepares a streamer for r. Its context is cancelled when the
// request context ends or a write fails.
func NewStreamer(w http.ResponseWriter, r *http.Request) *Streamer {
	ctx, cancel := context.WithCancelCause(r.Context())
	return &Streamer{
		w:      w,
		rc:     http.NewResponseController(w),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is cancelled once the client is gone.
func (s *Streamer) Context() context.Context {
	return s.ctx
}

// Open sends the response headers and the initial shell.
func (s *Streamer) Open(contentType, shell string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return errors.New("progress stream already open")
	}
	s.opened = true

	h := s.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	return s.writeLocked(shell)
}

// WriteChunk writes text and flushes it to the client.
func (s *Streamer) WriteChunk(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return errors.New("progress stream not open")
	}
	return s.writeLocked(text)
}

func (s *Streamer) writeLocked(text string) error {
	if s.closed {
		return errClosed
	}
	if s.broken || s.ctx.Err() != nil {
		return s.goneErr()
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		return s.breakLocked(err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return s.breakLocked(err)
	}
	return nil
}

func (s *Streamer) breakLocked(err error) error {
	s.broken = true
	s.cancel(ErrClientGone)
	return fmt.Errorf("%w: %w: %w", context.Canceled, ErrClientGone, err)
}

func (s *Streamer) goneErr() error {
	return fmt.Errorf("%w: %w", context.Canceled, ErrClientGone)
}

// Close ends the stream. Later writes fail; the context is released.
func (s *Streamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel(errClosed)
	return nil
}
