package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"sync"
)

// SourceRuntime is the session label for the sidecar's own Go CPU profiler.
const SourceRuntime = "runtime"

// RuntimeOpener profiles the sidecar process itself with runtime/pprof.
// The Go runtime allows one CPU profile per process, so a second concurrent
// Open fails.
type RuntimeOpener struct{}

// Describe implements SessionOpener.
func (RuntimeOpener) Describe(pid int) string {
	return fmt.Sprintf("runtime/pprof cpu profile of pid %d", pid)
}

// Open implements SessionOpener.
func (RuntimeOpener) Open(_ context.Context, pid, _ int) (Session, error) {
	if self := os.Getpid(); pid != self {
		return nil, fmt.Errorf("runtime session can only profile pid %d, not %d", self, pid)
	}
	pr, pw := io.Pipe()
	if err := pprof.StartCPUProfile(pw); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start cpu profile: %w", err)
	}
	return &runtimeSession{r: pr, w: pw}, nil
}

type runtimeSession struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
}

func (s *runtimeSession) Stream() io.Reader { return s.r }

// Stop flushes the profile into the pipe; the stream must be drained
// concurrently or Stop blocks.
func (s *runtimeSession) Stop() error {
	s.once.Do(func() {
		pprof.StopCPUProfile()
		_ = s.w.Close()
	})
	return nil
}
