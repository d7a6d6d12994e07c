package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	aggregatorBuffer = 64
	maxLineSize      = 1024 * 1024
)

// Aggregator merges the two output streams of a backend into one channel of
// LogLines. Lines from one stream keep their order; the interleaving of the
// two streams is arrival order. The channel is closed once both streams hit
// EOF. An Aggregator is single use.
type Aggregator struct {
	lines chan LogLine
	done  chan struct{}

	mu          sync.Mutex
	transcripts [2]strings.Builder
	err         error
}

// NewAggregator starts one reader per stream. After ctx is cancelled lines
// are still read to EOF, so the producer never blocks on a full pipe, but they
// are no longer pushed to the channel.
func NewAggregator(ctx context.Context, primary, secondary io.Reader) *Aggregator {
	a := &Aggregator{
		lines: make(chan LogLine, aggregatorBuffer),
		done:  make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(func() error { return a.pump(ctx, Primary, primary) })
	g.Go(func() error { return a.pump(ctx, Secondary, secondary) })

	go func() {
		err := g.Wait()
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.lines)
		close(a.done)
	}()

	return a
}

// Lines returns the merged stream. It is closed after both producers finish.
func (a *Aggregator) Lines() <-chan LogLine {
	return a.lines
}

// Done is closed once both producers have reached EOF.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// Transcript returns everything read from src so far, newline separated.
func (a *Aggregator) Transcript(src Source) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transcripts[src].String()
}

// Err returns the first read error once Done is closed.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Aggregator) pump(ctx context.Context, src Source, r io.Reader) error {
	if r == nil {
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := LogLine{Source: src, Text: scanner.Text()}
		a.record(line)
		if ctx.Err() != nil {
			continue
		}
		select {
		case a.lines <- line:
		case <-ctx.Done():
		}
	}

	if err := scanner.Err(); err != nil {
		// Keep the pipe drained so the writer can exit.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("read %s: %w", src, err)
	}
	return nil
}

func (a *Aggregator) record(line LogLine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := &a.transcripts[line.Source]
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(line.Text)
}
