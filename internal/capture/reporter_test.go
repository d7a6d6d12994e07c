package capture

import (
	"errors"
	"sync"
)

var errReporterClosed = errors.New("reporter closed")

// recorder is a Reporter that keeps every event and can be made to fail.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	logs     []LogLine
	notes    []string
	limited  bool
	limit    int
	events   int
}

// failingRecorder accepts n events and rejects every later one.
func failingRecorder(n int) *recorder {
	return &recorder{limited: true, limit: n}
}

func (r *recorder) accept() error {
	r.events++
	if r.limited && r.events > r.limit {
		return errReporterClosed
	}
	return nil
}

func (r *recorder) Status(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.accept(); err != nil {
		return err
	}
	r.statuses = append(r.statuses, text)
	return nil
}

func (r *recorder) Log(line LogLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.accept(); err != nil {
		return err
	}
	r.logs = append(r.logs, line)
	return nil
}

func (r *recorder) Note(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.accept(); err != nil {
		return err
	}
	r.notes = append(r.notes, text)
	return nil
}

func (r *recorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recorder) LogTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.Text)
	}
	return out
}

func (r *recorder) Notes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}
