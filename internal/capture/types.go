package capture

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// MinSeconds and MaxSeconds bound the capture duration.
	MinSeconds = 1
	MaxSeconds = 30
	// DefaultSeconds is used when the caller gives no usable duration.
	DefaultSeconds = 10
)

// ClampSeconds forces n into [MinSeconds, MaxSeconds].
func ClampSeconds(n int) int {
	if n < MinSeconds {
		return MinSeconds
	}
	if n > MaxSeconds {
		return MaxSeconds
	}
	return n
}

// ParseSeconds parses a user supplied duration. Empty or non-numeric input
// yields def; numeric input is clamped, never rejected.
func ParseSeconds(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return ClampSeconds(def)
	}
	return ClampSeconds(n)
}

// RemainingSeconds returns the whole seconds left until deadline, rounded up
// and never negative.
func RemainingSeconds(deadline, now time.Time) int {
	left := deadline.Sub(now).Seconds()
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left))
}

// Request is one inbound capture request.
type Request struct {
	Seconds     int
	PID         int
	RequestedAt time.Time
}

// NewRequest builds a Request with the duration clamped.
func NewRequest(seconds, pid int, now time.Time) Request {
	return Request{
		Seconds:     ClampSeconds(seconds),
		PID:         pid,
		RequestedAt: now,
	}
}

// Duration returns the capture duration.
func (r Request) Duration() time.Duration {
	return time.Duration(r.Seconds) * time.Second
}

// BackendKind selects the capture backend for a candidate.
type BackendKind string

const (
	// BackendTool runs an external profiling CLI.
	BackendTool BackendKind = "tool"
	// BackendSession streams an in-process profiling session.
	BackendSession BackendKind = "session"
)

// Candidate is one capture configuration to try.
type Candidate struct {
	Backend BackendKind
	// Label is the tool profile name or the session source.
	Label string
	// Platforms restricts the candidate to the given GOOS values. Empty means all.
	Platforms []string
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%s", c.Backend, c.Label)
}

// Supports reports whether the candidate is available on goos.
func (c Candidate) Supports(goos string) bool {
	if len(c.Platforms) == 0 {
		return true
	}
	for _, p := range c.Platforms {
		if strings.EqualFold(p, goos) {
			return true
		}
	}
	return false
}

// SelectCandidates keeps the candidates available on goos, in order.
func SelectCandidates(all []Candidate, goos string) []Candidate {
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if c.Supports(goos) {
			out = append(out, c)
		}
	}
	return out
}

// DefaultCandidates mirrors the profiles dotnet-trace has shipped with: the
// thread-time profile first, the older cpu-sampling profile as a fallback.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Backend: BackendTool, Label: "dotnet-sampled-thread-time"},
		{Backend: BackendTool, Label: "cpu-sampling"},
	}
}

// Result is the outcome of one backend attempt.
type Result struct {
	// ExitCode is -1 when the backend never started.
	ExitCode int
	Stdout   string
	Stderr   string
	// StartError is set when the backend could not be launched.
	StartError string
}

// Started reports whether the backend was launched.
func (r Result) Started() bool {
	return r.StartError == ""
}

// StartFailure builds the Result for a backend that could not be launched.
func StartFailure(msg string) Result {
	if msg == "" {
		msg = "unknown start error"
	}
	return Result{ExitCode: -1, StartError: msg}
}

// Source identifies which backend output stream a line came from.
type Source int

const (
	// Primary is the informational stream (stdout).
	Primary Source = iota
	// Secondary is the error stream (stderr).
	Secondary
)

func (s Source) String() string {
	if s == Secondary {
		return "stderr"
	}
	return "stdout"
}

// LogLine is one line of backend output.
type LogLine struct {
	Source Source
	Text   string
}

func (l LogLine) String() string {
	return "[" + l.Source.String() + "] " + l.Text
}

// Attempt carries everything a backend needs for one candidate.
type Attempt struct {
	Request   Request
	Candidate Candidate
	// ID is the artifact id the attempt is producing.
	ID string
	// OutputBase is the artifact path without the speedscope suffix.
	OutputBase string
	// ArtifactPath is where the speedscope JSON must end up.
	ArtifactPath string
}

// Reporter receives progress for the attempt in flight. A non-nil error means
// the client is gone and the attempt must be abandoned.
type Reporter interface {
	Status(text string) error
	Log(line LogLine) error
	Note(text string) error
}

// Backend executes capture attempts.
type Backend interface {
	// CommandLine describes how the attempt is launched.
	CommandLine(a Attempt) string
	// Capture runs one attempt. Failures are reported in the Result; a non-nil
	// error means the attempt was cancelled.
	Capture(ctx context.Context, a Attempt, rep Reporter) (Result, error)
}
