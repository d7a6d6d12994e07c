package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Stack dump sources.
const (
	StackSourceTool      = "tool"
	StackSourceRuntime   = SourceRuntime
	StackSourcePprofHTTP = SourcePprofHTTP
)

// DefaultStackBinary prints the managed thread stacks of a process.
const DefaultStackBinary = "dotnet-stack"

// maxStackBody bounds how much of a remote goroutine dump is kept.
const maxStackBody = 16 * 1024 * 1024

// DefaultStackArgs is the argument template for DefaultStackBinary.
func DefaultStackArgs() []string {
	return []string{"report", "-p", "{{.PID}}"}
}

// StackDump is one thread stack snapshot of a process.
type StackDump struct {
	PID     int
	Command string
	// Output holds the stacks; Stderr holds diagnostics from the dumper.
	Output   string
	Stderr   string
	ExitCode int
	Took     time.Duration
}

// OK reports whether the dumper finished cleanly.
func (d StackDump) OK() bool {
	return d.ExitCode == 0
}

// StackDumper snapshots the thread stacks of a running process. A non-nil
// error means the dump could not be taken at all; a failing dumper is
// reported through a non-zero ExitCode instead.
type StackDumper interface {
	Dump(ctx context.Context, pid int) (StackDump, error)
	Describe(pid int) string
}

// ToolStackConfig configures ToolStacks.
type ToolStackConfig struct {
	Binary string
	// Args are text/template strings; only {{.PID}} is meaningful.
	Args []string
	// Input, when set, is written to the tool's stdin, e.g. "bt all\n" for
	// an interactive debugger.
	Input     string
	Env       []string
	KillGrace time.Duration
}

// ToolStacks runs an external command that prints the target's stacks.
type ToolStacks struct {
	cmd       *CommandTemplate
	input     string
	env       []string
	killGrace time.Duration
	logger    zerolog.Logger
}

// NewToolStacks validates cfg and parses its argument templates.
func NewToolStacks(cfg ToolStackConfig, logger zerolog.Logger) (*ToolStacks, error) {
	if cfg.Binary == "" {
		cfg.Binary = DefaultStackBinary
	}
	if cfg.Args == nil {
		cfg.Args = DefaultStackArgs()
	}
	ct, err := NewCommandTemplate(cfg.Binary, cfg.Args)
	if err != nil {
		return nil, err
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	return &ToolStacks{
		cmd:       ct,
		input:     cfg.Input,
		env:       cfg.Env,
		killGrace: grace,
		logger:    logger.With().Str("component", "stacks").Logger(),
	}, nil
}

func stackAttempt(pid int) Attempt {
	return Attempt{Request: Request{PID: pid}}
}

// Describe implements StackDumper.
func (t *ToolStacks) Describe(pid int) string {
	return t.cmd.String(stackAttempt(pid))
}

// Dump implements StackDumper. Cancelling ctx kills the tool's process tree.
func (t *ToolStacks) Dump(ctx context.Context, pid int) (StackDump, error) {
	started := time.Now()
	dump := StackDump{PID: pid, Command: t.Describe(pid), ExitCode: -1}

	args, err := t.cmd.Build(stackAttempt(pid))
	if err != nil {
		dump.Stderr = err.Error()
		return dump, nil
	}

	// #nosec G204 - the binary and argument templates come from operator config.
	cmd := exec.Command(t.cmd.Binary(), args...)
	if len(t.env) > 0 {
		cmd.Env = append(cmd.Environ(), t.env...)
	}
	if t.input != "" {
		cmd.Stdin = strings.NewReader(t.input)
	}
	startInOwnGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return dump, fmt.Errorf("open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return dump, fmt.Errorf("open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		dump.Stderr = err.Error()
		dump.Took = time.Since(started)
		return dump, nil
	}

	logger := t.logger.With().Int("pid", cmd.Process.Pid).Int("target", pid).Logger()
	logger.Debug().Strs("args", args).Msg("Stack tool started")

	agg := NewAggregator(ctx, stdout, stderr)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range agg.Lines() {
		}
	}()
	exited := make(chan error, 1)
	go func() {
		<-agg.Done()
		exited <- cmd.Wait()
	}()

	select {
	case <-exited:
	case <-ctx.Done():
		run := &toolRun{cmd: cmd, exited: exited, forwarded: drained, grace: t.killGrace, logger: logger}
		_, err := run.abort(context.Cause(ctx))
		dump.Output = agg.Transcript(Primary)
		dump.Stderr = agg.Transcript(Secondary)
		dump.Took = time.Since(started)
		return dump, err
	}
	<-drained

	dump.ExitCode = exitStatus(cmd.ProcessState)
	dump.Output = agg.Transcript(Primary)
	dump.Stderr = agg.Transcript(Secondary)
	dump.Took = time.Since(started)
	logger.Debug().Int("exit_code", dump.ExitCode).Dur("took", dump.Took).Msg("Stack tool exited")
	return dump, nil
}

// RuntimeStacks dumps the goroutines of the sidecar process itself.
type RuntimeStacks struct{}

// Describe implements StackDumper.
func (RuntimeStacks) Describe(pid int) string {
	return fmt.Sprintf("runtime/pprof goroutine dump of pid %d", pid)
}

// Dump implements StackDumper.
func (RuntimeStacks) Dump(_ context.Context, pid int) (StackDump, error) {
	started := time.Now()
	dump := StackDump{PID: pid, Command: RuntimeStacks{}.Describe(pid)}
	if self := os.Getpid(); pid != self {
		dump.ExitCode = 1
		dump.Stderr = fmt.Sprintf("runtime stacks are only available for pid %d, not %d", self, pid)
		return dump, nil
	}

	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err != nil {
		return dump, fmt.Errorf("write goroutine profile: %w", err)
	}
	dump.Output = buf.String()
	dump.Took = time.Since(started)
	return dump, nil
}

// PprofHTTPStacks fetches the goroutine dump of a target exposing
// net/http/pprof.
type PprofHTTPStacks struct {
	BaseURL string
	Client  *http.Client
}

func (s PprofHTTPStacks) goroutineURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.BaseURL, "/") + "/debug/pprof/goroutine")
	if err != nil {
		return "", fmt.Errorf("parse pprof url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported pprof url scheme %q", u.Scheme)
	}
	u.RawQuery = url.Values{"debug": {"2"}}.Encode()
	return u.String(), nil
}

// Describe implements StackDumper.
func (s PprofHTTPStacks) Describe(pid int) string {
	return fmt.Sprintf("GET %s/debug/pprof/goroutine?debug=2 (pid %d)", strings.TrimRight(s.BaseURL, "/"), pid)
}

// Dump implements StackDumper.
func (s PprofHTTPStacks) Dump(ctx context.Context, pid int) (StackDump, error) {
	started := time.Now()
	dump := StackDump{PID: pid, Command: s.Describe(pid)}

	target, err := s.goroutineURL()
	if err != nil {
		return dump, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return dump, fmt.Errorf("build pprof request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return dump, context.Cause(ctx)
		}
		dump.ExitCode = 1
		dump.Stderr = err.Error()
		dump.Took = time.Since(started)
		return dump, nil
	}
	defer resp.Body.Close() // nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStackBody))
	dump.Took = time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			return dump, context.Cause(ctx)
		}
		dump.ExitCode = 1
		dump.Stderr = fmt.Sprintf("read goroutine dump: %v", err)
		return dump, nil
	}
	if resp.StatusCode != http.StatusOK {
		dump.ExitCode = 1
		dump.Stderr = fmt.Sprintf("pprof endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		return dump, nil
	}
	dump.Output = string(body)
	return dump, nil
}
