package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/coral-mesh/traceme/internal/capture"
)

// Config is the sidecar configuration. Values are layered: defaults, then the
// YAML file, then TRACEME_* environment variables, then command-line flags.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Capture CaptureConfig `yaml:"capture"`
	Tool    ToolConfig    `yaml:"tool"`
	Session SessionConfig `yaml:"session"`
	Stack   StackConfig   `yaml:"stack"`
	Target  TargetConfig  `yaml:"target"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"TRACEME_HOST"`
	Port int    `yaml:"port" env:"TRACEME_PORT"`
	// ViewerURL is the flame graph viewer the client is redirected to.
	ViewerURL string `yaml:"viewer_url" env:"TRACEME_VIEWER_URL"`
	// ViewerDir, when set, is served under /speedscope/.
	ViewerDir       string        `yaml:"viewer_dir" env:"TRACEME_VIEWER_DIR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"TRACEME_SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CaptureConfig configures capture orchestration.
type CaptureConfig struct {
	OutputDir          string        `yaml:"output_dir" env:"TRACEME_OUTPUT_DIR"`
	DefaultSeconds     int           `yaml:"default_seconds" env:"TRACEME_DEFAULT_SECONDS"`
	Candidates         CandidateList `yaml:"candidates" env:"TRACEME_CANDIDATES"`
	UnsupportedPhrases []string      `yaml:"unsupported_phrases" env:"TRACEME_UNSUPPORTED_PHRASES"`
}

// ToolConfig configures the external profiling tool.
type ToolConfig struct {
	Binary    string        `yaml:"binary" env:"TRACEME_TOOL_BINARY"`
	Args      []string      `yaml:"args"`
	Env       []string      `yaml:"env,omitempty"`
	KillGrace time.Duration `yaml:"kill_grace" env:"TRACEME_KILL_GRACE"`
}

// SessionConfig configures in-process session sources.
type SessionConfig struct {
	// PprofURL is the base URL of the target's net/http/pprof handlers.
	PprofURL  string        `yaml:"pprof_url" env:"TRACEME_PPROF_URL"`
	StopGrace time.Duration `yaml:"stop_grace" env:"TRACEME_STOP_GRACE"`
}

// StackConfig configures /stack thread dumps.
type StackConfig struct {
	Enabled bool `yaml:"enabled" env:"TRACEME_STACK_ENABLED"`
	// Source is auto, tool, runtime or pprof-http. Auto picks runtime for the
	// sidecar itself, pprof-http when session.pprof_url is set, else tool.
	Source string   `yaml:"source" env:"TRACEME_STACK_SOURCE"`
	Binary string   `yaml:"binary" env:"TRACEME_STACK_BINARY"`
	Args   []string `yaml:"args"`
	// Input is written to the tool's stdin.
	Input   string        `yaml:"input,omitempty" env:"TRACEME_STACK_INPUT"`
	Timeout time.Duration `yaml:"timeout" env:"TRACEME_STACK_TIMEOUT"`
}

// TargetConfig selects the profiled process.
type TargetConfig struct {
	// PID of the target. Zero with no Port means the sidecar itself.
	PID int `yaml:"pid" env:"TRACEME_PID"`
	// Port selects the process listening on this TCP port instead of PID.
	Port int `yaml:"port" env:"TRACEME_TARGET_PORT"`
	// Wait is how long to wait at startup for a listener on Port.
	Wait time.Duration `yaml:"wait" env:"TRACEME_TARGET_WAIT"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"TRACEME_LOG_LEVEL"`
	// Format is auto, console or json.
	Format string `yaml:"format" env:"TRACEME_LOG_FORMAT"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"TRACEME_METRICS_ENABLED"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" env:"TRACEME_TRACING_ENABLED"`
	// Exporter is otlp or stdout.
	Exporter   string  `yaml:"exporter" env:"TRACEME_TRACING_EXPORTER"`
	Endpoint   string  `yaml:"endpoint" env:"TRACEME_TRACING_ENDPOINT"`
	Insecure   bool    `yaml:"insecure" env:"TRACEME_TRACING_INSECURE"`
	SampleRate float64 `yaml:"sample_rate" env:"TRACEME_TRACING_SAMPLE_RATE"`
}

// CandidateConfig is one capture candidate.
type CandidateConfig struct {
	Backend   string   `yaml:"backend"`
	Label     string   `yaml:"label"`
	Platforms []string `yaml:"platforms,omitempty"`
}

// CandidateList is an ordered candidate list. In the environment it is
// written as "backend:label[@os|os],..." for example
// "tool:cpu-sampling,session:runtime@linux|darwin".
type CandidateList []CandidateConfig

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *CandidateList) UnmarshalText(text []byte) error {
	var out CandidateList
	for _, item := range strings.Split(string(text), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		backend, rest, ok := strings.Cut(item, ":")
		if !ok {
			return fmt.Errorf("candidate %q: want backend:label", item)
		}
		c := CandidateConfig{Backend: strings.TrimSpace(backend)}
		label, platforms, hasPlatforms := strings.Cut(rest, "@")
		c.Label = strings.TrimSpace(label)
		if hasPlatforms {
			for _, p := range strings.Split(platforms, "|") {
				if p = strings.TrimSpace(p); p != "" {
					c.Platforms = append(c.Platforms, p)
				}
			}
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

// Candidates converts the list for the capture package.
func (l CandidateList) Candidates() []capture.Candidate {
	out := make([]capture.Candidate, 0, len(l))
	for _, c := range l {
		out = append(out, capture.Candidate{
			Backend:   capture.BackendKind(c.Backend),
			Label:     c.Label,
			Platforms: c.Platforms,
		})
	}
	return out
}
