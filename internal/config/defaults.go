package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/coral-mesh/traceme/internal/capture"
)

const (
	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "traceme.yaml"

	DefaultHost      = "0.0.0.0"
	DefaultPort      = 5000
	DefaultViewerURL = "/speedscope/index.html"

	// StackSourceAuto picks the stack dumper from the target.
	StackSourceAuto = "auto"
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	candidates := make(CandidateList, 0, 2)
	for _, c := range capture.DefaultCandidates() {
		candidates = append(candidates, CandidateConfig{Backend: string(c.Backend), Label: c.Label})
	}

	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ViewerURL:       DefaultViewerURL,
			ShutdownTimeout: 10 * time.Second,
		},
		Capture: CaptureConfig{
			OutputDir:          filepath.Join(os.TempDir(), "traceme"),
			DefaultSeconds:     capture.DefaultSeconds,
			Candidates:         candidates,
			UnsupportedPhrases: capture.DefaultUnsupportedPhrases(),
		},
		Tool: ToolConfig{
			Binary:    capture.DefaultToolBinary,
			Args:      capture.DefaultToolArgs(),
			KillGrace: 5 * time.Second,
		},
		Session: SessionConfig{
			StopGrace: 10 * time.Second,
		},
		Stack: StackConfig{
			Enabled: true,
			Source:  StackSourceAuto,
			Binary:  capture.DefaultStackBinary,
			Args:    capture.DefaultStackArgs(),
			Timeout: 20 * time.Second,
		},
		Target: TargetConfig{
			Wait: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1,
		},
	}
}
