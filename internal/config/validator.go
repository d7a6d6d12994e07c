package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/traceme/internal/capture"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError collects every invalid field.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Validate checks the configuration for values the sidecar cannot run with.
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port", "port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.ViewerURL) == "" {
		add("server.viewer_url", "viewer url is required")
	}

	if strings.TrimSpace(c.Capture.OutputDir) == "" {
		add("capture.output_dir", "output directory is required")
	}
	if c.Capture.DefaultSeconds < capture.MinSeconds || c.Capture.DefaultSeconds > capture.MaxSeconds {
		add("capture.default_seconds", "must be between %d and %d", capture.MinSeconds, capture.MaxSeconds)
	}
	if len(c.Capture.Candidates) == 0 {
		add("capture.candidates", "at least one candidate is required")
	}

	usesTool := false
	for i, cand := range c.Capture.Candidates {
		field := fmt.Sprintf("capture.candidates[%d]", i)
		if strings.TrimSpace(cand.Label) == "" {
			add(field+".label", "label is required")
		}
		switch capture.BackendKind(cand.Backend) {
		case capture.BackendTool:
			usesTool = true
		case capture.BackendSession:
			switch cand.Label {
			case capture.SourceRuntime:
			case capture.SourcePprofHTTP:
				if c.Session.PprofURL == "" {
					add("session.pprof_url", "required by candidate %q", cand.Label)
				}
			default:
				add(field+".label", "unknown session source %q", cand.Label)
			}
		default:
			add(field+".backend", "unknown backend %q", cand.Backend)
		}
	}

	if usesTool {
		if _, err := capture.NewCommandTemplate(c.Tool.Binary, c.Tool.Args); err != nil {
			add("tool", "%v", err)
		}
	}

	if c.Session.PprofURL != "" {
		u, err := url.Parse(c.Session.PprofURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("session.pprof_url", "must be an http(s) URL")
		}
	}

	if c.Stack.Enabled {
		switch c.Stack.Source {
		case "", StackSourceAuto, capture.StackSourceRuntime:
		case capture.StackSourceTool:
			if _, err := capture.NewCommandTemplate(c.Stack.Binary, c.Stack.Args); err != nil {
				add("stack", "%v", err)
			}
		case capture.StackSourcePprofHTTP:
			if c.Session.PprofURL == "" {
				add("session.pprof_url", "required by stack source %q", c.Stack.Source)
			}
		default:
			add("stack.source", "must be auto, tool, runtime or pprof-http")
		}
		if c.Stack.Timeout < 0 {
			add("stack.timeout", "must not be negative")
		}
	}

	if c.Target.PID < 0 {
		add("target.pid", "pid must not be negative")
	}
	if c.Target.Port < 0 || c.Target.Port > 65535 {
		add("target.port", "port %d out of range", c.Target.Port)
	}
	if c.Target.Wait < 0 {
		add("target.wait", "must not be negative")
	}
	if c.Target.PID > 0 && c.Target.Port > 0 {
		add("target", "pid and port are mutually exclusive")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "auto", "console", "json":
	default:
		add("logging.format", "must be auto, console or json")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if strings.TrimSpace(c.Tracing.Endpoint) == "" {
				add("tracing.endpoint", "required by the otlp exporter")
			}
		case "stdout":
		default:
			add("tracing.exporter", "must be otlp or stdout")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			add("tracing.sample_rate", "must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}
