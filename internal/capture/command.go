package capture

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// DefaultToolBinary is the profiling CLI launched by the tool backend.
const DefaultToolBinary = "dotnet-trace"

// DefaultToolArgs is the argument template for DefaultToolBinary. The tool
// writes {OutputBase}.nettrace and converts it to {OutputBase}.speedscope.json.
func DefaultToolArgs() []string {
	return []string{
		"collect",
		"--profile", "{{.Label}}",
		"--duration", "{{.Duration}}",
		"--format", "Speedscope",
		"-p", "{{.PID}}",
		"-o", "{{.OutputBase}}",
	}
}

// commandData is the value the argument templates are executed against.
type commandData struct {
	Label        string
	Duration     string
	Seconds      int
	PID          int
	ID           string
	OutputBase   string
	ArtifactPath string
}

// FormatDuration renders seconds as HH:MM:SS.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}

// CommandTemplate materializes a tool command line for an Attempt.
type CommandTemplate struct {
	binary string
	args   []*template.Template
}

// NewCommandTemplate parses one template per argument. Arguments are never
// re-split, so values with spaces stay a single argument.
func NewCommandTemplate(binary string, args []string) (*CommandTemplate, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, errors.New("tool binary is required")
	}

	ct := &CommandTemplate{binary: binary}
	for i, arg := range args {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parse argument %d %q: %w", i, arg, err)
		}
		ct.args = append(ct.args, tmpl)
	}
	return ct, nil
}

// Binary returns the executable name.
func (c *CommandTemplate) Binary() string {
	return c.binary
}

// Build returns the argument list for a.
func (c *CommandTemplate) Build(a Attempt) ([]string, error) {
	data := commandData{
		Label:        a.Candidate.Label,
		Duration:     FormatDuration(a.Request.Seconds),
		Seconds:      a.Request.Seconds,
		PID:          a.Request.PID,
		ID:           a.ID,
		OutputBase:   a.OutputBase,
		ArtifactPath: a.ArtifactPath,
	}

	args := make([]string, 0, len(c.args))
	var buf bytes.Buffer
	for _, tmpl := range c.args {
		buf.Reset()
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render argument %s: %w", tmpl.Name(), err)
		}
		args = append(args, buf.String())
	}
	return args, nil
}

// String renders a command line for display.
func (c *CommandTemplate) String(a Attempt) string {
	args, err := c.Build(a)
	if err != nil {
		return c.binary + " <invalid arguments: " + err.Error() + ">"
	}
	return strings.TrimSpace(c.binary + " " + strings.Join(args, " "))
}
