package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:10", FormatDuration(10))
	assert.Equal(t, "00:01:05", FormatDuration(65))
	assert.Equal(t, "01:00:00", FormatDuration(3600))
	assert.Equal(t, "00:00:00", FormatDuration(-1))
}

func TestCommandTemplate_DefaultArgs(t *testing.T) {
	ct, err := NewCommandTemplate(DefaultToolBinary, DefaultToolArgs())
	require.NoError(t, err)

	a := Attempt{
		Request:    Request{Seconds: 10, PID: 4242},
		Candidate:  Candidate{Backend: BackendTool, Label: "cpu-sampling"},
		ID:         "20240101000000_000",
		OutputBase: "/tmp/out dir/20240101000000_000",
	}
	args, err := ct.Build(a)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"collect",
		"--profile", "cpu-sampling",
		"--duration", "00:00:10",
		"--format", "Speedscope",
		"-p", "4242",
		"-o", "/tmp/out dir/20240101000000_000",
	}, args)

	assert.Equal(t,
		"dotnet-trace collect --profile cpu-sampling --duration 00:00:10 --format Speedscope -p 4242 -o /tmp/out dir/20240101000000_000",
		ct.String(a))
}

func TestCommandTemplate_Errors(t *testing.T) {
	_, err := NewCommandTemplate("", nil)
	assert.Error(t, err)

	_, err = NewCommandTemplate("tool", []string{"{{.Label"})
	assert.Error(t, err)

	ct, err := NewCommandTemplate("tool", []string{"{{.Missing}}"})
	require.NoError(t, err)
	_, err = ct.Build(Attempt{})
	assert.Error(t, err)
	assert.Contains(t, ct.String(Attempt{}), "invalid arguments")
}
