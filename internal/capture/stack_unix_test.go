//go:build unix

package capture

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/traceme/internal/testutil"
)

func newScriptStacks(t *testing.T, body, input string) *ToolStacks {
	t.Helper()
	s, err := NewToolStacks(ToolStackConfig{
		Binary:    testutil.WriteScript(t, body),
		Args:      []string{"{{.PID}}"},
		Input:     input,
		KillGrace: 2 * time.Second,
	}, testutil.NewTestLoggerWithOutput(t))
	require.NoError(t, err)
	return s
}

func TestToolStacks_Dump(t *testing.T) {
	s := newScriptStacks(t, `
echo "Thread (0x$1):"
read cmd
echo "  got $cmd"
echo "symbols missing" >&2
`, "bt all\n")

	dump, err := s.Dump(context.Background(), 4242)
	require.NoError(t, err)

	assert.True(t, dump.OK())
	assert.Equal(t, 4242, dump.PID)
	assert.Equal(t, "Thread (0x4242):\n  got bt all", dump.Output)
	assert.Equal(t, "symbols missing", dump.Stderr)
	assert.True(t, strings.HasSuffix(dump.Command, " 4242"))
}

func TestToolStacks_Failure(t *testing.T) {
	s := newScriptStacks(t, `echo "unable to attach to $1" >&2; exit 3`, "")

	dump, err := s.Dump(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, dump.OK())
	assert.Equal(t, 3, dump.ExitCode)
	assert.Equal(t, "unable to attach to 7", dump.Stderr)
}

func TestToolStacks_MissingBinary(t *testing.T) {
	s, err := NewToolStacks(ToolStackConfig{Binary: filepath.Join(t.TempDir(), "missing")}, testutil.NewTestLogger(t))
	require.NoError(t, err)

	dump, err := s.Dump(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, -1, dump.ExitCode)
	assert.NotEmpty(t, dump.Stderr)
}

func TestToolStacks_CancelKillsTree(t *testing.T) {
	childFile := filepath.Join(t.TempDir(), "child.pid")
	s := newScriptStacks(t, `
sleep 60 &
echo $! > `+childFile+`.tmp && mv `+childFile+`.tmp `+childFile+`
wait
`, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Dump(ctx, 1)
		done <- err
	}()

	var child int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(childFile)
		if err != nil {
			return false
		}
		child, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("dump did not return after cancel")
	}
	assert.Eventually(t, func() bool { return !Running(child) }, 5*time.Second, 50*time.Millisecond)
}
