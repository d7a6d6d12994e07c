package capture

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, a *Aggregator) []LogLine {
	t.Helper()
	var out []LogLine
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-a.Lines():
			if !ok {
				return out
			}
			out = append(out, line)
		case <-timeout:
			t.Fatal("aggregator did not close")
		}
	}
}

func TestAggregator_PreservesPerSourceOrder(t *testing.T) {
	a := NewAggregator(context.Background(),
		strings.NewReader("p1\np2\n"),
		strings.NewReader("s1\n"))

	lines := collect(t, a)
	require.Len(t, lines, 3)

	var primary []string
	var sawS1 bool
	for _, l := range lines {
		switch l.Source {
		case Primary:
			primary = append(primary, l.Text)
		case Secondary:
			sawS1 = sawS1 || l.Text == "s1"
		}
	}
	assert.Equal(t, []string{"p1", "p2"}, primary)
	assert.True(t, sawS1)

	<-a.Done()
	assert.NoError(t, a.Err())
	assert.Equal(t, "p1\np2", a.Transcript(Primary))
	assert.Equal(t, "s1", a.Transcript(Secondary))
}

func TestAggregator_ClosesOnlyAfterBothProducers(t *testing.T) {
	slowR, slowW := io.Pipe()
	a := NewAggregator(context.Background(), strings.NewReader("fast\n"), slowR)

	first := <-a.Lines()
	assert.Equal(t, "fast", first.Text)

	select {
	case <-a.Done():
		t.Fatal("closed before the second producer finished")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := slowW.Write([]byte("late\n"))
	require.NoError(t, err)
	require.NoError(t, slowW.Close())

	rest := collect(t, a)
	require.Len(t, rest, 1)
	assert.Equal(t, LogLine{Source: Secondary, Text: "late"}, rest[0])
}

func TestAggregator_CancelledContextStillDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sb strings.Builder
	for i := 0; i < aggregatorBuffer*4; i++ {
		sb.WriteString("line\n")
	}
	a := NewAggregator(ctx, strings.NewReader(sb.String()), strings.NewReader(""))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("producers blocked after cancellation")
	}
	assert.Equal(t, aggregatorBuffer*4, strings.Count(a.Transcript(Primary), "line"))
}

func TestLogLine_String(t *testing.T) {
	assert.Equal(t, "[stdout] hello", LogLine{Source: Primary, Text: "hello"}.String())
	assert.Equal(t, "[stderr] oops", LogLine{Source: Secondary, Text: "oops"}.String())
}
