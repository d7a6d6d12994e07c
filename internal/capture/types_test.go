package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", DefaultSeconds},
		{"abc", DefaultSeconds},
		{"1.5", DefaultSeconds},
		{"0", MinSeconds},
		{"-4", MinSeconds},
		{"1", 1},
		{" 7 ", 7},
		{"30", 30},
		{"31", MaxSeconds},
		{"100000", MaxSeconds},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSeconds(tt.raw, DefaultSeconds))
		})
	}
}

func TestNewRequest_ClampsSeconds(t *testing.T) {
	now := time.Now()
	assert.Equal(t, MaxSeconds, NewRequest(45, 1, now).Seconds)
	assert.Equal(t, MinSeconds, NewRequest(0, 1, now).Seconds)
	assert.Equal(t, 3*time.Second, NewRequest(3, 1, now).Duration())
}

func TestRemainingSeconds(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, RemainingSeconds(now.Add(2500*time.Millisecond), now))
	assert.Equal(t, 1, RemainingSeconds(now.Add(time.Millisecond), now))
	assert.Equal(t, 0, RemainingSeconds(now, now))
	assert.Equal(t, 0, RemainingSeconds(now.Add(-time.Second), now))
}

func TestSelectCandidates(t *testing.T) {
	all := []Candidate{
		{Backend: BackendTool, Label: "a"},
		{Backend: BackendSession, Label: "b", Platforms: []string{"windows"}},
		{Backend: BackendSession, Label: "c", Platforms: []string{"Linux", "darwin"}},
	}
	got := SelectCandidates(all, "linux")
	assert.Equal(t, []string{"a", "c"}, []string{got[0].Label, got[1].Label})
	assert.Len(t, SelectCandidates(all, "windows"), 2)
}

func TestResult_Started(t *testing.T) {
	r := StartFailure("")
	assert.False(t, r.Started())
	assert.Equal(t, -1, r.ExitCode)
	assert.NotEmpty(t, r.StartError)
	assert.True(t, Result{ExitCode: 3}.Started())
}
