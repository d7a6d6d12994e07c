package target

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityMask(t *testing.T) {
	status := "Name:\tsidecar\nCapInh:\t0000000000000000\nCapEff:\t00000000a80425fb\n"
	mask, err := capabilityMask(strings.NewReader(status), "CapEff")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xa80425fb), mask)
	assert.Zero(t, mask&(1<<capSysPtrace))

	mask, err = capabilityMask(strings.NewReader("CapEff:\t0000000000080000\n"), "CapEff")
	require.NoError(t, err)
	assert.NotZero(t, mask&(1<<capSysPtrace))

	_, err = capabilityMask(strings.NewReader("Name:\tx\n"), "CapEff")
	assert.Error(t, err)
	_, err = capabilityMask(strings.NewReader("CapEff:\tzz\n"), "CapEff")
	assert.Error(t, err)
}

func TestCheckAccess(t *testing.T) {
	assert.True(t, CheckAccess(Info{Self: true}).Sufficient())
	assert.True(t, CheckAccess(Info{PID: 1}).SameUser, "unknown owner is not evidence")
	assert.False(t, Access{}.Sufficient())
	assert.True(t, Access{Ptrace: true}.Sufficient())
}
