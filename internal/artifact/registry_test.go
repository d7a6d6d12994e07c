package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 7*int(time.Millisecond), time.Local)
	id := NewID(ts)

	assert.Equal(t, "20240101000000_007", id)
	assert.True(t, ValidID(id))
}

func TestValidID(t *testing.T) {
	valid := []string{"20240101000000_000", "19991231235959_999"}
	invalid := []string{
		"abc",
		"",
		"20240101000000.000",
		"20240101000000_00",
		"2024010100000_000",
		"../20240101000000_000",
		"20240101000000_000/../../etc/passwd",
		"20240101000000_000\n",
	}

	for _, id := range valid {
		assert.True(t, ValidID(id), id)
	}
	for _, id := range invalid {
		assert.False(t, ValidID(id), id)
	}
}

func TestRegistry_ReserveIsCollisionFree(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	now := time.Now()

	a := reg.Reserve(now)
	b := reg.Reserve(now)
	c := reg.Reserve(now)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, b.ID, c.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, reg.PathFor(a.ID), a.Path)
	assert.Equal(t, 3, reg.Len())
	assert.Zero(t, reg.ConfirmedLen())
	assert.Empty(t, reg.List(), "speculative entries are not listed")
}

func TestRegistry_Resolve(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)

	_, err := reg.Resolve("abc")
	assert.ErrorIs(t, err, ErrInvalidID)

	// No entry, no file.
	_, err = reg.Resolve("20240101000000_000")
	assert.ErrorIs(t, err, ErrNotFound)

	// No entry, but a file following the naming convention exists.
	conventional := filepath.Join(dir, "20240101000000_000.speedscope.json")
	require.NoError(t, os.WriteFile(conventional, []byte("{}"), 0o600))
	path, err := reg.Resolve("20240101000000_000")
	require.NoError(t, err)
	assert.Equal(t, conventional, path)

	// Entry pointing at a file that is gone.
	a := reg.Reserve(time.Date(2024, 2, 2, 0, 0, 0, 0, time.Local))
	_, err = reg.Resolve(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Entry with an explicit path elsewhere.
	other := filepath.Join(t.TempDir(), "custom.json")
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o600))
	reg.put(a.ID, other)
	_, err = reg.Resolve(a.ID)
	assert.ErrorIs(t, err, ErrNotFound, "in-flight entries are not served")

	require.True(t, reg.Confirm(a.ID))
	path, err = reg.Resolve(a.ID)
	require.NoError(t, err)
	assert.Equal(t, other, path)
}

func TestRegistry_ConfirmAndRemove(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	old := reg.Reserve(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local))
	newer := reg.Reserve(time.Date(2024, 1, 2, 0, 0, 0, 0, time.Local))

	assert.True(t, reg.Confirm(old.ID))
	assert.True(t, reg.Confirm(newer.ID))
	assert.False(t, reg.Confirm("20000101000000_000"))
	reg.Reserve(time.Date(2024, 1, 3, 0, 0, 0, 0, time.Local))
	assert.Equal(t, 2, reg.ConfirmedLen())

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, old.ID, list[1].ID)

	reg.Remove(newer.ID)
	reg.Remove(newer.ID)
	_, ok := reg.Get(newer.ID)
	assert.False(t, ok)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 1, reg.ConfirmedLen())
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	now := time.Now()

	const workers = 32
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := reg.Reserve(now)
			if i%2 == 0 {
				reg.Remove(a.ID)
				return
			}
			assert.NoError(t, os.WriteFile(a.Path, []byte(fmt.Sprintf(`{"n":%d}`, i)), 0o600))
			reg.Confirm(a.ID)
			_, _ = reg.Resolve(a.ID)
			ids <- a.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		_, err := reg.Resolve(id)
		assert.NoError(t, err)
	}
	assert.Len(t, seen, workers/2)
	assert.Equal(t, workers/2, reg.Len())
}
