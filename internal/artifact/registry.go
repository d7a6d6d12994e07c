// Package artifact tracks speedscope artifacts produced by captures so a later
// request can download them by id.
package artifact

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coral-mesh/traceme/internal/safe"
)

var (
	// ErrInvalidID is returned for ids that do not match the id pattern.
	ErrInvalidID = errors.New("invalid trace id")
	// ErrNotFound is returned when no artifact file can be resolved for an id.
	ErrNotFound = errors.New("artifact not found")
)

// Artifact is one registry entry.
type Artifact struct {
	ID        string
	Path      string
	CreatedAt time.Time
	// Confirmed is false while the capture that owns the entry is in flight.
	Confirmed bool
}

// Registry maps trace ids to artifact paths. It is an in-memory hint only:
// Resolve re-checks the file on disk every time.
//
// Entries are never evicted; artifacts accumulate for the process lifetime.
type Registry struct {
	dir string

	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewRegistry creates a registry whose naming-convention fallback looks in dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:     dir,
		entries: make(map[string]Artifact),
	}
}

// Dir returns the artifact directory.
func (r *Registry) Dir() string {
	return r.dir
}

// PathFor returns the conventional artifact path for id.
func (r *Registry) PathFor(id string) string {
	return filepath.Join(r.dir, FileName(id))
}

// Reserve allocates a fresh id derived from now and inserts a speculative entry
// for it. If the id is taken the timestamp advances by a millisecond until a
// free one is found.
func (r *Registry) Reserve(now time.Time) Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := NewID(now)
		if _, taken := r.entries[id]; !taken {
			a := Artifact{ID: id, Path: r.PathFor(id), CreatedAt: now}
			r.entries[id] = a
			return a
		}
		now = now.Add(time.Millisecond)
	}
}

// put records path for id, replacing any existing entry. The entry stays
// unconfirmed until Confirm is called.
func (r *Registry) put(id, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.entries[id]
	if !ok {
		a = Artifact{ID: id, CreatedAt: time.Now()}
	}
	a.Path = path
	r.entries[id] = a
}

// Confirm marks id as a finished artifact. It reports false for unknown ids.
func (r *Registry) Confirm(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.entries[id]
	if !ok {
		return false
	}
	a.Confirmed = true
	r.entries[id] = a
	return true
}

// Remove deletes the entry for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Get returns the entry for id without touching the filesystem.
func (r *Registry) Get(id string) (Artifact, bool) {
	r.mu.RLock()
	a, ok := r.entries[id]
	r.mu.RUnlock()
	return a, ok
}

// Resolve returns the path of an existing artifact file for id. A registry
// miss falls back to the conventional path when that file exists. Entries of
// captures still in flight are not resolvable.
func (r *Registry) Resolve(id string) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}

	path := r.PathFor(id)
	if a, ok := r.Get(id); ok {
		if !a.Confirmed {
			return "", ErrNotFound
		}
		if a.Path != "" {
			path = a.Path
		}
	}

	if _, err := safe.StatRegular(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, safe.ErrNotRegular) {
			return "", ErrNotFound
		}
		return "", errors.Join(ErrNotFound, err)
	}
	return path, nil
}

// List returns confirmed artifacts, newest first.
func (r *Registry) List() []Artifact {
	r.mu.RLock()
	out := make([]Artifact, 0, len(r.entries))
	for _, a := range r.entries {
		if a.Confirmed {
			out = append(out, a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// ConfirmedLen returns the number of confirmed entries.
func (r *Registry) ConfirmedLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.entries {
		if a.Confirmed {
			n++
		}
	}
	return n
}

// Len returns the number of entries, confirmed or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
