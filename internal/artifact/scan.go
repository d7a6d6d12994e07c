package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coral-mesh/traceme/internal/safe"
)

// ParseID parses the timestamp embedded in a valid id.
func ParseID(id string) (time.Time, bool) {
	if !ValidID(id) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(idStampLayout, id[:len(idStampLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	ms := 0
	for _, c := range id[len(idStampLayout)+1:] {
		ms = ms*10 + int(c-'0')
	}
	return t.Add(time.Duration(ms) * time.Millisecond), true
}

// Stored is an artifact file found on disk.
type Stored struct {
	ID        string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Scan lists the artifact files in dir, newest first. Files that do not
// follow the naming convention, and anything that is not a regular file,
// are skipped. A missing dir is empty.
func Scan(dir string) ([]Stored, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Stored
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), FileSuffix)
		if !ok {
			continue
		}
		created, ok := ParseID(id)
		if !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := safe.StatRegular(path)
		if err != nil {
			continue
		}
		out = append(out, Stored{ID: id, Path: path, Size: info.Size(), CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
