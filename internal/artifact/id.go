package artifact

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// FileSuffix is appended to an id to form the artifact file name.
	FileSuffix = ".speedscope.json"

	idStampLayout = "20060102150405"
)

var idPattern = regexp.MustCompile(`^\d{14}_\d{3}$`)

// NewID formats t as yyyyMMddHHmmss_fff in local time.
func NewID(t time.Time) string {
	t = t.Local()
	return fmt.Sprintf("%s_%03d", t.Format(idStampLayout), t.Nanosecond()/int(time.Millisecond))
}

// ValidID reports whether id has the exact shape produced by NewID. It is the
// only check standing between a request path and a filesystem path.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// FileName returns the on-disk artifact name for id.
func FileName(id string) string {
	return id + FileSuffix
}
