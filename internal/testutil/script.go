package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteScript creates an executable shell script standing in for a
// profiling tool and returns its path.
func WriteScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil { //nolint:gosec // test script must be executable
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}
