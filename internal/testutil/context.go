// Package testutil provides helpers shared by traceme tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// NewTestContext returns a context that ends after 30 seconds or when the
// test finishes, whichever comes first.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
