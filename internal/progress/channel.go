package progress

import (
	"context"

	"github.com/coral-mesh/traceme/internal/capture"
)

// Channel is a per-request progress connection. Every method returns an
// error once the client is gone; callers treat that as cancellation.
type Channel interface {
	capture.Reporter
	// Redirect sends the client to url. It is the last event on success.
	Redirect(url string) error
	// Fail reports a terminal failure. It is the last event on failure.
	Fail(text string) error
	// Context is cancelled when the client disconnects.
	Context() context.Context
	Close() error
}
