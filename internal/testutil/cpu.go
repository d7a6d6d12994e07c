package testutil

import (
	"sync/atomic"
	"testing"
)

var burnSink atomic.Uint64

// BurnCPU keeps one goroutine busy until the test finishes, so CPU profiles
// taken during the test have samples.
func BurnCPU(t *testing.T) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		var x uint64
		for {
			select {
			case <-stop:
				burnSink.Store(x)
				return
			default:
				for i := uint64(0); i < 100000; i++ {
					x += i * i
				}
			}
		}
	}()
}
