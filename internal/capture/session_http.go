package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SourcePprofHTTP is the session label for a target's net/http/pprof endpoint.
const SourcePprofHTTP = "pprof-http"

const defaultPprofStopGrace = 10 * time.Second

// PprofHTTPOpener streams a CPU profile from a target exposing
// net/http/pprof.
type PprofHTTPOpener struct {
	// BaseURL is the target's base URL, e.g. http://127.0.0.1:6060.
	BaseURL string
	Client  *http.Client
	// StopGrace is how long Stop waits for the target to finish the profile
	// before the request is cancelled.
	StopGrace time.Duration
}

func (o PprofHTTPOpener) profileURL(seconds int) (string, error) {
	u, err := url.Parse(strings.TrimRight(o.BaseURL, "/") + "/debug/pprof/profile")
	if err != nil {
		return "", fmt.Errorf("parse pprof url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported pprof url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("seconds", strconv.Itoa(seconds))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Describe implements SessionOpener.
func (o PprofHTTPOpener) Describe(pid int) string {
	return fmt.Sprintf("GET %s/debug/pprof/profile (pid %d)", strings.TrimRight(o.BaseURL, "/"), pid)
}

// Open implements SessionOpener. It returns once a connection to the target
// is established; the profile body arrives when the target finishes sampling.
func (o PprofHTTPOpener) Open(ctx context.Context, _ int, seconds int) (Session, error) {
	target, err := o.profileURL(seconds)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	connected := make(chan struct{})
	var connOnce sync.Once
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connOnce.Do(func() { close(connected) }) },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(reqCtx, trace), http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build pprof request: %w", err)
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	grace := o.StopGrace
	if grace <= 0 {
		grace = defaultPprofStopGrace
	}

	pr, pw := io.Pipe()
	s := &httpSession{r: pr, cancel: cancel, done: make(chan struct{}), grace: grace}
	failed := make(chan error, 1)

	go func() {
		defer close(s.done)
		resp, err := client.Do(req)
		if err != nil {
			failed <- err
			_ = pw.CloseWithError(err)
			return
		}
		defer resp.Body.Close() // nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("pprof endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			failed <- err
			_ = pw.CloseWithError(err)
			return
		}
		_, err = io.Copy(pw, resp.Body)
		_ = pw.CloseWithError(err)
	}()

	select {
	case <-connected:
		return s, nil
	case err := <-failed:
		cancel()
		return nil, fmt.Errorf("open pprof stream: %w", err)
	case <-ctx.Done():
		cancel()
		<-s.done
		return nil, context.Cause(ctx)
	}
}

type httpSession struct {
	r      *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	grace  time.Duration
}

func (s *httpSession) Stream() io.Reader { return s.r }

// Stop waits for the target to finish the profile, then cancels the request.
func (s *httpSession) Stop() error {
	t := time.NewTimer(s.grace)
	defer t.Stop()
	select {
	case <-s.done:
	case <-t.C:
		s.cancel()
		<-s.done
		s.cancel()
		return fmt.Errorf("pprof endpoint did not finish within %s", s.grace)
	}
	s.cancel()
	return nil
}
