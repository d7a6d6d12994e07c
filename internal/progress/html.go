package progress

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/coral-mesh/traceme/internal/capture"
)

const htmlShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>traceme: %d seconds</title>
<style>
body { font-family: sans-serif; margin: 1.5em; }
#status { font-weight: bold; margin-bottom: 1em; }
#log { background: #f6f6f6; padding: 0.5em; white-space: pre-wrap; font-family: monospace; }
</style>
<script>
function setStatus(s) { document.getElementById("status").textContent = s; }
function appendLog(s) { document.getElementById("log").textContent += s + "\n"; }
</script>
</head>
<body>
<div id="status">starting...</div>
<pre id="log"></pre>
`

// HTMLChannel renders progress as inline script chunks over a chunked HTML
// response.
type HTMLChannel struct {
	s *Streamer
}

var _ Channel = (*HTMLChannel)(nil)

// NewHTMLChannel opens the HTML progress page for a capture of seconds.
func NewHTMLChannel(w http.ResponseWriter, r *http.Request, seconds int) (*HTMLChannel, error) {
	s := NewStreamer(w, r)
	if err := s.Open("text/html; charset=utf-8", fmt.Sprintf(htmlShell, seconds)); err != nil {
		return nil, err
	}
	return &HTMLChannel{s: s}, nil
}

func script(body string) string {
	return "<script>" + body + "</script>\n"
}

func call(fn, arg string) string {
	return script(fn + `("` + template.JSEscapeString(arg) + `");`)
}

// Status implements capture.Reporter.
func (c *HTMLChannel) Status(text string) error {
	return c.s.WriteChunk(call("setStatus", text))
}

// Log implements capture.Reporter.
func (c *HTMLChannel) Log(line capture.LogLine) error {
	return c.s.WriteChunk(call("appendLog", line.String()))
}

// Note implements capture.Reporter.
func (c *HTMLChannel) Note(text string) error {
	return c.s.WriteChunk(call("appendLog", text))
}

// Redirect implements Channel.
func (c *HTMLChannel) Redirect(url string) error {
	return c.s.WriteChunk(script(`location.href = "` + template.JSEscapeString(url) + `";`))
}

// Fail implements Channel.
func (c *HTMLChannel) Fail(text string) error {
	return c.s.WriteChunk(call("setStatus", strings.TrimSpace(text)))
}

// Context implements Channel.
func (c *HTMLChannel) Context() context.Context {
	return c.s.Context()
}

// Close ends the page.
func (c *HTMLChannel) Close() error {
	if err := c.s.WriteChunk("</body>\n</html>\n"); err != nil {
		_ = c.s.Close()
		return nil
	}
	return c.s.Close()
}
