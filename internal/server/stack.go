package server

import (
	"context"
	"errors"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/traceme/internal/capture"
)

// DefaultStackTimeout bounds one /stack request.
const DefaultStackTimeout = 20 * time.Second

var stackTemplate = template.Must(template.New("stack").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>traceme: stacks</title></head>
<body>
<h1>Thread stacks of {{.Target}}</h1>
<p><code>{{.Dump.Command}}</code> ({{.Took}}{{if not .Dump.OK}}, exit code {{.Dump.ExitCode}}{{end}})</p>
{{if .Error}}<p><strong>{{.Error}}</strong></p>{{end}}
{{if .Dump.Output}}<pre>{{.Dump.Output}}</pre>{{end}}
{{if .Dump.Stderr}}<h2>stderr</h2>
<pre>{{.Dump.Stderr}}</pre>{{end}}
<p><a href="/stack">Refresh</a> <a href="/">Back</a></p>
</body>
</html>
`))

// handleStack snapshots the target's thread stacks. ?format=text returns the
// raw dump. A failing dumper yields 502 and a timeout 504.
func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), s.stackTimeout)
	defer cancel()

	dump, err := s.stacks.Dump(ctx, s.target.PID)
	status := http.StatusOK
	result := "ok"
	var message string
	switch {
	case err != nil && r.Context().Err() != nil:
		s.stackResult("cancelled")
		logger.Debug().Err(err).Msg("Stack dump cancelled by client")
		return
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		status, result = http.StatusGatewayTimeout, "timeout"
		message = "stack dump timed out after " + s.stackTimeout.String()
	case err != nil:
		status, result = http.StatusBadGateway, "failed"
		message = err.Error()
	case !dump.OK():
		status, result = http.StatusBadGateway, "failed"
	}
	s.stackResult(result)

	logger.Info().
		Str("result", result).
		Int("exit_code", dump.ExitCode).
		Dur("took", dump.Took).
		Int("bytes", len(dump.Output)).
		Msg("Stack dump")

	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		out := dump.Output
		if status != http.StatusOK {
			out = joinNonEmpty(message, dump.Stderr, dump.Output)
		}
		_, _ = io.WriteString(w, out)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := struct {
		Target string
		Dump   capture.StackDump
		Took   string
		Error  string
	}{s.target.String(), dump, dump.Took.Round(time.Millisecond).String(), message}
	if err := stackTemplate.Execute(w, data); err != nil {
		logger.Debug().Err(err).Msg("Failed to render stacks")
	}
}

func (s *Server) stackResult(result string) {
	if s.metrics != nil {
		s.metrics.StackDump(result)
	}
}

func joinNonEmpty(parts ...string) string {
	var out string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
