package server

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/traceme/internal/artifact"
	"github.com/coral-mesh/traceme/internal/capture"
	cleanup "github.com/coral-mesh/traceme/internal/errors"
	"github.com/coral-mesh/traceme/internal/progress"
	"github.com/coral-mesh/traceme/internal/safe"
	"github.com/coral-mesh/traceme/internal/target"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>traceme</title></head>
<body>
<h1>traceme</h1>
<p>Target: {{.Target}}{{if .Target.Self}} (this sidecar){{end}}</p>
<form action="/traceme" method="get">
<label>Seconds <input type="number" name="seconds" min="{{.Min}}" max="{{.Max}}" value="{{.Default}}"></label>
<button type="submit">Capture CPU profile</button>
</form>
<p><a href="/profile_list">Captured profiles</a></p>
{{if .Stacks}}<p><a href="/stack">Thread stacks</a></p>{{end}}
</body>
</html>
`))

var listTemplate = template.Must(template.New("list").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>traceme: profiles</title></head>
<body>
<h1>Captured profiles</h1>
{{if .}}<ul>
{{range .}}<li><a href="{{.ViewerLink}}">{{.ID}}</a> ({{.Created}}) <a href="{{.Download}}">json</a></li>
{{end}}</ul>{{else}}<p>No profiles yet.</p>{{end}}
<p><a href="/">Back</a></p>
</body>
</html>
`))

type listItem struct {
	ID         string
	Created    string
	ViewerLink string
	Download   string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Target            target.Info
		Min, Max, Default int
		Stacks            bool
	}{s.target, capture.MinSeconds, capture.MaxSeconds, s.defaultSeconds, s.stacks != nil}
	if err := indexTemplate.Execute(w, data); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Failed to render index")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func (s *Server) request(r *http.Request) capture.Request {
	seconds := capture.ParseSeconds(r.URL.Query().Get("seconds"), s.defaultSeconds)
	return capture.NewRequest(seconds, s.target.PID, time.Now())
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	req := s.request(r)
	logger := *zerolog.Ctx(r.Context())

	ch, err := progress.NewHTMLChannel(w, r, req.Seconds)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to open progress stream")
		return
	}
	defer cleanup.DeferClose(logger, ch, "close progress stream")

	s.coord.Run(ch, req, logger)
}

func (s *Server) handleTraceWS(w http.ResponseWriter, r *http.Request) {
	req := s.request(r)
	logger := *zerolog.Ctx(r.Context())

	ch, err := progress.NewWSChannel(w, r)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to open websocket progress channel")
		return
	}
	defer cleanup.DeferClose(logger, ch, "close websocket progress channel")

	s.coord.Run(ch, req, logger)
}

// profileID accepts both "{id}.json" and "{id}.speedscope.json".
func profileID(file string) string {
	if id, ok := strings.CutSuffix(file, artifact.FileSuffix); ok {
		return id
	}
	id, _ := strings.CutSuffix(file, ".json")
	return id
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id := profileID(chi.URLParam(r, "file"))
	logger := zerolog.Ctx(r.Context()).With().Str("id", id).Logger()

	path, err := s.registry.Resolve(id)
	if err != nil {
		if errors.Is(err, artifact.ErrInvalidID) {
			s.download("bad_request")
			http.Error(w, "invalid trace id", http.StatusBadRequest)
			return
		}
		s.download("not_found")
		http.NotFound(w, r)
		return
	}

	f, info, err := safe.OpenRegular(path)
	if err != nil {
		logger.Debug().Err(err).Str("path", path).Msg("Artifact vanished before open")
		s.download("not_found")
		http.NotFound(w, r)
		return
	}
	defer cleanup.DeferClose(logger, f, "close artifact")

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		logger.Debug().Err(err).Msg("Failed to hash artifact")
		s.download("not_found")
		http.NotFound(w, r)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.download("not_found")
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", fmt.Sprintf(`"%016x"`, h.Sum64()))
	s.download("ok")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) download(result string) {
	if s.metrics != nil {
		s.metrics.Download(result)
	}
}

func (s *Server) handleProfileList(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.List()
	items := make([]listItem, 0, len(entries))
	for _, a := range entries {
		items = append(items, listItem{
			ID:         a.ID,
			Created:    a.CreatedAt.Format(time.DateTime),
			ViewerLink: s.coord.ViewerLink(a.ID),
			Download:   "/profile/" + a.ID + ".json",
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := listTemplate.Execute(w, items); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Failed to render profile list")
	}
}
