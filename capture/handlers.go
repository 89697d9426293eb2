package capture

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagekeep/shield"
)

// captureWriteSlack covers encoding the response after a capture returns.
const captureWriteSlack = 10 * time.Second

// Handler returns pagekeep's HTTP surface:
//
//	POST   /capture                       {url} -> {captureId}
//	GET    /content/{captureId}           stored snapshot document
//	GET    /content/{captureId}/markdown  snapshot as Markdown
//	GET    /asset/{captureId}?url=        proxied asset or placeholder
//	GET    /healthz, /metrics
//	GET    /captures, DELETE /capture/{captureId}   (admin)
//	       /mcp                                     (admin, MCP streamable HTTP)
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.config.Limits.MaxBodyBytes) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil && s.config.Observability.Metrics {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
		r.With(s.limiter.Middleware).Post("/capture", s.handleCapture)
	})

	r.Group(func(r chi.Router) {
		r.Use(shield.SecurityHeaders(shield.SnapshotHeaders(s.config.Content.Sandbox)))
		r.Get("/content/{captureId}", s.handleContent)
		r.Get("/content/{captureId}/markdown", s.handleMarkdown)
	})

	r.Get("/asset/{captureId}", s.proxy.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
		// Everything here can list or delete snapshots, so nothing is
		// mounted without an admin account.
		if s.config.Admin.User == "" {
			return
		}
		r.Use(shield.BasicAuth("pagekeep", s.config.Admin.User, s.config.Admin.PasswordHash))
		r.Get("/captures", s.handleList)
		r.Delete("/capture/{captureId}", s.handleDelete)
		if s.config.MCP.Enabled {
			srv := s.NewMCPServer()
			r.With(s.stampClient).Handle("/mcp",
				mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
		}
	})
	return r
}

func (s *Service) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	// The server-wide write timeout is sized for content and assets.
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Now().Add(s.config.Limits.CaptureTimeout + captureWriteSlack))
	res, err := s.Capture(r.Context(), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleContent(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Content(r.Context(), chi.URLParam(r, "captureId"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}

func (s *Service) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	md, err := s.Markdown(r.Context(), chi.URLParam(r, "captureId"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, md)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "captureId")
	ok, err := s.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "captureId": id})
}

// statusFor maps a pipeline error to its HTTP status.
func statusFor(err error) int {
	var navErr *NavigationError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &navErr):
		return http.StatusBadGateway
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
