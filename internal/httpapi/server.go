// Package httpapi exposes the session API over HTTP for the dashboard and
// other UI collaborators.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joeycumines/modsandbox/internal/introspect"
	"github.com/joeycumines/modsandbox/internal/lifecycle"
	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/session"
	"github.com/joeycumines/modsandbox/internal/token"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

// maxBody bounds request bodies, which carry module source at most.
const maxBody = 4 << 20

// Sessions is the session API served over HTTP. *session.Manager implements it.
type Sessions interface {
	EnsureSession(ctx context.Context) (string, error)
	SendRequest(ctx context.Context, tok string, kind router.Kind, props map[string]any) (router.Message, error)
	DestroySession(ctx context.Context, tok string) error
	RegisterToken(tok string) error
	UnregisterToken(tok string)
	Activate(ctx context.Context, setID, trackID string) (lifecycle.Result, error)
	Current() lifecycle.Snapshot
	Introspect(ctx context.Context, id module.ID) (module.Introspection, error)
	CacheStats() introspect.Stats
	Preview(ctx context.Context, id module.ID, source string) (module.Introspection, error)
	Invoke(ctx context.Context, instanceID, method string, options map[string]any) (any, error)
}

var _ Sessions = (*session.Manager)(nil)

// Catalog lists what the workspace holds. Optional.
type Catalog interface {
	Modules(ctx context.Context) ([]module.ID, error)
	Project(ctx context.Context) (*workspace.Project, error)
}

// Options configures the handler.
type Options struct {
	Sessions Sessions
	Catalog  Catalog
	// AssetsDir, when set, is served under AssetBaseURL.
	AssetsDir    string
	AssetBaseURL string
	Logger       *slog.Logger
}

type server struct {
	sessions Sessions
	catalog  Catalog
	logger   *slog.Logger
}

// NewHandler builds the chi router.
//
//	POST   /session                      ensure a session, returns its token
//	DELETE /session/{token}              destroy the session
//	POST   /session/{token}/request      send a raw protocol message
//	POST   /tokens/{token}               register a token
//	DELETE /tokens/{token}               unregister a token
//	POST   /activate                     switch set/track
//	GET    /current                      describe the live session
//	GET    /modules                      list module ids
//	GET    /project                      the project document
//	GET    /introspection/*              resolve through the cache
//	POST   /preview/*                    preview handshake
//	POST   /instances/{id}/invoke        invoke a declared method
//	GET    /stats                        cache counters
func NewHandler(opts Options) http.Handler {
	if opts.Sessions == nil {
		panic("httpapi: Sessions is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{sessions: opts.Sessions, catalog: opts.Catalog, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/session", func(r chi.Router) {
		r.Post("/", s.handleEnsureSession)
		r.Delete("/{token}", s.handleDestroySession)
		r.Post("/{token}/request", s.handleSendRequest)
	})
	r.Route("/tokens/{token}", func(r chi.Router) {
		r.Post("/", s.handleRegisterToken)
		r.Delete("/", s.handleUnregisterToken)
	})
	r.Post("/activate", s.handleActivate)
	r.Get("/current", s.handleCurrent)
	r.Get("/modules", s.handleModules)
	r.Get("/project", s.handleProject)
	r.Get("/introspection/*", s.handleIntrospect)
	r.Post("/preview/*", s.handlePreview)
	r.Post("/instances/{id}/invoke", s.handleInvoke)
	r.Get("/stats", s.handleStats)

	if opts.AssetsDir != "" {
		base := opts.AssetBaseURL
		if base == "" {
			base = "/assets/"
		}
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		r.Handle(base+"*", http.StripPrefix(base, http.FileServer(http.Dir(opts.AssetsDir))))
	}
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("requestId", middleware.GetReqID(r.Context())),
		)
	})
}

type tokenResponse struct {
	Token string `json:"token"`
}

type activateRequest struct {
	SetID   string `json:"setId"`
	TrackID string `json:"trackId"`
}

type snapshotResponse struct {
	State string `json:"state"`
	lifecycle.Snapshot
	Previous string `json:"previousToken,omitempty"`
}

type messageRequest struct {
	Kind  router.Kind    `json:"kind"`
	Props map[string]any `json:"props,omitempty"`
}

type previewRequest struct {
	Source string `json:"source,omitempty"`
}

type invokeRequest struct {
	Method  string         `json:"method"`
	Options map[string]any `json:"options,omitempty"`
}

type invokeResponse struct {
	Result any `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	tok, err := s.sessions.EnsureSession(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok})
}

func (s *server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DestroySession(r.Context(), chi.URLParam(r, "token")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind is required"})
		return
	}
	reply, err := s.sessions.SendRequest(r.Context(), chi.URLParam(r, "token"), req.Kind, req.Props)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if reply.Kind == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RegisterToken(chi.URLParam(r, "token")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUnregisterToken(w http.ResponseWriter, r *http.Request) {
	s.sessions.UnregisterToken(chi.URLParam(r, "token"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.sessions.Activate(r.Context(), req.SetID, req.TrackID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{State: res.State.String(), Snapshot: res.Snapshot, Previous: res.Previous})
}

func (s *server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Current()
	writeJSON(w, http.StatusOK, snapshotResponse{State: snap.State.String(), Snapshot: snap})
}

func (s *server) handleModules(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no workspace configured"})
		return
	}
	ids, err := s.catalog.Modules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []module.ID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *server) handleProject(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no workspace configured"})
		return
	}
	p, err := s.catalog.Project(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	id, ok := moduleParam(w, r)
	if !ok {
		return
	}
	res, err := s.sessions.Introspect(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := moduleParam(w, r)
	if !ok {
		return
	}
	var req previewRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	res, err := s.sessions.Preview(r.Context(), id, req.Source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.sessions.Invoke(r.Context(), chi.URLParam(r, "id"), req.Method, req.Options)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse{Result: result})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.CacheStats())
}

func moduleParam(w http.ResponseWriter, r *http.Request) (module.ID, bool) {
	id := module.ID(chi.URLParam(r, "*"))
	if err := id.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return "", false
	}
	return id, true
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// fail maps an error onto a status code and writes it.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var remote *router.RemoteError
	var prov *lifecycle.ProvisioningError
	switch {
	case errors.Is(err, workspace.ErrModuleNotFound),
		errors.Is(err, workspace.ErrSetNotFound),
		errors.Is(err, workspace.ErrTrackNotFound),
		errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, router.ErrNoEndpoint):
		return http.StatusNotFound
	case errors.Is(err, token.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, token.ErrNotRegistered),
		errors.Is(err, router.ErrNotRequest),
		errors.Is(err, router.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, router.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &remote):
		return http.StatusUnprocessableEntity
	case errors.As(err, &prov):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
