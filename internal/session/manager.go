// Package session is the host application's view of isolated host sessions:
// ensure one is running, send it requests, tear it down, and manage the
// tokens that authorise it. It also validates module source for the
// introspection cache by routing it through the live host.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joeycumines/modsandbox/internal/introspect"
	"github.com/joeycumines/modsandbox/internal/lifecycle"
	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/token"
)

// ErrUnknownSession is returned for a token that names no live session.
var ErrUnknownSession = errors.New("session: unknown session")

// Authority is the token authority the manager exposes.
type Authority interface {
	Register(token string) (superseded string, err error)
	Unregister(token string)
	IsRegistered(token string) bool
}

// Options configures a Manager.
type Options struct {
	Coordinator *lifecycle.Coordinator
	Router      *router.Router
	Tokens      Authority
	// Workspace backs the introspection cache. Optional; without it
	// Introspect is unavailable.
	Workspace introspect.Workspace
	Logger    *slog.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	coord  *lifecycle.Coordinator
	router *router.Router
	tokens Authority
	cache  *introspect.Cache
	logger *slog.Logger
}

// NewManager wires a Manager and, when a workspace is given, its
// introspection cache.
func NewManager(opts Options) *Manager {
	if opts.Coordinator == nil || opts.Router == nil || opts.Tokens == nil {
		panic("session: Coordinator, Router and Tokens are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		coord:  opts.Coordinator,
		router: opts.Router,
		tokens: opts.Tokens,
		logger: opts.Logger,
	}
	if opts.Workspace != nil {
		m.cache = introspect.New(opts.Workspace, Introspector{m}, opts.Logger)
	}
	return m
}

// EnsureSession returns the token of the live session, starting an empty
// one if nothing is live.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	s, err := m.coord.Ensure(ctx)
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// SendRequest sends kind to the session owning tok. For request kinds it
// waits for the reply; fire-and-forget kinds return a zero Message. The
// moduleId, instanceId and requestId props populate the envelope.
func (m *Manager) SendRequest(ctx context.Context, tok string, kind router.Kind, props map[string]any) (router.Message, error) {
	msg := router.Message{
		Kind:  kind,
		From:  router.Controller,
		To:    router.HostAddress(tok),
		Token: tok,
		Props: props,
	}
	if v, ok := props["moduleId"].(string); ok {
		msg.ModuleID = module.ID(v)
	}
	if v, ok := props["instanceId"].(string); ok {
		msg.InstanceID = v
	}
	if v, ok := props["requestId"].(string); ok {
		msg.RequestID = v
	}
	if !kind.IsRequest() {
		return router.Message{}, m.router.Send(msg)
	}
	return m.router.Request(ctx, msg)
}

// DestroySession tears down the live session owning tok.
func (m *Manager) DestroySession(ctx context.Context, tok string) error {
	if tok == "" || m.coord.Current().Token != tok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, tok)
	}
	return m.coord.Shutdown(ctx)
}

// RegisterToken makes tok current for the surface.
func (m *Manager) RegisterToken(tok string) error {
	superseded, err := m.tokens.Register(tok)
	if err != nil {
		return err
	}
	if superseded != "" {
		m.logger.Info("token superseded", "token", superseded, "current", tok)
	}
	return nil
}

// UnregisterToken revokes tok.
func (m *Manager) UnregisterToken(tok string) {
	m.tokens.Unregister(tok)
}

// Activate switches the running track.
func (m *Manager) Activate(ctx context.Context, setID, trackID string) (lifecycle.Result, error) {
	return m.coord.Activate(ctx, setID, trackID)
}

// Current describes the live session.
func (m *Manager) Current() lifecycle.Snapshot {
	return m.coord.Current()
}

// Introspect resolves a module through the cache.
func (m *Manager) Introspect(ctx context.Context, id module.ID) (module.Introspection, error) {
	if m.cache == nil {
		return module.Introspection{}, errors.New("session: no workspace configured")
	}
	return m.cache.Resolve(ctx, id)
}

// CacheStats reports the introspection cache counters.
func (m *Manager) CacheStats() introspect.Stats {
	if m.cache == nil {
		return introspect.Stats{}
	}
	return m.cache.Stats()
}

// Preview runs the preview handshake on the live session. A non-empty
// source previews unsaved text instead of the workspace copy.
func (m *Manager) Preview(ctx context.Context, id module.ID, source string) (module.Introspection, error) {
	tok, err := m.EnsureSession(ctx)
	if err != nil {
		return module.Introspection{}, err
	}
	msg := router.Message{
		Kind:     router.KindPreviewModule,
		From:     router.Controller,
		To:       router.HostAddress(tok),
		Token:    tok,
		ModuleID: id,
	}
	if source != "" {
		msg.Props = map[string]any{"source": source}
	}
	reply, err := m.router.Request(ctx, msg)
	if err != nil {
		return module.Introspection{}, err
	}
	if err := reply.Err(); err != nil {
		return module.Introspection{}, err
	}
	intro, _ := reply.Props["introspection"].(module.Introspection)
	return intro, nil
}

// Invoke calls a declared method on a live instance.
func (m *Manager) Invoke(ctx context.Context, instanceID, method string, options map[string]any) (any, error) {
	tok := m.coord.Current().Token
	if tok == "" {
		return nil, fmt.Errorf("%w: nothing is live", ErrUnknownSession)
	}
	reply, err := m.router.Request(ctx, router.Message{
		Kind:       router.KindInvokeMethod,
		From:       router.Controller,
		To:         router.HostAddress(tok),
		Token:      tok,
		InstanceID: instanceID,
		Props:      map[string]any{"methodName": method, "options": options},
	})
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return reply.Props["result"], nil
}

// Introspector validates module source on the live host. It implements
// introspect.Validator.
type Introspector struct {
	m *Manager
}

var _ introspect.Validator = Introspector{}

// Validate sends introspect-module to the live session.
func (v Introspector) Validate(ctx context.Context, id module.ID, source string) (module.Introspection, error) {
	tok, err := v.m.EnsureSession(ctx)
	if err != nil {
		return module.Introspection{}, err
	}
	reply, err := v.m.router.Request(ctx, router.Message{
		Kind:     router.KindIntrospectModule,
		From:     router.Controller,
		To:       router.HostAddress(tok),
		Token:    tok,
		ModuleID: id,
		Props:    map[string]any{"source": source},
	})
	if errors.Is(err, token.ErrUnauthorized) {
		// the token was rotated or revoked between ensure and send; the
		// result is not cached and the next resolve re-provisions
		return module.Introspection{}, fmt.Errorf("session %s is no longer current: %w", tok, err)
	}
	if err != nil {
		return module.Introspection{}, err
	}
	if reply.Error != "" {
		return module.Introspection{}, reply.Err()
	}
	intro, ok := reply.Props["introspection"].(module.Introspection)
	if !ok {
		return module.Introspection{}, fmt.Errorf("introspect-module-result for %s carried no introspection", id)
	}
	return intro, nil
}
