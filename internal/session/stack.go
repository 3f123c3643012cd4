package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/joeycumines/modsandbox/internal/lifecycle"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/sandbox"
	"github.com/joeycumines/modsandbox/internal/token"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

// StackConfig describes a complete single-surface controller.
type StackConfig struct {
	Workspace        *workspace.Dir
	RequestTimeout   time.Duration
	CallTimeout      time.Duration
	MaxMetadataBytes int
	Logger           *slog.Logger
}

// Stack owns the token authority, router, coordinator and manager of one
// projection surface.
type Stack struct {
	Tokens      *token.Authority
	Router      *router.Router
	Coordinator *lifecycle.Coordinator
	Manager     *Manager
}

// NewStack wires a Stack over a workspace directory.
func NewStack(cfg StackConfig) (*Stack, error) {
	if cfg.Workspace == nil {
		return nil, errors.New("session: a workspace is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	auth := token.NewAuthority()
	r := router.New(router.Options{
		Authorizer: auth,
		Timeout:    cfg.RequestTimeout,
		Logger:     cfg.Logger.With("component", "router"),
	})
	launcher := &sandbox.Launcher{Router: r, Config: sandbox.Config{
		Sources:          cfg.Workspace,
		Assets:           cfg.Workspace,
		MaxMetadataBytes: cfg.MaxMetadataBytes,
		CallTimeout:      cfg.CallTimeout,
		Logger:           cfg.Logger.With("component", "sandbox"),
	}}
	coord := lifecycle.New(lifecycle.Options{
		Tokens:    auth,
		Messenger: r,
		Catalog:   cfg.Workspace,
		Launcher: lifecycle.LauncherFunc(func(ctx context.Context, tok string) (lifecycle.Session, error) {
			h, err := launcher.Launch(ctx, tok)
			if err != nil {
				return nil, err
			}
			return h, nil
		}),
		Logger: cfg.Logger.With("component", "lifecycle"),
	})
	m := NewManager(Options{
		Coordinator: coord,
		Router:      r,
		Tokens:      auth,
		Workspace:   cfg.Workspace,
		Logger:      cfg.Logger.With("component", "session"),
	})
	return &Stack{Tokens: auth, Router: r, Coordinator: coord, Manager: m}, nil
}

// Close drains the live session and shuts the router down.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Coordinator.Shutdown(ctx)
	return errors.Join(err, s.Router.Close())
}
