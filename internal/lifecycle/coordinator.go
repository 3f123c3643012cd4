// Package lifecycle switches the running set of module instances when the
// active set or track changes.
//
// A switch is one cycle through Idle, Provisioning, Live, Draining and back
// to Idle. A fresh token and host session are provisioned and populated
// first; the new session is promoted to Live and told it is authoritative;
// only then is the previous session drained and its token unregistered.
// Idle means no cycle is in flight. A failed or superseded provisioning
// attempt is rolled back explicitly and never touches the previous session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

// State is a coordinator state.
type State int

const (
	StateIdle State = iota
	StateProvisioning
	StateLive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrSuperseded is returned by an activation that a newer activation
// overtook before it went live.
var ErrSuperseded = errors.New("lifecycle: activation superseded")

// ProvisioningError reports a session that could not be started. The
// previous session, if any, is still live.
type ProvisioningError struct {
	Token string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision session %s: %v", e.Token, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Session is a running isolated host.
type Session interface {
	Close() error
}

// Launcher starts an isolated host session for a registered token.
type Launcher interface {
	Launch(ctx context.Context, token string) (Session, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, token string) (Session, error)

func (f LauncherFunc) Launch(ctx context.Context, token string) (Session, error) { return f(ctx, token) }

// Tokens is the token authority of the surface the coordinator serves.
type Tokens interface {
	Issue() string
	Register(token string) (superseded string, err error)
	Reinstate(token string) error
	Unregister(token string)
	IsCurrent(token string) bool
}

// Messenger sends protocol messages.
type Messenger interface {
	Send(msg router.Message) error
	Request(ctx context.Context, msg router.Message) (router.Message, error)
}

// InstantiateFailure is a module that did not come up on the new session.
// It does not block the others.
type InstantiateFailure struct {
	ModuleID   module.ID `json:"moduleId"`
	InstanceID string    `json:"instanceId"`
	Reason     string    `json:"reason"`
}

// Snapshot describes the coordinator at one moment.
type Snapshot struct {
	State     State                `json:"-"`
	Token     string               `json:"token,omitempty"`
	SetID     string               `json:"setId,omitempty"`
	TrackID   string               `json:"trackId,omitempty"`
	Instances []module.Instance    `json:"instances"`
	Failed    []InstantiateFailure `json:"failed,omitempty"`
}

// Result is what a successful activation produced.
type Result struct {
	Snapshot
	Previous string `json:"previousToken,omitempty"`
}

type liveSession struct {
	token     string
	session   Session
	setID     string
	trackID   string
	instances []module.Instance
	failed    []InstantiateFailure
}

// Options configures a Coordinator.
type Options struct {
	Tokens    Tokens
	Messenger Messenger
	Launcher  Launcher
	Catalog   workspace.Catalog
	Logger    *slog.Logger
}

// Coordinator is safe for concurrent use. Cycles are serialized; a newer
// Activate cancels an older one that has not gone live yet.
type Coordinator struct {
	tokens   Tokens
	msgr     Messenger
	launcher Launcher
	catalog  workspace.Catalog
	logger   *slog.Logger

	// cycle is held for the whole of a provisioning/draining cycle.
	cycle sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	live      *liveSession
	observers []Observer
}

// New returns an idle Coordinator.
func New(opts Options) *Coordinator {
	if opts.Tokens == nil || opts.Messenger == nil || opts.Launcher == nil || opts.Catalog == nil {
		panic("lifecycle: Tokens, Messenger, Launcher and Catalog are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		tokens:   opts.Tokens,
		msgr:     opts.Messenger,
		launcher: opts.Launcher,
		catalog:  opts.Catalog,
		logger:   opts.Logger,
	}
}

// Observe registers fn for transition events.
func (c *Coordinator) Observe(fn Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current describes the live session, if any.
func (c *Coordinator) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{State: c.state}
	if c.live != nil {
		s.Token = c.live.token
		s.SetID = c.live.setID
		s.TrackID = c.live.trackID
		s.Instances = slices.Clone(c.live.instances)
		s.Failed = slices.Clone(c.live.failed)
	}
	return s
}

// Activate makes a track of a set the running one. An empty trackID selects
// the set's first track.
func (c *Coordinator) Activate(ctx context.Context, setID, trackID string) (Result, error) {
	return c.activate(ctx, setID, false, func(ctx context.Context) (workspace.Track, error) {
		track, err := c.catalog.Track(ctx, setID, trackID)
		if err != nil {
			return workspace.Track{}, fmt.Errorf("failed to resolve track %s/%s: %w", setID, trackID, err)
		}
		return track, nil
	})
}

// Ensure returns the live session, provisioning an empty one when nothing
// is live or the live session's token is no longer current. A revoked
// session is drained by the cycle that replaces it. An activation that
// overtakes it satisfies it.
func (c *Coordinator) Ensure(ctx context.Context) (Snapshot, error) {
	if s, ok := c.usable(); ok {
		return s, nil
	}
	c.mu.Lock()
	inFlight := c.cancel != nil
	c.mu.Unlock()
	if inFlight {
		c.waitCycle()
		if s, ok := c.usable(); ok {
			return s, nil
		}
	}
	res, err := c.activate(ctx, "", true, func(context.Context) (workspace.Track, error) {
		return workspace.Track{}, nil
	})
	if errors.Is(err, ErrSuperseded) {
		// the cycle that overtook us may have left a live session
		c.waitCycle()
		if s, ok := c.usable(); ok {
			return s, nil
		}
	}
	if err != nil {
		return Snapshot{}, err
	}
	return res.Snapshot, nil
}

// usable snapshots the live session and reports whether its token is still
// current.
func (c *Coordinator) usable() (Snapshot, bool) {
	s := c.Current()
	return s, s.Token != "" && c.tokens.IsCurrent(s.Token)
}

// waitCycle blocks until any cycle in flight has finished.
func (c *Coordinator) waitCycle() {
	c.cycle.Lock()
	//lint:ignore SA2001 the lock is only a barrier
	c.cycle.Unlock()
}

func (c *Coordinator) activate(ctx context.Context, setID string, ensure bool, resolve func(context.Context) (workspace.Track, error)) (Result, error) {
	gen := c.supersede()

	c.cycle.Lock()
	defer c.cycle.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !c.claim(gen, cancel) {
		return Result{}, ErrSuperseded
	}
	defer c.release(gen)

	if ensure {
		if s, ok := c.usable(); ok {
			return Result{Snapshot: s}, nil
		}
	}

	track, err := resolve(cctx)
	if err != nil {
		return Result{}, err
	}
	trackID := track.ID

	tok := c.tokens.Issue()
	c.transition(gen, StateProvisioning, Transition{SetID: setID, TrackID: trackID, Token: tok})
	prev, err := c.tokens.Register(tok)
	if err != nil {
		c.transition(gen, StateIdle, Transition{Token: tok, Reason: err.Error()})
		return Result{}, &ProvisioningError{Token: tok, Err: err}
	}

	sess, err := c.launcher.Launch(cctx, tok)
	if err != nil {
		c.rollback(gen, tok, prev, nil, err.Error())
		if cctx.Err() != nil && ctx.Err() == nil {
			return Result{}, ErrSuperseded
		}
		return Result{}, &ProvisioningError{Token: tok, Err: err}
	}

	next := &liveSession{token: tok, session: sess, setID: setID, trackID: trackID}
	if err := c.populate(cctx, next, track); err != nil {
		c.rollback(gen, tok, prev, sess, err.Error())
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return Result{}, ErrSuperseded
		}
		return Result{}, err
	}

	old, ok := c.promote(gen, next)
	if !ok {
		c.rollback(gen, tok, prev, sess, "superseded")
		return Result{}, ErrSuperseded
	}
	c.transition(gen, StateLive, Transition{SetID: setID, TrackID: trackID, Token: tok, Previous: prev})
	if setID != "" {
		c.broadcast(next)
	}

	c.transition(gen, StateDraining, Transition{SetID: setID, TrackID: trackID, Token: tok, Previous: prev})
	if old != nil {
		c.drain(old)
	}
	c.transition(gen, StateIdle, Transition{SetID: setID, TrackID: trackID, Token: tok})

	res := Result{Previous: prev}
	res.Snapshot = Snapshot{
		State:     StateIdle,
		Token:     tok,
		SetID:     setID,
		TrackID:   trackID,
		Instances: slices.Clone(next.instances),
		Failed:    slices.Clone(next.failed),
	}
	return res, nil
}

// Shutdown drains the live session, leaving no token registered. It
// supersedes any activation still provisioning.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	gen := c.supersede()

	c.cycle.Lock()
	defer c.cycle.Unlock()

	c.mu.Lock()
	old := c.live
	c.live = nil
	c.mu.Unlock()
	if old == nil {
		return nil
	}
	c.transition(gen, StateDraining, Transition{Previous: old.token, Reason: "shutdown"})
	c.drain(old)
	c.transition(gen, StateIdle, Transition{Reason: "shutdown"})
	return nil
}

// supersede starts a new generation and cancels whatever is in flight.
func (c *Coordinator) supersede() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return c.gen
}

// claim records cancel for generation gen if it is still the newest.
func (c *Coordinator) claim(gen uint64, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.cancel = cancel
	return true
}

func (c *Coordinator) release(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.cancel = nil
	}
	c.mu.Unlock()
}

// promote makes next the live session unless gen has been overtaken. The
// check and the swap are atomic.
func (c *Coordinator) promote(gen uint64, next *liveSession) (old *liveSession, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil, false
	}
	old = c.live
	c.live = next
	return old, true
}

// populate instantiates every module of the track on the new session. A
// module that fails or times out is recorded and skipped; only
// cancellation aborts.
func (c *Coordinator) populate(ctx context.Context, s *liveSession, track workspace.Track) error {
	type outcome struct {
		inst   module.Instance
		reason string
	}
	outcomes := make([]outcome, len(track.Modules))

	g, gctx := errgroup.WithContext(ctx)
	for i, tm := range track.Modules {
		inst := module.Instance{
			InstanceID: uuid.NewString(),
			ModuleID:   tm.Module,
			TrackID:    track.ID,
			Token:      s.token,
		}
		g.Go(func() error {
			reply, err := c.msgr.Request(gctx, router.Message{
				Kind:       router.KindInstantiate,
				From:       router.Controller,
				To:         router.HostAddress(s.token),
				Token:      s.token,
				ModuleID:   inst.ModuleID,
				InstanceID: inst.InstanceID,
				Props:      map[string]any{"trackId": track.ID},
			})
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			if err == nil {
				err = reply.Err()
			}
			outcomes[i] = outcome{inst: inst}
			if err != nil {
				outcomes[i].reason = err.Error()
				c.logger.Warn("module failed to instantiate",
					"moduleId", inst.ModuleID, "instanceId", inst.InstanceID, "token", s.token, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, o := range outcomes {
		if o.reason != "" {
			s.failed = append(s.failed, InstantiateFailure{ModuleID: o.inst.ModuleID, InstanceID: o.inst.InstanceID, Reason: o.reason})
			continue
		}
		s.instances = append(s.instances, o.inst)
	}
	return ctx.Err()
}

// broadcast tells the new session it is authoritative.
func (c *Coordinator) broadcast(s *liveSession) {
	ids := make([]string, len(s.instances))
	for i, inst := range s.instances {
		ids[i] = inst.InstanceID
	}
	for _, m := range []router.Message{
		{Kind: router.KindSetActivate, Props: map[string]any{"setId": s.setID}},
		{Kind: router.KindTrackActivate, Props: map[string]any{"trackId": s.trackID, "moduleInstances": ids}},
	} {
		m.From, m.To, m.Token = router.Controller, router.HostAddress(s.token), s.token
		if err := c.msgr.Send(m); err != nil {
			c.logger.Warn("activation broadcast not delivered", "kind", m.Kind, "token", s.token, "error", err)
		}
	}
}

// drain destroys a superseded session's instances, then the session, then
// its token.
func (c *Coordinator) drain(s *liveSession) {
	to := router.HostAddress(s.token)
	for _, inst := range s.instances {
		if err := c.msgr.Send(router.Message{
			Kind:       router.KindDestroyInstance,
			From:       router.Controller,
			To:         to,
			Token:      s.token,
			ModuleID:   inst.ModuleID,
			InstanceID: inst.InstanceID,
		}); err != nil {
			c.logger.Warn("destroy-instance not delivered", "instanceId", inst.InstanceID, "token", s.token, "error", err)
		}
	}
	c.destroySession(s.token)
	c.tokens.Unregister(s.token)
	if err := s.session.Close(); err != nil {
		c.logger.Warn("failed to close session", "token", s.token, "error", err)
	}
	c.logger.Info("session drained", "token", s.token, "instances", len(s.instances))
}

// rollback undoes a provisioning attempt: the previous token becomes
// current again and the new session is torn down.
func (c *Coordinator) rollback(gen uint64, tok, prev string, sess Session, reason string) {
	if prev != "" {
		if err := c.tokens.Reinstate(prev); err != nil {
			c.logger.Error("failed to reinstate previous token", "token", prev, "error", err)
		}
	}
	if sess != nil {
		c.destroySession(tok)
	}
	c.tokens.Unregister(tok)
	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Warn("failed to close session", "token", tok, "error", err)
		}
	}
	c.logger.Warn("provisioning rolled back", "token", tok, "previousToken", prev, "reason", reason)
	c.transition(gen, StateIdle, Transition{Token: tok, Previous: prev, Reason: reason})
}

func (c *Coordinator) destroySession(tok string) {
	reply, err := c.msgr.Request(context.Background(), router.Message{
		Kind:  router.KindDestroySession,
		From:  router.Controller,
		To:    router.HostAddress(tok),
		Token: tok,
	})
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		c.logger.Warn("destroy-session failed", "token", tok, "error", err)
	}
}

func (c *Coordinator) transition(gen uint64, to State, t Transition) {
	c.mu.Lock()
	from := c.state
	c.state = to
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	t.From, t.To = from.String(), to.String()
	c.logger.Debug("lifecycle transition", "from", t.From, "to", t.To, "token", t.Token, "setId", t.SetID, "trackId", t.TrackID)
	if len(observers) == 0 {
		return
	}
	event, err := newTransitionEvent(t, gen)
	if err != nil {
		// observers still get the type, id and generation
		c.logger.Warn("transition event has no data", "to", t.To, "error", err)
	}
	for _, fn := range observers {
		fn(event)
	}
}
