// Package router connects the dashboard, the controller and isolated host
// sessions with typed, correlated, asynchronous messages.
//
// Guarantees:
//   - messages from one sender to one receiver are delivered in send order
//   - replies are handed only to the goroutine waiting in Request, never to
//     endpoint handlers
//   - a request without a matching reply fails with ErrTimeout
//   - traffic to or from a host session is admitted only while the session's
//     token satisfies the Authorizer, checked atomically with the enqueue
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/modsandbox/internal/token"
)

// DefaultTimeout bounds Request when no other deadline applies.
const DefaultTimeout = 5 * time.Second

var (
	ErrTimeout         = errors.New("router: request timed out")
	ErrNoEndpoint      = errors.New("router: no such endpoint")
	ErrAlreadyAttached = errors.New("router: endpoint already attached")
	ErrClosed          = errors.New("router: closed")
	ErrNotRequest      = errors.New("router: kind does not expect a reply")
	ErrInvalidMessage  = errors.New("router: invalid message")
)

// Authorizer performs the atomic check-then-act for token-bearing traffic.
// *token.Authority implements it.
type Authorizer interface {
	Authorize(tok string, scope token.Scope, fn func() error) error
}

// PendingRequest describes a request awaiting its reply.
type PendingRequest struct {
	RequestID string
	Kind      Kind
	To        Address
	CreatedAt time.Time
}

type pending struct {
	PendingRequest
	from       Address
	moduleID   string
	instanceID string
	reply      chan Message
}

// Options configures a Router.
type Options struct {
	// Authorizer guards host traffic. Required.
	Authorizer Authorizer
	// Timeout bounds each Request; DefaultTimeout when zero.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Router is safe for concurrent use.
type Router struct {
	auth    Authorizer
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	endpoints map[Address]*mailbox
	pending   map[string]*pending
	closed    bool
}

// New returns a Router with no endpoints attached.
func New(opts Options) *Router {
	if opts.Authorizer == nil {
		panic("router: nil Authorizer")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		auth:      opts.Authorizer,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		endpoints: make(map[Address]*mailbox),
		pending:   make(map[string]*pending),
	}
}

// Timeout returns the default request timeout.
func (r *Router) Timeout() time.Duration { return r.timeout }

// Attach registers handler for addr. The returned detach func stops delivery
// and discards anything still queued; it is idempotent.
func (r *Router) Attach(addr Address, handler Handler) (detach func(), err error) {
	if addr == "" || handler == nil {
		return nil, fmt.Errorf("%w: attach needs an address and a handler", ErrInvalidMessage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.endpoints[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, addr)
	}
	mb := newMailbox(handler)
	r.endpoints[addr] = mb
	return func() {
		r.mu.Lock()
		if r.endpoints[addr] == mb {
			delete(r.endpoints, addr)
		}
		r.mu.Unlock()
		mb.close()
	}, nil
}

// Attached reports whether an endpoint is attached at addr.
func (r *Router) Attached(addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.endpoints[addr]
	return ok
}

// Send delivers msg without waiting for any reply. Replies passed to Send
// are matched against pending requests instead of being enqueued.
func (r *Router) Send(msg Message) error {
	if msg.Kind == "" || msg.From == "" || msg.To == "" {
		return fmt.Errorf("%w: kind, from and to are required", ErrInvalidMessage)
	}
	if msg.Kind.IsReply() {
		return r.deliverReply(msg)
	}
	return r.guard(msg, msg.Kind.Teardown(), func() error { return r.enqueue(msg) })
}

// Request sends msg and waits for its correlated reply. A RequestID is
// generated when msg has none. The wait ends with ErrTimeout after the
// router timeout, or earlier if ctx is done. A reply that carries an error
// is still returned as a reply; use Message.Err to inspect it.
func (r *Router) Request(ctx context.Context, msg Message) (Message, error) {
	if !msg.Kind.IsRequest() {
		return Message{}, fmt.Errorf("%w: %s", ErrNotRequest, msg.Kind)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	p := &pending{
		PendingRequest: PendingRequest{
			RequestID: msg.RequestID,
			Kind:      msg.Kind,
			To:        msg.To,
			CreatedAt: time.Now(),
		},
		from:       msg.From,
		moduleID:   string(msg.ModuleID),
		instanceID: msg.InstanceID,
		reply:      make(chan Message, 1),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Message{}, ErrClosed
	}
	if _, dup := r.pending[msg.RequestID]; dup {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("%w: duplicate request id %s", ErrInvalidMessage, msg.RequestID)
	}
	r.pending[msg.RequestID] = p
	r.mu.Unlock()

	if err := r.Send(msg); err != nil {
		r.forget(msg.RequestID)
		return Message{}, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-p.reply:
		if !ok {
			return Message{}, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		r.forget(msg.RequestID)
		return Message{}, fmt.Errorf("%w: %s %s after %v", ErrTimeout, msg.Kind, msg.RequestID, r.timeout)
	case <-ctx.Done():
		r.forget(msg.RequestID)
		if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("%w: %s %s: %w", ErrTimeout, msg.Kind, msg.RequestID, err)
		}
		return Message{}, ctx.Err()
	}
}

// Pending returns a snapshot of requests awaiting replies.
func (r *Router) Pending() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingRequest, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.PendingRequest)
	}
	return out
}

// Close detaches every endpoint and fails all pending requests.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	endpoints := r.endpoints
	pendings := r.pending
	r.endpoints = make(map[Address]*mailbox)
	r.pending = make(map[string]*pending)
	r.mu.Unlock()

	for _, mb := range endpoints {
		mb.close()
	}
	for _, p := range pendings {
		close(p.reply)
	}
	return nil
}

// guard runs act directly for traffic between non-host endpoints, and under
// the Authorizer otherwise. A host may only speak with its own token.
func (r *Router) guard(msg Message, teardown bool, act func() error) error {
	fromTok, fromHost := msg.From.HostToken()
	toTok, toHost := msg.To.HostToken()
	if !fromHost && !toHost {
		return act()
	}
	if (fromHost && msg.Token != fromTok) || (toHost && msg.Token != toTok) {
		r.logger.Warn("dropping message with mismatched token",
			"kind", msg.Kind, "from", msg.From, "to", msg.To, "requestId", msg.RequestID)
		return fmt.Errorf("%w: token does not match host address", token.ErrUnauthorized)
	}
	scope := token.ScopeCurrent
	if teardown {
		scope = token.ScopeRegistered
	}
	err := r.auth.Authorize(msg.Token, scope, act)
	if errors.Is(err, token.ErrUnauthorized) {
		r.logger.Warn("dropping unauthorized message",
			"kind", msg.Kind, "from", msg.From, "to", msg.To, "token", msg.Token, "requestId", msg.RequestID)
	}
	return err
}

func (r *Router) enqueue(msg Message) error {
	r.mu.Lock()
	mb, ok := r.endpoints[msg.To]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok || !mb.put(msg) {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, msg.To)
	}
	return nil
}

func (r *Router) deliverReply(msg Message) error {
	r.mu.Lock()
	p, ok := r.pending[msg.RequestID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping reply with no pending request",
			"kind", msg.Kind, "requestId", msg.RequestID, "from", msg.From)
		return nil
	}
	if err := p.matches(msg); err != nil {
		r.logger.Warn("dropping mismatched reply", "requestId", msg.RequestID, "error", err)
		return err
	}
	return r.guard(msg, p.Kind.Teardown(), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending[msg.RequestID] != p {
			return nil
		}
		delete(r.pending, msg.RequestID)
		p.reply <- msg
		return nil
	})
}

func (r *Router) forget(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

func (p *pending) matches(msg Message) error {
	switch {
	case !msg.Kind.answers(p.Kind):
		return fmt.Errorf("%w: %s does not answer %s", ErrInvalidMessage, msg.Kind, p.Kind)
	case msg.From != p.To || msg.To != p.from:
		return fmt.Errorf("%w: reply route %s->%s does not match request %s->%s", ErrInvalidMessage, msg.From, msg.To, p.from, p.To)
	case p.moduleID != "" && string(msg.ModuleID) != p.moduleID:
		return fmt.Errorf("%w: reply module %q, want %q", ErrInvalidMessage, msg.ModuleID, p.moduleID)
	case p.instanceID != "" && msg.InstanceID != p.instanceID:
		return fmt.Errorf("%w: reply instance %q, want %q", ErrInvalidMessage, msg.InstanceID, p.instanceID)
	}
	return nil
}
