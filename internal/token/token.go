// Package token issues and tracks the opaque session tokens that authorise an
// isolated host session to exchange messages with its controller.
//
// An Authority serves exactly one projection surface. At most one registered
// token is current at any time. Registering a new token supersedes the
// previous current token without destroying it; the superseded token stays
// registered (so teardown traffic can still reach its host) until it is
// explicitly unregistered.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnauthorized is returned when a message's token does not satisfy
	// the required scope.
	ErrUnauthorized = errors.New("token: unauthorized")
	// ErrNotRegistered is returned when operating on an unknown token.
	ErrNotRegistered = errors.New("token: not registered")
)

// Scope selects what Authorize requires of a token.
type Scope int

const (
	// ScopeCurrent requires the token to be the current one.
	ScopeCurrent Scope = iota
	// ScopeRegistered accepts any registered token, current or superseded.
	// Only teardown traffic uses it.
	ScopeRegistered
)

func (s Scope) String() string {
	switch s {
	case ScopeCurrent:
		return "current"
	case ScopeRegistered:
		return "registered"
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// Authority is safe for concurrent use.
type Authority struct {
	mu         sync.Mutex
	registered map[string]struct{}
	current    string
}

// NewAuthority returns an Authority with no registered tokens.
func NewAuthority() *Authority {
	return &Authority{registered: make(map[string]struct{})}
}

// Issue mints a new opaque token. It is not valid until registered.
func (a *Authority) Issue() string {
	return uuid.NewString()
}

// Register makes token registered and current, superseding whatever was
// current before. It returns the superseded token, or "" if none.
func (a *Authority) Register(token string) (superseded string, err error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrNotRegistered)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registered[token] = struct{}{}
	if a.current != token {
		superseded = a.current
	}
	a.current = token
	return superseded, nil
}

// Reinstate makes an already registered token current again. It is the
// rollback step for a failed switch.
func (a *Authority) Reinstate(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.registered[token]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, token)
	}
	a.current = token
	return nil
}

// Unregister invalidates token. If it was current, no token is current
// afterwards. Unregistering an unknown token is a no-op.
func (a *Authority) Unregister(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.registered, token)
	if a.current == token {
		a.current = ""
	}
}

// IsCurrent reports whether token is the current token.
func (a *Authority) IsCurrent(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return token != "" && a.current == token
}

// IsRegistered reports whether token is registered.
func (a *Authority) IsRegistered(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.registered[token]
	return ok
}

// Current returns the current token, or "" if there is none.
func (a *Authority) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Authorize checks token against scope and, if it passes, runs fn while
// still holding the lock, so no rotation can interleave between the check
// and the act. fn must not block or call back into the Authority.
func (a *Authority) Authorize(token string, scope Scope, fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allowed(token, scope) {
		return fmt.Errorf("%w: token %q is not %s", ErrUnauthorized, token, scope)
	}
	if fn == nil {
		return nil
	}
	return fn()
}

func (a *Authority) allowed(token string, scope Scope) bool {
	if token == "" {
		return false
	}
	switch scope {
	case ScopeCurrent:
		return a.current == token
	case ScopeRegistered:
		_, ok := a.registered[token]
		return ok
	}
	return false
}
