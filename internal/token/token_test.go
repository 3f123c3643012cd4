package token

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthority_IssueIsUniqueAndUnregistered(t *testing.T) {
	a := NewAuthority()
	t1, t2 := a.Issue(), a.Issue()
	assert.NotEqual(t, t1, t2)
	assert.False(t, a.IsRegistered(t1))
	assert.False(t, a.IsCurrent(t1))
}

func TestAuthority_RegisterSupersedes(t *testing.T) {
	a := NewAuthority()
	t1, t2 := a.Issue(), a.Issue()

	prev, err := a.Register(t1)
	require.NoError(t, err)
	assert.Empty(t, prev)
	assert.True(t, a.IsCurrent(t1))

	prev, err = a.Register(t2)
	require.NoError(t, err)
	assert.Equal(t, t1, prev)
	assert.True(t, a.IsCurrent(t2))
	assert.False(t, a.IsCurrent(t1))
	assert.True(t, a.IsRegistered(t1), "superseded tokens stay registered until unregistered")

	a.Unregister(t1)
	assert.False(t, a.IsRegistered(t1))
	assert.Equal(t, t2, a.Current())
}

func TestAuthority_RegisterEmpty(t *testing.T) {
	_, err := NewAuthority().Register("")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestAuthority_ReregisterCurrentIsNoop(t *testing.T) {
	a := NewAuthority()
	tok := a.Issue()
	_, _ = a.Register(tok)
	prev, err := a.Register(tok)
	require.NoError(t, err)
	assert.Empty(t, prev)
}

func TestAuthority_Reinstate(t *testing.T) {
	a := NewAuthority()
	t1, t2 := a.Issue(), a.Issue()
	_, _ = a.Register(t1)
	_, _ = a.Register(t2)

	require.NoError(t, a.Reinstate(t1))
	assert.True(t, a.IsCurrent(t1))

	a.Unregister(t2)
	assert.ErrorIs(t, a.Reinstate(t2), ErrNotRegistered)
	assert.True(t, a.IsCurrent(t1))
}

func TestAuthority_UnregisterCurrent(t *testing.T) {
	a := NewAuthority()
	tok := a.Issue()
	_, _ = a.Register(tok)
	a.Unregister(tok)
	assert.Empty(t, a.Current())
	assert.False(t, a.IsCurrent(tok))
	a.Unregister("unknown")
}

func TestAuthority_Authorize(t *testing.T) {
	a := NewAuthority()
	t1, t2 := a.Issue(), a.Issue()
	_, _ = a.Register(t1)
	_, _ = a.Register(t2)

	ran := 0
	act := func() error { ran++; return nil }

	require.NoError(t, a.Authorize(t2, ScopeCurrent, act))
	assert.ErrorIs(t, a.Authorize(t1, ScopeCurrent, act), ErrUnauthorized)
	require.NoError(t, a.Authorize(t1, ScopeRegistered, act))
	assert.ErrorIs(t, a.Authorize("", ScopeRegistered, act), ErrUnauthorized)
	assert.ErrorIs(t, a.Authorize("nope", ScopeRegistered, act), ErrUnauthorized)
	assert.Equal(t, 2, ran)

	boom := errors.New("boom")
	assert.ErrorIs(t, a.Authorize(t2, ScopeCurrent, func() error { return boom }), boom)
	assert.NoError(t, a.Authorize(t2, ScopeCurrent, nil))
}

func TestAuthority_AuthorizeIsAtomicWithRotation(t *testing.T) {
	a := NewAuthority()
	old := a.Issue()
	_, _ = a.Register(old)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []bool
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Authorize(old, ScopeCurrent, func() error {
				// the token must still be current while fn runs
				mu.Lock()
				accepted = append(accepted, a.current == old)
				mu.Unlock()
				return nil
			})
		}()
	}
	_, _ = a.Register(a.Issue())
	wg.Wait()

	for _, ok := range accepted {
		assert.True(t, ok)
	}
}

func TestScope_String(t *testing.T) {
	assert.Equal(t, "current", ScopeCurrent.String())
	assert.Equal(t, "registered", ScopeRegistered.String())
	assert.Equal(t, "Scope(7)", Scope(7).String())
}
