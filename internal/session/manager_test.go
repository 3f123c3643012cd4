package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/modsandbox/internal/introspect"
	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/token"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

const waveModule = `/**
 * @visual name: Wave
 * @visual category: 2d
 * @visual imports: ModuleBase, clamp
 */
class Wave extends ModuleBase {
	constructor(ctx) { super(ctx); this.amp = 0; }
	amplitude({ value }) { this.amp = clamp(value, 0, 1); return this.amp; }
}
Wave.methods = [
	{ name: 'amplitude', options: [{ name: 'value', type: 'number', defaultVal: 0.5 }] },
];
module.exports = Wave;
`

const project = `sets:
  - id: show
    tracks:
      - id: intro
        modules:
          - module: Wave
      - id: outro
        modules:
          - module: Wave
          - module: Wave
`

func newStack(t *testing.T) (*Stack, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "modules", "Wave.js"), []byte(waveModule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "project.yaml"), []byte(project), 0o644))
	ws, err := workspace.Open(root, workspace.Options{})
	require.NoError(t, err)
	s, err := NewStack(StackConfig{Workspace: ws, RequestTimeout: 2 * time.Second, CallTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, root
}

func touch(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestManager_EnsureSessionIsIdempotent(t *testing.T) {
	s, _ := newStack(t)
	ctx := context.Background()
	a, err := s.Manager.EnsureSession(ctx)
	require.NoError(t, err)
	b, err := s.Manager.EnsureSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, s.Tokens.IsCurrent(a))
}

func TestManager_IntrospectUsesCache(t *testing.T) {
	s, root := newStack(t)
	ctx := context.Background()
	path := filepath.Join(root, "modules", "Wave.js")
	touch(t, path, waveModule, time.UnixMilli(1_000_000))

	res, err := s.Manager.Introspect(ctx, "Wave")
	require.NoError(t, err)
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, "Wave", res.Name)
	assert.Equal(t, "2d", res.Category)
	assert.EqualValues(t, 1_000_000, res.MtimeMs)

	_, err = s.Manager.Introspect(ctx, "Wave")
	require.NoError(t, err)
	assert.Equal(t, introspect.Stats{Hits: 1, Loads: 1, Validations: 1}, s.Manager.CacheStats())

	// broken but same mtime: cached result stands
	touch(t, path, "module.exports = 1", time.UnixMilli(1_000_000))
	res, err = s.Manager.Introspect(ctx, "Wave")
	require.NoError(t, err)
	assert.True(t, res.OK())

	touch(t, path, "module.exports = 1", time.UnixMilli(2_000_000))
	res, err = s.Manager.Introspect(ctx, "Wave")
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Err, "not a class")
	assert.EqualValues(t, 2, s.Manager.CacheStats().Validations)

	_, err = s.Manager.Introspect(ctx, "Missing")
	assert.ErrorIs(t, err, workspace.ErrModuleNotFound)
}

func TestManager_Preview(t *testing.T) {
	s, _ := newStack(t)
	ctx := context.Background()

	res, err := s.Manager.Preview(ctx, "Wave", "")
	require.NoError(t, err)
	assert.Equal(t, "Wave", res.Name)

	_, err = s.Manager.Preview(ctx, "Wave", "module.exports = class { constructor() { throw new Error('draft') } }")
	var re *router.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, router.KindPreviewModuleError, re.Kind)
	assert.Equal(t, module.ID("Wave"), re.ModuleID)
	assert.Contains(t, re.Reason, "draft")
}

func TestManager_ActivateInvokeAndSendRequest(t *testing.T) {
	s, _ := newStack(t)
	ctx := context.Background()

	res, err := s.Manager.Activate(ctx, "show", "outro")
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)
	assert.NotEqual(t, res.Instances[0].InstanceID, res.Instances[1].InstanceID)

	got, err := s.Manager.Invoke(ctx, res.Instances[0].InstanceID, "amplitude", map[string]any{"value": 0.25})
	require.NoError(t, err)
	assert.Equal(t, 0.25, got)

	_, err = s.Manager.Invoke(ctx, res.Instances[0].InstanceID, "nope", nil)
	assert.ErrorContains(t, err, "unknown method")

	reply, err := s.Manager.SendRequest(ctx, res.Token, router.KindInvokeMethod, map[string]any{
		"instanceId": res.Instances[1].InstanceID,
		"methodName": "amplitude",
		"options":    map[string]any{"value": 7},
	})
	require.NoError(t, err)
	require.NoError(t, reply.Err())
	assert.EqualValues(t, 1, reply.Props["result"])

	// fire-and-forget kinds return no reply
	reply, err = s.Manager.SendRequest(ctx, res.Token, router.KindSetActivate, map[string]any{"setId": "show"})
	require.NoError(t, err)
	assert.Empty(t, reply.Kind)

	next, err := s.Manager.Activate(ctx, "show", "intro")
	require.NoError(t, err)
	_, err = s.Manager.SendRequest(ctx, res.Token, router.KindInvokeMethod, map[string]any{
		"instanceId": res.Instances[0].InstanceID,
		"methodName": "amplitude",
	})
	assert.ErrorIs(t, err, token.ErrUnauthorized)
	assert.Equal(t, next.Token, s.Manager.Current().Token)
}

func TestManager_DestroySession(t *testing.T) {
	s, _ := newStack(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Manager.DestroySession(ctx, "nope"), ErrUnknownSession)

	tok, err := s.Manager.EnsureSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Manager.DestroySession(ctx, tok))
	assert.False(t, s.Tokens.IsRegistered(tok))
	assert.Empty(t, s.Manager.Current().Token)

	_, err = s.Manager.Invoke(ctx, "x", "amplitude", nil)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestManager_RegisterToken(t *testing.T) {
	s, _ := newStack(t)
	require.NoError(t, s.Manager.RegisterToken("external"))
	assert.True(t, s.Tokens.IsCurrent("external"))
	require.NoError(t, s.Manager.RegisterToken("external-2"))
	assert.True(t, s.Tokens.IsRegistered("external"))
	assert.True(t, s.Tokens.IsCurrent("external-2"))

	s.Manager.UnregisterToken("external")
	s.Manager.UnregisterToken("external-2")
	assert.Empty(t, s.Tokens.Current())
	assert.Error(t, s.Manager.RegisterToken(""))
}

func TestManager_EnsureSessionReplacesRevokedToken(t *testing.T) {
	s, _ := newStack(t)
	ctx := context.Background()
	tok, err := s.Manager.EnsureSession(ctx)
	require.NoError(t, err)

	s.Manager.UnregisterToken(tok)
	next, err := s.Manager.EnsureSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tok, next)
	assert.True(t, s.Tokens.IsCurrent(next))
	assert.False(t, s.Tokens.IsRegistered(tok))
	assert.Equal(t, next, s.Manager.Current().Token)

	res, err := s.Manager.Preview(ctx, "Wave", "")
	require.NoError(t, err)
	assert.Equal(t, "Wave", res.Name)

	res, err = s.Manager.Introspect(ctx, "Wave")
	require.NoError(t, err)
	assert.True(t, res.OK(), res.Err)

	// a token registered over the live one also forces a fresh session
	require.NoError(t, s.Manager.RegisterToken("external"))
	again, err := s.Manager.EnsureSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, next, again)
	assert.NotEqual(t, "external", again)
	_, err = s.Manager.Preview(ctx, "Wave", "")
	assert.NoError(t, err)
}
