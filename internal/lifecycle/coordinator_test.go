package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/sandbox"
	"github.com/joeycumines/modsandbox/internal/token"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

const goodModule = `// @visual name: Good
// @visual category: test
// @visual imports: ModuleBase
class Good extends ModuleBase {
	ping() { return this.instanceId; }
}
Good.methods = [{ name: 'ping', options: [] }];
module.exports = Good;
`

type memSources map[module.ID]string

func (m memSources) ModuleSource(_ context.Context, id module.ID) (workspace.Source, error) {
	s, ok := m[id]
	if !ok {
		return workspace.Source{}, workspace.ErrModuleNotFound
	}
	return workspace.Source{Text: s, MtimeMs: 1}, nil
}

func testProject() *workspace.Project {
	return &workspace.Project{Sets: []workspace.Set{{
		ID: "show",
		Tracks: []workspace.Track{
			{ID: "A", Modules: []workspace.TrackModule{{Module: "good"}}},
			{ID: "B", Modules: []workspace.TrackModule{{Module: "good"}}},
			{ID: "mixed", Modules: []workspace.TrackModule{{Module: "good"}, {Module: "broken"}, {Module: "good"}}},
		},
	}}}
}

type catalog struct{ p *workspace.Project }

func (c catalog) Track(_ context.Context, setID, trackID string) (workspace.Track, error) {
	return c.p.Track(setID, trackID)
}

type harness struct {
	auth   *token.Authority
	router *router.Router
	coord  *Coordinator

	mu       sync.Mutex
	hosts    map[string]*sandbox.Host
	launchFn func(ctx context.Context, tok string) error
	events   []cloudevents.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{hosts: make(map[string]*sandbox.Host)}
	h.auth = token.NewAuthority()
	h.router = router.New(router.Options{Authorizer: h.auth, Timeout: 2 * time.Second})
	t.Cleanup(func() { _ = h.router.Close() })

	launcher := &sandbox.Launcher{Router: h.router, Config: sandbox.Config{
		Sources: memSources{"good": goodModule, "broken": "module.exports = 1"},
	}}
	h.coord = New(Options{
		Tokens:    h.auth,
		Messenger: h.router,
		Catalog:   catalog{testProject()},
		Launcher: LauncherFunc(func(ctx context.Context, tok string) (Session, error) {
			h.mu.Lock()
			fn := h.launchFn
			h.mu.Unlock()
			if fn != nil {
				if err := fn(ctx, tok); err != nil {
					return nil, err
				}
			}
			host, err := launcher.Launch(ctx, tok)
			if err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.hosts[tok] = host
			h.mu.Unlock()
			return host, nil
		}),
	})
	h.coord.Observe(func(e cloudevents.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		_ = h.coord.Shutdown(context.Background())
	})
	return h
}

func (h *harness) host(tok string) *sandbox.Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hosts[tok]
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type()
	}
	return out
}

func instanceIDs(insts []module.Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.InstanceID
	}
	return out
}

func TestCoordinator_FirstActivation(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.Activate(context.Background(), "show", "A")
	require.NoError(t, err)

	assert.Empty(t, res.Previous)
	assert.Equal(t, "A", res.TrackID)
	require.Len(t, res.Instances, 1)
	assert.True(t, h.auth.IsCurrent(res.Token))
	assert.Equal(t, StateIdle, h.coord.State())
	assert.Equal(t, []string{
		EventTypePrefix + "provisioning",
		EventTypePrefix + "live",
		EventTypePrefix + "draining",
		EventTypePrefix + "idle",
	}, h.eventTypes())

	host := h.host(res.Token)
	require.NotNil(t, host)
	require.Eventually(t, func() bool {
		_, tr, _ := host.Active()
		return tr == "A"
	}, time.Second, 5*time.Millisecond)
	set, _, ids := host.Active()
	assert.Equal(t, "show", set)
	assert.Equal(t, instanceIDs(res.Instances), ids)

	cur := h.coord.Current()
	assert.Equal(t, res.Token, cur.Token)
	assert.Equal(t, res.Instances, cur.Instances)
}

func TestCoordinator_SwitchIsAtomic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.coord.Activate(ctx, "show", "A")
	require.NoError(t, err)
	oldHost := h.host(a.Token)

	b, err := h.coord.Activate(ctx, "show", "B")
	require.NoError(t, err)
	newHost := h.host(b.Token)

	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, a.Token, b.Previous)
	assert.NotEqual(t, instanceIDs(a.Instances), instanceIDs(b.Instances))
	assert.Equal(t, instanceIDs(b.Instances), instanceIDs(newHost.Instances()))
	assert.Empty(t, oldHost.Instances())

	assert.True(t, h.auth.IsCurrent(b.Token))
	assert.False(t, h.auth.IsRegistered(a.Token))
	assert.False(t, h.router.Attached(router.HostAddress(a.Token)))

	// the same logical module got a fresh instance id under the new token
	assert.Equal(t, a.Instances[0].ModuleID, b.Instances[0].ModuleID)
	assert.Equal(t, b.Token, b.Instances[0].Token)
}

func TestCoordinator_StaleTokenIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.coord.Activate(ctx, "show", "A")
	require.NoError(t, err)
	oldHost := h.host(a.Token)
	_, err = h.coord.Activate(ctx, "show", "B")
	require.NoError(t, err)

	_, err = h.router.Request(ctx, router.Message{
		Kind:       router.KindInstantiate,
		From:       router.Controller,
		To:         router.HostAddress(a.Token),
		Token:      a.Token,
		ModuleID:   "good",
		InstanceID: "late",
	})
	assert.ErrorIs(t, err, token.ErrUnauthorized)
	assert.Empty(t, oldHost.Instances())
}

func TestCoordinator_FailedLaunchLeavesPreviousLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.coord.Activate(ctx, "show", "A")
	require.NoError(t, err)

	boom := errors.New("host would not start")
	h.mu.Lock()
	h.launchFn = func(context.Context, string) error { return boom }
	h.mu.Unlock()

	_, err = h.coord.Activate(ctx, "show", "B")
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	assert.False(t, h.auth.IsRegistered(perr.Token))

	assert.True(t, h.auth.IsCurrent(a.Token))
	cur := h.coord.Current()
	assert.Equal(t, a.Token, cur.Token)
	assert.Equal(t, "A", cur.TrackID)
	assert.Equal(t, instanceIDs(a.Instances), instanceIDs(h.host(a.Token).Instances()))

	// the old session still answers
	reply, err := h.router.Request(ctx, router.Message{
		Kind:       router.KindInvokeMethod,
		From:       router.Controller,
		To:         router.HostAddress(a.Token),
		Token:      a.Token,
		InstanceID: a.Instances[0].InstanceID,
		Props:      map[string]any{"methodName": "ping"},
	})
	require.NoError(t, err)
	assert.Equal(t, a.Instances[0].InstanceID, reply.Props["result"])
}

func TestCoordinator_FailedModuleDoesNotBlockTrack(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.Activate(context.Background(), "show", "mixed")
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, module.ID("broken"), res.Failed[0].ModuleID)
	assert.Contains(t, res.Failed[0].Reason, "not a class")
	assert.ElementsMatch(t, instanceIDs(res.Instances), instanceIDs(h.host(res.Token).Instances()))
}

func TestCoordinator_NewerActivationSupersedes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	blocked := make(chan string, 1)
	h.mu.Lock()
	h.launchFn = func(ctx context.Context, tok string) error {
		blocked <- tok
		<-ctx.Done()
		return ctx.Err()
	}
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.Activate(ctx, "show", "A")
		errCh <- err
	}()
	staleTok := <-blocked

	h.mu.Lock()
	h.launchFn = nil
	h.mu.Unlock()

	res, err := h.coord.Activate(ctx, "show", "B")
	require.NoError(t, err)
	assert.ErrorIs(t, <-errCh, ErrSuperseded)

	assert.Equal(t, "B", res.TrackID)
	assert.Empty(t, res.Previous)
	assert.False(t, h.auth.IsRegistered(staleTok))
	assert.True(t, h.auth.IsCurrent(res.Token))
	assert.Equal(t, "B", h.coord.Current().TrackID)
}

func TestCoordinator_UnknownTrack(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Activate(context.Background(), "show", "nope")
	assert.ErrorIs(t, err, workspace.ErrTrackNotFound)
	assert.Empty(t, h.auth.Current())
	assert.Empty(t, h.eventTypes())
}

func TestCoordinator_Shutdown(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.Activate(context.Background(), "show", "A")
	require.NoError(t, err)
	host := h.host(res.Token)

	require.NoError(t, h.coord.Shutdown(context.Background()))
	assert.Empty(t, h.auth.Current())
	assert.False(t, h.auth.IsRegistered(res.Token))
	assert.Empty(t, host.Instances())
	assert.Empty(t, h.coord.Current().Token)
	assert.Equal(t, StateIdle, h.coord.State())

	require.NoError(t, h.coord.Shutdown(context.Background()))
}

func TestTransitionEvent(t *testing.T) {
	e, err := newTransitionEvent(Transition{From: "idle", To: "provisioning", Token: "t"}, 3)
	require.NoError(t, err)
	require.NoError(t, e.Validate())
	assert.Equal(t, EventSource, e.Source())
	assert.Equal(t, EventTypePrefix+"provisioning", e.Type())

	var got Transition
	require.NoError(t, e.DataAs(&got))
	assert.Equal(t, "t", got.Token)
	assert.EqualValues(t, 3, e.Extensions()["generation"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestCoordinator_EnsureReplacesRevokedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.Ensure(ctx)
	require.NoError(t, err)
	h.mu.Lock()
	old := h.hosts[first.Token]
	h.mu.Unlock()
	require.NotNil(t, old)

	h.auth.Unregister(first.Token)
	next, err := h.coord.Ensure(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, next.Token)
	assert.True(t, h.auth.IsCurrent(next.Token))
	assert.Equal(t, next.Token, h.coord.Current().Token)

	again, err := h.coord.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.Token, again.Token)
}

func TestCoordinator_EnsureProvisionsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.Ensure(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)
	assert.Empty(t, first.Instances)
	assert.True(t, h.auth.IsCurrent(first.Token))

	again, err := h.coord.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Token, again.Token)

	// an activation drains the ensured session like any other
	res, err := h.coord.Activate(ctx, "show", "A")
	require.NoError(t, err)
	assert.Equal(t, first.Token, res.Previous)
	assert.False(t, h.auth.IsRegistered(first.Token))

	cur, err := h.coord.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Token, cur.Token)
}
