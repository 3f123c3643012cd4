// Package sandbox is the isolated host: a goja VM on its own event loop that
// loads module source, validates it, constructs instances and invokes their
// methods. The controller reaches a Host only through router messages
// addressed to the host's token; it never holds references to module
// objects, only instance IDs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/joeycumines/modsandbox/internal/metadata"
	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

// DefaultCallTimeout bounds a single call into module code.
const DefaultCallTimeout = 2 * time.Second

var (
	// ErrUnknownInstance is returned for an instance ID the host does not own.
	ErrUnknownInstance = errors.New("sandbox: unknown instance")
	// ErrHostClosed is returned by a host after destroy-session or Close.
	ErrHostClosed = errors.New("sandbox: host closed")
)

// Sources supplies module text to the host when a request carries none.
type Sources interface {
	ModuleSource(ctx context.Context, id module.ID) (workspace.Source, error)
}

// Config is shared by every host a Launcher starts.
type Config struct {
	Sources          Sources
	Assets           Assets
	MaxMetadataBytes int
	CallTimeout      time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxMetadataBytes <= 0 {
		c.MaxMetadataBytes = metadata.DefaultMaxBytes
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type instance struct {
	module.Instance
	intro module.Introspection
	// obj is only touched on the loop goroutine.
	obj *goja.Object
}

// Host is one isolated session, identified by its token.
type Host struct {
	token  string
	addr   router.Address
	router *router.Router
	cfg    Config
	logger *slog.Logger
	rt     *runtime
	detach func()

	mu        sync.Mutex
	instances map[string]*instance
	setID     string
	trackID   string
	active    []string
	closed    bool
}

// Start launches a host for token and attaches it to r at
// router.HostAddress(token).
func Start(r *router.Router, token string, cfg Config) (*Host, error) {
	if token == "" {
		return nil, errors.New("sandbox: empty token")
	}
	cfg = cfg.withDefaults()
	h := &Host{
		token:     token,
		addr:      router.HostAddress(token),
		router:    r,
		cfg:       cfg,
		logger:    cfg.Logger.With("token", token),
		instances: make(map[string]*instance),
	}

	printer := &logPrinter{logger: h.logger, forward: h.forwardLog}
	rt, err := newRuntime(printer, cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	h.rt = rt

	detach, err := r.Attach(h.addr, h.handle)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to attach host: %w", err)
	}
	h.detach = detach
	h.logger.Debug("host started")
	return h, nil
}

// Token returns the session token.
func (h *Host) Token() string { return h.token }

// Address returns the router address the host listens on.
func (h *Host) Address() router.Address { return h.addr }

// Close detaches the host and stops its loop. Module objects are dropped
// without their destroy hooks; send destroy-session first for a clean
// teardown.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed && h.detach == nil {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	detach := h.detach
	h.detach = nil
	h.instances = make(map[string]*instance)
	h.mu.Unlock()

	if detach != nil {
		detach()
	}
	h.rt.close()
	h.logger.Debug("host closed")
	return nil
}

// Instances returns the constructed instances, sorted by ID.
func (h *Host) Instances() []module.Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]module.Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, inst.Instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Active returns the set and track last announced by the controller and the
// instance IDs the track runs.
func (h *Host) Active() (setID, trackID string, instanceIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setID, h.trackID, slices.Clone(h.active)
}

func (h *Host) handle(m router.Message) {
	if m.Token != h.token {
		h.logger.Warn("host ignoring message for another token", "kind", m.Kind, "requestId", m.RequestID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.router.Timeout())
	defer cancel()

	switch m.Kind {
	case router.KindIntrospectModule:
		src, err := h.source(ctx, m)
		reply := router.Reply(m, router.KindIntrospectModuleResult)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Props = map[string]any{"introspection": Validate(m.ModuleID, src, h.cfg)}
		}
		h.reply(reply)

	case router.KindPreviewModule:
		h.reply(h.preview(ctx, m))

	case router.KindInstantiate:
		reply := router.Reply(m, router.KindInstantiateResult)
		inst, err := h.instantiate(ctx, m)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Props = map[string]any{"methods": inst.intro.Methods}
		}
		h.reply(reply)

	case router.KindInvokeMethod:
		reply := router.Reply(m, router.KindInvokeMethodResult)
		result, err := h.invoke(m)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Props = map[string]any{"result": result}
		}
		h.reply(reply)

	case router.KindDestroyInstance:
		if err := h.destroyInstance(m.InstanceID); err != nil {
			h.logger.Warn("destroy-instance failed", "instanceId", m.InstanceID, "error", err)
		}

	case router.KindDestroySession:
		h.destroyAll()
		h.reply(router.Reply(m, router.KindDestroySessionResult))

	case router.KindSetActivate:
		h.mu.Lock()
		h.setID = m.StringProp("setId")
		h.trackID = ""
		h.active = nil
		h.mu.Unlock()
		h.logger.Debug("set activated", "setId", m.StringProp("setId"))

	case router.KindTrackActivate:
		ids := stringList(m.Props["moduleInstances"])
		h.mu.Lock()
		h.trackID = m.StringProp("trackId")
		h.active = ids
		h.mu.Unlock()
		h.logger.Debug("track activated", "trackId", m.StringProp("trackId"), "instances", len(ids))

	default:
		h.logger.Warn("host ignoring unsupported message", "kind", m.Kind, "requestId", m.RequestID)
	}
}

func (h *Host) reply(m router.Message) {
	if err := h.router.Send(m); err != nil {
		h.logger.Debug("host reply not delivered", "kind", m.Kind, "requestId", m.RequestID, "error", err)
	}
}

// source returns props.source when present, else the workspace text.
func (h *Host) source(ctx context.Context, m router.Message) (string, error) {
	if s, ok := m.Props["source"].(string); ok {
		return s, nil
	}
	if m.ModuleID == "" {
		return "", errors.New("moduleId is required")
	}
	if h.cfg.Sources == nil {
		return "", fmt.Errorf("no source for module %s", m.ModuleID)
	}
	src, err := h.cfg.Sources.ModuleSource(ctx, m.ModuleID)
	if err != nil {
		return "", err
	}
	return src.Text, nil
}

// preview validates and constructs the module in a throwaway VM, so the
// session's own instances are untouched.
func (h *Host) preview(ctx context.Context, m router.Message) router.Message {
	src, err := h.source(ctx, m)
	if err != nil {
		reply := router.Reply(m, router.KindPreviewModuleError)
		reply.Error = err.Error()
		return reply
	}
	res := Validate(m.ModuleID, src, h.cfg)
	if !res.OK() {
		reply := router.Reply(m, router.KindPreviewModuleError)
		reply.Error = res.Err
		return reply
	}
	reply := router.Reply(m, router.KindPreviewModuleReady)
	reply.Props = map[string]any{"introspection": res}
	return reply
}

func (h *Host) instantiate(ctx context.Context, m router.Message) (*instance, error) {
	if m.InstanceID == "" || m.ModuleID == "" {
		return nil, errors.New("instantiate needs moduleId and instanceId")
	}
	h.mu.Lock()
	_, dup := h.instances[m.InstanceID]
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrHostClosed
	}
	if dup {
		return nil, fmt.Errorf("instance %s already exists", m.InstanceID)
	}

	src, err := h.source(ctx, m)
	if err != nil {
		return nil, err
	}

	inst := &instance{Instance: module.Instance{
		InstanceID: m.InstanceID,
		ModuleID:   m.ModuleID,
		TrackID:    m.StringProp("trackId"),
		Token:      h.token,
	}}
	var onLoad []module.MethodDefinition
	err = h.rt.runOnLoopSync(func(vm *goja.Runtime) error {
		l, err := loadModule(vm, m.ModuleID, src, h.cfg.MaxMetadataBytes, h.cfg.Assets)
		if err != nil {
			return err
		}
		obj, err := l.construct(vm, map[string]any{
			"instanceId": inst.InstanceID,
			"moduleId":   string(inst.ModuleID),
			"trackId":    inst.TrackID,
		})
		if err != nil {
			return invalid(m.ModuleID, "constructor failed: %v", err)
		}
		inst.obj = obj
		inst.intro = l.introspection(m.ModuleID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	h.instances[inst.InstanceID] = inst
	h.mu.Unlock()

	for _, def := range inst.intro.Methods {
		if def.ExecuteOnLoad {
			onLoad = append(onLoad, def)
		}
	}
	for _, def := range onLoad {
		if _, err := h.call(inst, def.Name, def.Defaults()); err != nil {
			h.logger.Warn("executeOnLoad method failed",
				"instanceId", inst.InstanceID, "moduleId", inst.ModuleID, "method", def.Name, "error", err)
		}
	}
	h.logger.Debug("instance created", "instanceId", inst.InstanceID, "moduleId", inst.ModuleID)
	return inst, nil
}

func (h *Host) invoke(m router.Message) (any, error) {
	h.mu.Lock()
	inst, ok := h.instances[m.InstanceID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, m.InstanceID)
	}
	name := m.StringProp("methodName")
	def, ok := inst.intro.Method(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %q", ErrUnknownMethod, inst.ModuleID, name)
	}
	given, _ := m.Props["options"].(map[string]any)
	opts, err := resolveOptions(def, given)
	if err != nil {
		return nil, err
	}
	return h.call(inst, name, opts)
}

func (h *Host) call(inst *instance, name string, opts map[string]any) (any, error) {
	var result any
	err := h.rt.runOnLoopSync(func(vm *goja.Runtime) error {
		fn, ok := goja.AssertFunction(inst.obj.Get(name))
		if !ok {
			return fmt.Errorf("%w: %s is not a function", ErrUnknownMethod, name)
		}
		v, err := fn(inst.obj, vm.ToValue(opts))
		if err != nil {
			return errors.New(jsReason(err))
		}
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			result = v.Export()
		}
		return nil
	})
	return result, err
}

func (h *Host) destroyInstance(id string) error {
	h.mu.Lock()
	inst, ok := h.instances[id]
	delete(h.instances, id)
	if ok {
		h.active = slices.DeleteFunc(h.active, func(s string) bool { return s == id })
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return h.runDestroyHook(inst)
}

func (h *Host) destroyAll() {
	h.mu.Lock()
	insts := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		insts = append(insts, inst)
	}
	h.instances = make(map[string]*instance)
	h.active = nil
	h.closed = true
	h.mu.Unlock()

	for _, inst := range insts {
		if err := h.runDestroyHook(inst); err != nil {
			h.logger.Warn("destroy hook failed", "instanceId", inst.InstanceID, "error", err)
		}
	}
	h.logger.Debug("session destroyed", "instances", len(insts))
}

func (h *Host) runDestroyHook(inst *instance) error {
	return h.rt.runOnLoopSync(func(vm *goja.Runtime) error {
		fn, ok := goja.AssertFunction(inst.obj.Get("destroy"))
		if !ok {
			return nil
		}
		if _, err := fn(inst.obj); err != nil {
			return errors.New(jsReason(err))
		}
		return nil
	})
}

// forwardLog relays module console output to the dashboard when one is
// attached.
func (h *Host) forwardLog(level slog.Level, msg string) {
	if !h.router.Attached(router.Dashboard) {
		return
	}
	_ = h.router.Send(router.Message{
		Kind:  router.KindHostLog,
		From:  h.addr,
		To:    router.Dashboard,
		Token: h.token,
		Props: map[string]any{"level": level.String(), "message": msg},
	})
}

func stringList(v any) []string {
	switch s := v.(type) {
	case []string:
		return slices.Clone(s)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Launcher starts hosts on a shared router.
type Launcher struct {
	Router *router.Router
	Config Config
}

// Launch starts a host session for token.
func (l *Launcher) Launch(ctx context.Context, token string) (*Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Start(l.Router, token, l.Config)
}
