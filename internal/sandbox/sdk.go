package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/joeycumines/modsandbox/internal/metadata"
	"github.com/joeycumines/modsandbox/internal/module"
)

// Assets is what module code may learn about the workspace's assets.
type Assets interface {
	ListAssets(ctx context.Context, dir string) ([]string, error)
	ResolveAssetURL(rel string) (string, bool)
}

// SDK names that a module may list in its imports header.
const (
	ImportModuleBase = "ModuleBase"
	ImportAssetURL   = "assetUrl"
	ImportListAssets = "listAssets"
	ImportRandom     = "random"
	ImportClamp      = "clamp"
)

var knownImports = map[string]bool{
	ImportModuleBase: true,
	ImportAssetURL:   true,
	ImportListAssets: true,
	ImportRandom:     true,
	ImportClamp:      true,
}

// KnownImports returns the importable SDK names, sorted.
func KnownImports() []string {
	out := make([]string, 0, len(knownImports))
	for k := range knownImports {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var prelude = goja.MustCompile("prelude.js", `(function () {
	class ModuleBase {
		constructor(ctx) {
			this.ctx = ctx || {};
			this.instanceId = this.ctx.instanceId;
			this.moduleId = this.ctx.moduleId;
		}
		destroy() {}
	}
	return ModuleBase;
})()`, true)

// ValidationError reports module source that failed to load or construct.
type ValidationError struct {
	ModuleID module.ID
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("module %s failed validation: %s", e.ModuleID, e.Reason)
}

func invalid(id module.ID, format string, args ...any) error {
	return &ValidationError{ModuleID: id, Reason: fmt.Sprintf(format, args...)}
}

// loaded is a module class compiled into one VM.
type loaded struct {
	meta    metadata.Metadata
	ctor    goja.Constructor
	methods []module.MethodDefinition
}

// loadModule evaluates source in vm and extracts its class and declared
// methods. Must run on the goroutine that owns vm.
func loadModule(vm *goja.Runtime, id module.ID, source string, maxBytes int, assets Assets) (*loaded, error) {
	meta := metadata.Parse(source, maxBytes)
	for _, name := range meta.Imports {
		if !knownImports[name] {
			return nil, invalid(id, "unknown import %q", name)
		}
	}

	base, err := vm.RunProgram(prelude)
	if err != nil {
		return nil, fmt.Errorf("failed to run prelude: %w", err)
	}
	sdk := map[string]goja.Value{
		ImportModuleBase: base,
		ImportAssetURL:   vm.ToValue(assetURLFunc(vm, assets)),
		ImportListAssets: vm.ToValue(listAssetsFunc(vm, assets)),
		ImportRandom:     vm.ToValue(randomBetween),
		ImportClamp:      vm.ToValue(clamp),
	}

	params := append([]string{"module", "exports"}, meta.Imports...)
	wrapped := "(function (" + strings.Join(params, ", ") + ") {\n" + source + "\n})"
	prg, err := goja.Compile(string(id)+".js", wrapped, false)
	if err != nil {
		return nil, invalid(id, "%s", jsReason(err))
	}
	fnVal, err := vm.RunProgram(prg)
	if err != nil {
		return nil, invalid(id, "%s", jsReason(err))
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, invalid(id, "module wrapper is not callable")
	}

	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	_ = moduleObj.Set("exports", exportsObj)
	args := []goja.Value{moduleObj, exportsObj}
	for _, name := range meta.Imports {
		args = append(args, sdk[name])
	}
	if _, err := fn(goja.Undefined(), args...); err != nil {
		return nil, invalid(id, "%s", jsReason(err))
	}

	exported := moduleObj.Get("exports")
	ctor, ok := goja.AssertConstructor(exported)
	if !ok {
		return nil, invalid(id, "module.exports is not a class")
	}
	methods, err := declaredMethods(vm, exported.ToObject(vm))
	if err != nil {
		return nil, invalid(id, "%v", err)
	}
	return &loaded{meta: meta, ctor: ctor, methods: methods}, nil
}

// declaredMethods reads the class's static methods table.
func declaredMethods(vm *goja.Runtime, class *goja.Object) ([]module.MethodDefinition, error) {
	v := class.Get("methods")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("static methods is not serializable: %w", err)
	}
	var methods []module.MethodDefinition
	if err := json.Unmarshal(raw, &methods); err != nil {
		return nil, fmt.Errorf("static methods is malformed: %w", err)
	}

	names := make(map[string]bool, len(methods))
	for _, m := range methods {
		if m.Name == "" {
			return nil, errors.New("method without a name")
		}
		if names[m.Name] {
			return nil, fmt.Errorf("duplicate method %q", m.Name)
		}
		names[m.Name] = true
		if fn, ok := goja.AssertFunction(class.Get("prototype").ToObject(vm).Get(m.Name)); !ok || fn == nil {
			return nil, fmt.Errorf("declared method %q is not implemented", m.Name)
		}
		opts := make(map[string]bool, len(m.Options))
		for _, o := range m.Options {
			if o.Name == "" {
				return nil, fmt.Errorf("method %q: option without a name", m.Name)
			}
			if opts[o.Name] {
				return nil, fmt.Errorf("method %q: duplicate option %q", m.Name, o.Name)
			}
			opts[o.Name] = true
			if !o.Type.Known() {
				return nil, fmt.Errorf("method %q option %q: unknown type %q", m.Name, o.Name, o.Type)
			}
		}
	}
	return methods, nil
}

// construct instantiates the class with a context object.
func (l *loaded) construct(vm *goja.Runtime, ctx map[string]any) (*goja.Object, error) {
	obj, err := l.ctor(nil, vm.ToValue(ctx))
	if err != nil {
		return nil, errors.New(jsReason(err))
	}
	return obj, nil
}

func (l *loaded) introspection(id module.ID) module.Introspection {
	name := l.meta.Name
	if name == "" {
		name = baseName(id)
	}
	return module.Introspection{
		Name:     name,
		Category: l.meta.Category,
		Imports:  l.meta.Imports,
		Methods:  l.methods,
	}
}

func assetURLFunc(vm *goja.Runtime, assets Assets) func(string) goja.Value {
	return func(rel string) goja.Value {
		if assets == nil {
			return goja.Null()
		}
		u, ok := assets.ResolveAssetURL(rel)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(u)
	}
}

func listAssetsFunc(vm *goja.Runtime, assets Assets) func(string) goja.Value {
	return func(dir string) goja.Value {
		if assets == nil {
			return vm.NewArray()
		}
		names, err := assets.ListAssets(context.Background(), dir)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		items := make([]any, len(names))
		for i, n := range names {
			items[i] = n
		}
		return vm.NewArray(items...)
	}
}

func randomBetween(lo, hi float64) float64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + rand.Float64()*(hi-lo)
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	return min(max(v, lo), hi)
}

// jsReason renders a goja error as a one-line reason.
func jsReason(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return cause.Error()
		}
	}
	return err.Error()
}

func baseName(id module.ID) string {
	s := string(id)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
