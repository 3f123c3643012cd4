// Package introspect memoizes module introspection per module ID, keyed by
// the module file's modification time.
//
// The modification time is the only invalidation signal. A cached entry is
// reused while the workspace reports the same mtime it was computed against,
// whether it holds a success or a validation failure; content is never
// compared.
package introspect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

// Workspace is the subset of the workspace collaborator the cache reads.
type Workspace interface {
	ModuleSource(ctx context.Context, id module.ID) (workspace.Source, error)
	ModuleMtime(ctx context.Context, id module.ID) (int64, error)
}

// Validator checks module source inside the isolated host. A module that
// fails validation is reported through Introspection.Err with a nil error;
// a non-nil error means validation could not be performed at all (no host,
// timeout) and is not cached.
type Validator interface {
	Validate(ctx context.Context, id module.ID, source string) (module.Introspection, error)
}

type entry struct {
	mtimeMs int64
	result  module.Introspection
}

// Stats counts cache activity since construction.
type Stats struct {
	Hits        int64 `json:"hits"`
	Loads       int64 `json:"loads"`
	Validations int64 `json:"validations"`
}

// Cache is safe for concurrent use. Resolves for distinct module IDs never
// wait on each other; resolves for the same ID share one in-flight
// recomputation.
type Cache struct {
	ws        Workspace
	validator Validator
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[module.ID]entry

	group singleflight.Group

	hits, loads, validations atomic.Int64
}

// New returns an empty Cache.
func New(ws Workspace, validator Validator, logger *slog.Logger) *Cache {
	if ws == nil || validator == nil {
		panic("introspect: nil workspace or validator")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		ws:        ws,
		validator: validator,
		logger:    logger,
		entries:   make(map[module.ID]entry),
	}
}

// Resolve returns the introspection of id, recomputing it only when the
// module's modification time differs from the cached entry's.
func (c *Cache) Resolve(ctx context.Context, id module.ID) (module.Introspection, error) {
	mtime, err := c.ws.ModuleMtime(ctx, id)
	if err != nil {
		return module.Introspection{}, fmt.Errorf("failed to stat module %s: %w", id, err)
	}
	if res, ok := c.lookup(id, mtime); ok {
		c.hits.Add(1)
		return res, nil
	}

	ch := c.group.DoChan(string(id), func() (any, error) {
		// a flight that finished since the stat may already cover this mtime
		if res, ok := c.lookup(id, mtime); ok {
			c.hits.Add(1)
			return res, nil
		}
		return c.recompute(context.WithoutCancel(ctx), id)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return module.Introspection{}, r.Err
		}
		return r.Val.(module.Introspection), nil
	case <-ctx.Done():
		return module.Introspection{}, ctx.Err()
	}
}

// Peek returns the cached entry for id without consulting the workspace.
func (c *Cache) Peek(id module.ID) (module.Introspection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.result, ok
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Loads:       c.loads.Load(),
		Validations: c.validations.Load(),
	}
}

func (c *Cache) lookup(id module.ID, mtimeMs int64) (module.Introspection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.mtimeMs != mtimeMs {
		return module.Introspection{}, false
	}
	return e.result, true
}

func (c *Cache) recompute(ctx context.Context, id module.ID) (module.Introspection, error) {
	c.loads.Add(1)
	src, err := c.ws.ModuleSource(ctx, id)
	if err != nil {
		return module.Introspection{}, fmt.Errorf("failed to load module %s: %w", id, err)
	}
	// the load's mtime describes the text we are about to validate; the
	// earlier stat may already be stale
	if res, ok := c.lookup(id, src.MtimeMs); ok {
		return res, nil
	}

	c.validations.Add(1)
	res, err := c.validator.Validate(ctx, id, src.Text)
	if err != nil {
		return module.Introspection{}, fmt.Errorf("failed to validate module %s: %w", id, err)
	}
	res.MtimeMs = src.MtimeMs

	c.mu.Lock()
	c.entries[id] = entry{mtimeMs: src.MtimeMs, result: res}
	c.mu.Unlock()

	if res.OK() {
		c.logger.Debug("module introspected", "moduleId", id, "mtimeMs", src.MtimeMs, "methods", len(res.Methods))
	} else {
		c.logger.Info("module failed validation", "moduleId", id, "mtimeMs", src.MtimeMs, "error", res.Err)
	}
	return res, nil
}
