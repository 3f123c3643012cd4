package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

var (
	// ErrLoopStopped is returned once the runtime has been closed.
	ErrLoopStopped = errors.New("sandbox: event loop not running")
	// ErrCallTimeout interrupts module code that runs for too long.
	ErrCallTimeout = errors.New("sandbox: module call timed out")
	// ErrReentrant is returned when RunOnLoopSync is called from the loop
	// goroutine itself, which would otherwise deadlock.
	ErrReentrant = errors.New("sandbox: synchronous call from the event loop")
)

// runtime owns one goja VM and the event loop that serializes all access to
// it. goja.Runtime is not goroutine-safe: every use goes through
// runOnLoopSync. Interrupt is the one call allowed from other goroutines.
type runtime struct {
	loop    *eventloop.EventLoop
	timeout time.Duration

	// vm is captured on the loop at start and only used for Interrupt.
	vm     *goja.Runtime
	loopID atomic.Int64

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// newRuntime starts a loop whose console output goes to printer. timeout
// bounds each synchronous call; a call that overruns is interrupted.
func newRuntime(printer console.Printer, timeout time.Duration) (*runtime, error) {
	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(printer))

	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(true),
	)
	rt := &runtime{
		loop:    loop,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	loop.Start()

	ready := make(chan struct{})
	if !loop.RunOnLoop(func(vm *goja.Runtime) {
		rt.vm = vm
		rt.loopID.Store(goroutineID())
		close(ready)
	}) {
		loop.Stop()
		return nil, fmt.Errorf("failed to initialize runtime: %w", ErrLoopStopped)
	}
	<-ready
	return rt, nil
}

// close stops the loop. It is safe to call more than once.
func (rt *runtime) close() {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return
	}
	rt.stopped = true
	rt.mu.Unlock()
	close(rt.done)
	rt.vm.Interrupt(ErrLoopStopped)
	rt.loop.Stop()
}

func (rt *runtime) running() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return !rt.stopped
}

// runOnLoopSync runs fn on the loop and waits for it. A call that exceeds
// the timeout is interrupted and reported as ErrCallTimeout; panics inside
// fn become errors.
func (rt *runtime) runOnLoopSync(fn func(vm *goja.Runtime) error) error {
	if !rt.running() {
		return ErrLoopStopped
	}
	if id := rt.loopID.Load(); id > 0 && id == goroutineID() {
		return ErrReentrant
	}

	errCh := make(chan error, 1)
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("module code panicked: %v", r)
			}
		}()
		vm.ClearInterrupt()
		errCh <- fn(vm)
	}) {
		return ErrLoopStopped
	}

	if rt.timeout <= 0 {
		select {
		case err := <-errCh:
			return err
		case <-rt.done:
			return ErrLoopStopped
		}
	}

	timer := time.NewTimer(rt.timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-rt.done:
		return ErrLoopStopped
	case <-timer.C:
		rt.vm.Interrupt(ErrCallTimeout)
		// the interrupted call still has to unwind before the loop is usable
		select {
		case <-errCh:
		case <-rt.done:
		}
		return fmt.Errorf("%w after %v", ErrCallTimeout, rt.timeout)
	}
}
