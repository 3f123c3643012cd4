package sandbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/joeycumines/modsandbox/internal/module"
)

// Validate introspects source in a throwaway runtime built like a host's:
// it loads the module on a short-lived event loop, constructs one instance
// and extracts the declared shape. The loop is stopped afterwards, so timers
// the constructor starts never fire. Failures are reported in
// Introspection.Err; MtimeMs is left for the caller to set.
func Validate(id module.ID, source string, cfg Config) module.Introspection {
	cfg = cfg.withDefaults()
	rt, err := newRuntime(&logPrinter{logger: cfg.Logger.With("moduleId", id, "context", "validate")}, cfg.CallTimeout)
	if err != nil {
		return module.Introspection{Err: err.Error()}
	}
	defer rt.close()

	var res module.Introspection
	err = rt.runOnLoopSync(func(vm *goja.Runtime) error {
		l, err := loadModule(vm, id, source, cfg.MaxMetadataBytes, cfg.Assets)
		if err != nil {
			return err
		}
		if _, err := l.construct(vm, map[string]any{"moduleId": string(id)}); err != nil {
			return invalid(id, "constructor failed: %v", err)
		}
		res = l.introspection(id)
		return nil
	})
	if err != nil {
		return module.Introspection{Err: failureReason(err)}
	}
	return res
}

func failureReason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return jsReason(err)
}

// logPrinter forwards module console output to slog.
type logPrinter struct {
	logger *slog.Logger
	// forward, if set, also receives each line.
	forward func(level slog.Level, msg string)
}

func (p *logPrinter) print(level slog.Level, s string) {
	p.logger.Log(context.Background(), level, "module console", "message", s)
	if p.forward != nil {
		p.forward(level, s)
	}
}

func (p *logPrinter) Log(s string)   { p.print(slog.LevelInfo, s) }
func (p *logPrinter) Info(s string)  { p.print(slog.LevelInfo, s) }
func (p *logPrinter) Debug(s string) { p.print(slog.LevelDebug, s) }
func (p *logPrinter) Warn(s string)  { p.print(slog.LevelWarn, s) }
func (p *logPrinter) Error(s string) { p.print(slog.LevelError, s) }
