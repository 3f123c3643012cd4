package command

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/modsandbox/internal/config"
	"github.com/joeycumines/modsandbox/internal/httpapi"
	"github.com/joeycumines/modsandbox/internal/lifecycle"
	"github.com/joeycumines/modsandbox/internal/module"
)

// ServeCommand runs the controller and serves the session API over HTTP
// until interrupted.
type ServeCommand struct {
	*BaseCommand
	config   *config.Config
	env      envFlags
	listen   string
	activate string
	noWatch  bool

	// onListen, when set, receives the bound address before serving.
	onListen func(net.Addr)
}

// NewServeCommand creates a new serve command.
func NewServeCommand(cfg *config.Config) *ServeCommand {
	return &ServeCommand{
		BaseCommand: NewBaseCommand(
			"serve",
			"Serve the session API for a dashboard",
			"serve [options]",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the serve command.
func (c *ServeCommand) SetupFlags(fs *flag.FlagSet) {
	c.env.register(fs)
	fs.StringVar(&c.listen, "listen", "", "Listen address (overrides http.listen)")
	fs.StringVar(&c.activate, "activate", "", "Activate setId/trackId at startup (overrides [serve] activate)")
	fs.BoolVar(&c.noWatch, "no-watch", false, "Do not revalidate modules when their files change")
}

// Execute serves until ctx is cancelled, then drains the live session.
func (c *ServeCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	e, err := openEnv(c.config, c.Name(), c.env, stderr)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	schema := config.DefaultSchema()
	watch := !c.noWatch
	if watch {
		if v := schema.ResolveCommand(c.config, c.Name(), "watch"); v != "" {
			if watch, err = config.ParseBool(v); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
		}
	}
	startup := c.activate
	if startup == "" {
		startup = schema.ResolveCommand(c.config, c.Name(), "activate")
	}
	listen := c.listen
	if listen == "" {
		listen = e.settings.HTTPListen
	}

	logger := e.logger
	e.stack.Coordinator.Observe(logTransitions(logger))

	c.warm(ctx, e)

	if startup != "" {
		setID, trackID, ok := strings.Cut(startup, "/")
		if !ok {
			return fmt.Errorf("activate: want setId/trackId, got %q", startup)
		}
		res, err := e.stack.Manager.Activate(ctx, setID, trackID)
		if err != nil {
			return fmt.Errorf("activate %s: %w", startup, err)
		}
		logger.Info("activated", "setId", res.SetID, "trackId", res.TrackID,
			"instances", len(res.Instances), "failed", len(res.Failed))
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	if c.onListen != nil {
		c.onListen(ln.Addr())
	}
	srv := &http.Server{
		Handler: httpapi.NewHandler(httpapi.Options{
			Sessions:     e.stack.Manager,
			Catalog:      e.ws,
			AssetsDir:    e.ws.AssetsDir(),
			AssetBaseURL: e.ws.AssetBaseURL(),
			Logger:       logger.With("component", "http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	_, _ = fmt.Fprintf(stdout, "Serving %s on http://%s\n", e.ws.Root(), ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if watch {
		g.Go(func() error {
			return e.ws.Watch(gctx, logger.With("component", "watch"), func(id module.ID) {
				res, err := e.stack.Manager.Introspect(gctx, id)
				switch {
				case err != nil:
					logger.Warn("revalidation failed", "moduleId", id, "error", err)
				case !res.OK():
					logger.Warn("module invalid", "moduleId", id, "reason", res.Err)
				default:
					logger.Info("module revalidated", "moduleId", id, "methods", len(res.Methods))
				}
			})
		})
	}
	return g.Wait()
}

// logTransitions logs each lifecycle event. An event whose data does not
// decode is still logged by type.
func logTransitions(logger *slog.Logger) lifecycle.Observer {
	return func(ev cloudevents.Event) {
		var t lifecycle.Transition
		if err := ev.DataAs(&t); err != nil {
			logger.Debug("undecodable lifecycle event", "event", ev.Type(), "id", ev.ID(), "error", err)
		}
		logger.Info("lifecycle transition",
			"event", ev.Type(),
			"id", ev.ID(),
			"from", t.From,
			"to", t.To,
			"setId", t.SetID,
			"trackId", t.TrackID,
			"reason", t.Reason,
		)
	}
}

// warm resolves every module once so the first dashboard listing is served
// from the cache. Failures are logged only.
func (c *ServeCommand) warm(ctx context.Context, e *env) {
	ids, err := e.ws.Modules(ctx)
	if err != nil {
		e.logger.Warn("failed to list modules", "error", err)
		return
	}
	var invalid int
	for _, id := range ids {
		res, err := e.stack.Manager.Introspect(ctx, id)
		if err != nil {
			e.logger.Warn("introspection failed", "moduleId", id, "error", err)
			continue
		}
		if !res.OK() {
			invalid++
			e.logger.Warn("module invalid", "moduleId", id, "reason", res.Err)
		}
	}
	e.logger.Info("introspection cache warmed", "modules", len(ids), "invalid", invalid)
}
