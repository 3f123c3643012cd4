package command

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/joeycumines/modsandbox/internal/config"
	"github.com/joeycumines/modsandbox/internal/module"
)

// IntrospectCommand validates modules in isolated hosts and reports their
// declared metadata.
type IntrospectCommand struct {
	*BaseCommand
	config *config.Config
	env    envFlags
	format string
}

// NewIntrospectCommand creates a new introspect command.
func NewIntrospectCommand(cfg *config.Config) *IntrospectCommand {
	return &IntrospectCommand{
		BaseCommand: NewBaseCommand(
			"introspect",
			"Validate modules and print their declared methods",
			"introspect [options] [moduleId...]",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the introspect command.
func (c *IntrospectCommand) SetupFlags(fs *flag.FlagSet) {
	c.env.register(fs)
	fs.StringVar(&c.format, "format", "", "Output format: text or json (overrides [introspect] format)")
}

type introspectEntry struct {
	ModuleID      module.ID            `json:"moduleId"`
	Introspection module.Introspection `json:"introspection"`
}

// Execute introspects every named module, or the whole workspace when none
// are named. It fails when any module is invalid.
func (c *IntrospectCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	format, err := outputFormat(c.format, c.config, c.Name())
	if err != nil {
		return err
	}
	e, err := openEnv(c.config, c.Name(), c.env, stderr)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	ids := make([]module.ID, 0, len(args))
	for _, a := range args {
		ids = append(ids, module.ID(a))
	}
	if len(ids) == 0 {
		if ids, err = e.ws.Modules(ctx); err != nil {
			return err
		}
	}

	entries := make([]introspectEntry, 0, len(ids))
	var failed int
	for _, id := range ids {
		res, err := e.stack.Manager.Introspect(ctx, id)
		if err != nil {
			return fmt.Errorf("introspect %s: %w", id, err)
		}
		if !res.OK() {
			failed++
		}
		entries = append(entries, introspectEntry{ModuleID: id, Introspection: res})
	}

	if format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, entry := range entries {
			writeIntrospection(w, entry.ModuleID, entry.Introspection)
		}
		_ = w.Flush()
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed validation", failed, len(entries))
	}
	return nil
}

func writeIntrospection(w io.Writer, id module.ID, res module.Introspection) {
	if !res.OK() {
		_, _ = fmt.Fprintf(w, "%s\terror\t%s\n", id, res.Err)
		return
	}
	names := make([]string, 0, len(res.Methods))
	for _, m := range res.Methods {
		names = append(names, m.Name)
	}
	label := res.Name
	if res.Category != "" {
		label += " (" + res.Category + ")"
	}
	_, _ = fmt.Fprintf(w, "%s\tok\t%s\t%s\n", id, label, strings.Join(names, ", "))
}

// outputFormat resolves the format flag against the command's config
// section.
func outputFormat(flagValue string, cfg *config.Config, command string) (string, error) {
	format := flagValue
	if format == "" && cfg != nil {
		format = config.DefaultSchema().ResolveCommand(cfg, command, "format")
	}
	switch format {
	case "", "text":
		return "text", nil
	case "json":
		return "json", nil
	}
	return "", fmt.Errorf("invalid format %q: want text or json", format)
}
