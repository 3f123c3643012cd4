package command

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/joeycumines/modsandbox/internal/config"
	"github.com/joeycumines/modsandbox/internal/module"
)

// PreviewCommand runs the preview handshake against a live host.
type PreviewCommand struct {
	*BaseCommand
	config     *config.Config
	env        envFlags
	format     string
	sourceFile string
}

// NewPreviewCommand creates a new preview command.
func NewPreviewCommand(cfg *config.Config) *PreviewCommand {
	return &PreviewCommand{
		BaseCommand: NewBaseCommand(
			"preview",
			"Load a module into a live host and report what it declares",
			"preview [options] <moduleId>",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the preview command.
func (c *PreviewCommand) SetupFlags(fs *flag.FlagSet) {
	c.env.register(fs)
	fs.StringVar(&c.format, "format", "", "Output format: text or json (overrides [preview] format)")
	fs.StringVar(&c.sourceFile, "source-file", "", "Preview this file's text in place of the saved module")
}

// Execute previews one module. Module errors reported by the host fail the
// command.
func (c *PreviewCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	if len(args) != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", c.Usage())
		return fmt.Errorf("expected exactly one module id")
	}
	id := module.ID(args[0])
	if err := id.Validate(); err != nil {
		return err
	}
	format, err := outputFormat(c.format, c.config, c.Name())
	if err != nil {
		return err
	}
	var source string
	if c.sourceFile != "" {
		b, err := os.ReadFile(c.sourceFile)
		if err != nil {
			return fmt.Errorf("failed to read source file: %w", err)
		}
		source = string(b)
	}

	e, err := openEnv(c.config, c.Name(), c.env, stderr)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	res, err := e.stack.Manager.Preview(ctx, id, source)
	if err != nil {
		return fmt.Errorf("preview %s: %w", id, err)
	}

	if format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(introspectEntry{ModuleID: id, Introspection: res})
	}
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	writeIntrospection(w, id, res)
	for _, m := range res.Methods {
		for _, o := range m.Options {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", m.Name, o.Name, o.Type)
		}
	}
	return w.Flush()
}
