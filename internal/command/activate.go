package command

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/joeycumines/modsandbox/internal/config"
	"github.com/joeycumines/modsandbox/internal/lifecycle"
)

// ActivateCommand provisions a set/track once, reports what went live and
// drains it again. It is a dry run of what serve does on activation.
type ActivateCommand struct {
	*BaseCommand
	config *config.Config
	env    envFlags
	json   bool
}

// NewActivateCommand creates a new activate command.
func NewActivateCommand(cfg *config.Config) *ActivateCommand {
	return &ActivateCommand{
		BaseCommand: NewBaseCommand(
			"activate",
			"Provision a set/track in a fresh host and report the instances",
			"activate [options] <setId> <trackId>",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the activate command.
func (c *ActivateCommand) SetupFlags(fs *flag.FlagSet) {
	c.env.register(fs)
	fs.BoolVar(&c.json, "json", false, "Print the activation result as JSON")
}

// Execute activates the track. Instances that failed to instantiate are
// reported and fail the command; the track still went live.
func (c *ActivateCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	if len(args) != 2 {
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", c.Usage())
		return fmt.Errorf("expected a set id and a track id")
	}
	e, err := openEnv(c.config, c.Name(), c.env, stderr)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	res, err := e.stack.Manager.Activate(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if c.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		writeActivation(stdout, res)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d instance(s) failed to instantiate", len(res.Failed))
	}
	return nil
}

func writeActivation(out io.Writer, res lifecycle.Result) {
	_, _ = fmt.Fprintf(out, "Live: %s/%s\n", res.SetID, res.TrackID)
	_, _ = fmt.Fprintf(out, "Token: %s\n", res.Token)
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, inst := range res.Instances {
		_, _ = fmt.Fprintf(w, "  %s\t%s\tok\n", inst.InstanceID, inst.ModuleID)
	}
	for _, f := range res.Failed {
		_, _ = fmt.Fprintf(w, "  %s\t%s\tfailed: %s\n", f.InstanceID, f.ModuleID, f.Reason)
	}
	_ = w.Flush()
}
