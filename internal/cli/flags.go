package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/OrlandoBitencourt/flagsync"
)

// NewFlagsCommand creates the flags command.
func NewFlagsCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List the flags of the configured namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlags(cmd, rootOpts, timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultReadyTimeout, "how long to wait for the client")

	return cmd
}

func runFlags(cmd *cobra.Command, rootOpts *RootOptions, timeout time.Duration) error {
	logger, err := newLogger(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	cfg.Admin = flagsync.AdminConfig{}

	p, err := newProvider(rootOpts, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Unmount()

	ctx := cmd.Context()
	if err := mountReady(ctx, p, timeout); err != nil {
		return err
	}

	flags, err := p.Client().Handle.ListFlags(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "list flags", err)
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTYPE\tENABLED\tDESCRIPTION")
	for _, f := range flags {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", f.Key, f.Type, f.Enabled, f.Description)
	}
	tw.Flush()

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	return out.Emit(flags, strings.TrimRight(b.String(), "\n"))
}
