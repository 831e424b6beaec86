package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OrlandoBitencourt/flagsync"
)

// EvalOptions holds flags for the eval command.
type EvalOptions struct {
	EntityID string
	Context  map[string]string
	Timeout  time.Duration
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvalOptions{}

	cmd := &cobra.Command{
		Use:   "eval boolean|variant <flag-key>",
		Short: "Evaluate one flag for an entity",
		Long: `Evaluate a boolean or variant flag once and print the result.

Unlike the library accessors there is no fallback: an evaluation failure is
reported and the command exits non-zero.`,
		Example: `  flagsync eval boolean new-checkout --entity user-1 --ctx plan=pro
  flagsync eval variant theme --entity user-1 --format json`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"boolean", "variant"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, rootOpts, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opts.EntityID, "entity", "e", "", "entity id to evaluate for (required)")
	cmd.Flags().StringToStringVar(&opts.Context, "ctx", nil, "evaluation context as key=value pairs")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaultReadyTimeout, "how long to wait for the client")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runEval(cmd *cobra.Command, rootOpts *RootOptions, opts *EvalOptions, kind, flagKey string) error {
	if kind != "boolean" && kind != "variant" {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown evaluation kind %q: must be boolean or variant", kind))
	}

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
	if err := mountReady(ctx, p, opts.Timeout); err != nil {
		return err
	}

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	req := flagsync.NewEvaluationRequest(flagKey, opts.EntityID, opts.Context)
	handle := p.Client().Handle

	if kind == "boolean" {
		resp, err := handle.EvaluateBoolean(ctx, req)
		if err != nil {
			return WrapExitError(ExitFailure, "evaluate "+flagKey, err)
		}
		return out.Emit(resp, fmt.Sprintf("%s: %t (%s)", resp.FlagKey, resp.Enabled, resp.Reason))
	}

	resp, err := handle.EvaluateVariant(ctx, req)
	if err != nil {
		return WrapExitError(ExitFailure, "evaluate "+flagKey, err)
	}
	text := fmt.Sprintf("%s: %s (%s)", resp.FlagKey, resp.VariantKey, resp.Reason)
	if !resp.Match {
		text = fmt.Sprintf("%s: no match (%s)", resp.FlagKey, resp.Reason)
	}
	if len(resp.SegmentKeys) > 0 {
		text += " segments=" + strings.Join(resp.SegmentKeys, ",")
	}
	return out.Emit(resp, text)
}
