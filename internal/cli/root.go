// Package cli implements the flagsync command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/OrlandoBitencourt/flagsync"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFiles   []string
	URL        string
	LogLevel   string
	Format     string // "json" | "text"

	// extra is appended after the loaded configuration; tests inject a
	// handle factory and clock through it.
	extra []flagsync.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the flagsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand()
}

func newRootCommand(extra ...flagsync.Option) *cobra.Command {
	opts := &RootOptions{extra: extra}

	cmd := &cobra.Command{
		Use:   "flagsync",
		Short: "Inspect and serve Flipt feature flags",
		Long: `flagsync keeps a Flipt evaluation client in sync with the server and
exposes it for inspection: watch flag values change, evaluate a single flag,
list the flags of a namespace, or serve the admin API.

Configuration is read from --config (YAML), then --env-file, then FLIPT_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv file(s) loaded before reading FLIPT_* variables")
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "Flipt server URL (overrides configuration)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewEvalCommand(opts))
	cmd.AddCommand(NewFlagsCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}
