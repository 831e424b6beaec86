package cli

import (
	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Addr          string
	Webhook       bool
	WebhookSecret string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API until interrupted",
		Long: `Mount a flag client and serve its admin API:

  GET  /health
  GET  /admin/stats
  GET  /admin/flags
  POST /admin/refresh
  POST /admin/evaluate/boolean
  POST /admin/evaluate/variant
  POST /webhook              (with --webhook)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default: admin.addr from configuration, else :19000)")
	cmd.Flags().BoolVar(&opts.Webhook, "webhook", false, "enable POST /webhook")
	cmd.Flags().StringVar(&opts.WebhookSecret, "webhook-secret", "", "HMAC secret for webhook signatures")

	return cmd
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions, opts *ServeOptions) error {
	logger, err := newLogger(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	if opts.Addr != "" {
		cfg.Admin.Addr = opts.Addr
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":19000"
	}
	if cmd.Flags().Changed("webhook") {
		cfg.Admin.Webhook = opts.Webhook
	}
	if opts.WebhookSecret != "" {
		cfg.Admin.WebhookSecret = opts.WebhookSecret
	}

	p, err := newProvider(rootOpts, cfg, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := p.Mount(ctx); err != nil {
		p.Unmount()
		return WrapExitError(ExitFailure, "mount", err)
	}
	logger.WithField("addr", cfg.Admin.Addr).Info("admin server listening")

	<-ctx.Done()
	logger.Info("shutting down")
	if err := p.Unmount(); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	return nil
}
