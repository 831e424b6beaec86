package cli

import (
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/OrlandoBitencourt/flagsync"
)

const defaultReadyTimeout = 10 * time.Second

func newLogger(opts *RootOptions, w io.Writer) (*log.Entry, error) {
	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --log-level", err)
	}

	logger := log.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	if opts.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return log.NewEntry(logger).WithField("component", "cli"), nil
}

// loadConfig resolves the layered configuration and applies flag overrides.
func loadConfig(opts *RootOptions) (flagsync.Config, error) {
	cfg, err := flagsync.LoadConfig(opts.ConfigPath, opts.EnvFiles...)
	if err != nil {
		return flagsync.Config{}, WrapExitError(ExitCommandError, "load configuration", err)
	}
	if opts.URL != "" {
		cfg.URL = opts.URL
	}
	return cfg, nil
}

// newProvider builds a provider from cfg. Admin settings in cfg are honored,
// so callers clear cfg.Admin when they do not serve.
func newProvider(opts *RootOptions, cfg flagsync.Config, logger *log.Entry) (*flagsync.Provider, error) {
	all := append([]flagsync.Option{
		flagsync.WithConfig(cfg),
		flagsync.WithLogger(logger),
	}, opts.extra...)

	p, err := flagsync.New(all...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return p, nil
}

// mountReady mounts p and waits for construction, failing on a
// construction error.
func mountReady(ctx context.Context, p *flagsync.Provider, timeout time.Duration) error {
	if err := p.Mount(ctx); err != nil {
		return WrapExitError(ExitFailure, "mount", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.WaitReady(waitCtx); err != nil {
		return WrapExitError(ExitFailure, "flag client not ready", err)
	}
	return nil
}
