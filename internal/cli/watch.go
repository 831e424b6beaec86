package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OrlandoBitencourt/flagsync"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	Flags    []string
	Expr     string
	EntityID string
	Context  map[string]string
	Fallback bool
	Updates  int
}

// WatchEvent is one printed state of the watched client.
type WatchEvent struct {
	Version   uint64          `json:"version"`
	State     string          `json:"state"`
	Error     string          `json:"error,omitempty"`
	Flags     map[string]bool `json:"flags,omitempty"`
	Expr      interface{}     `json:"expr,omitempty"`
	ExprError string          `json:"expr_error,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print flag values every time the snapshot changes",
		Long: `Mount a flag client and print its state, then print it again on every
change notification until interrupted.

Boolean flags given with --flag are evaluated through the fallback accessors,
so a failing evaluation prints the --fallback value. --expr evaluates an
expression over the client, e.g. 'enabled("new-checkout", "user-1")'.`,
		Example: `  flagsync watch --flag new-checkout --entity user-1
  flagsync watch --expr 'ready ? variant("theme", "user-1") : "classic"' --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Flags, "flag", "f", nil, "boolean flag key to watch (repeatable)")
	cmd.Flags().StringVar(&opts.Expr, "expr", "", "expression to evaluate on every change")
	cmd.Flags().StringVarP(&opts.EntityID, "entity", "e", "anonymous", "entity id for --flag evaluations")
	cmd.Flags().StringToStringVar(&opts.Context, "ctx", nil, "evaluation context as key=value pairs")
	cmd.Flags().BoolVar(&opts.Fallback, "fallback", false, "value printed while a flag cannot be evaluated")
	cmd.Flags().IntVar(&opts.Updates, "updates", 0, "exit after this many changes (0 watches until interrupted)")

	return cmd
}

func runWatch(cmd *cobra.Command, rootOpts *RootOptions, opts *WatchOptions) error {
	if opts.Updates < 0 {
		return NewExitError(ExitCommandError, "--updates cannot be negative")
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

	w := &watcher{p: p, values: make(map[string]*flagsync.Value[bool], len(opts.Flags))}
	for _, key := range opts.Flags {
		v := flagsync.UseBoolean(p, key, opts.Fallback, opts.EntityID, opts.Context)
		defer v.Close()
		w.values[key] = v
	}
	if opts.Expr != "" {
		sel, err := flagsync.UseExpression(p, opts.Expr)
		if err != nil {
			return WrapExitError(ExitCommandError, "compile --expr", err)
		}
		defer sel.Close()
		w.expr = sel
	}

	changes := make(chan struct{}, 1)
	unsubscribe := p.Subscribe(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ctx := cmd.Context()
	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	if err := w.emit(ctx, out); err != nil {
		return err
	}

	if err := p.Mount(ctx); err != nil {
		return WrapExitError(ExitFailure, "mount", err)
	}

	for seen := 0; opts.Updates == 0 || seen < opts.Updates; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
		if err := w.emit(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

type watcher struct {
	p      *flagsync.Provider
	values map[string]*flagsync.Value[bool]
	expr   *flagsync.Selector[any]
}

func (w *watcher) snapshot(ctx context.Context) WatchEvent {
	st := w.p.Client()
	ev := WatchEvent{Version: st.Version, State: stateName(st)}
	if st.Err != nil {
		ev.Error = st.Err.Error()
	}

	if len(w.values) > 0 {
		ev.Flags = make(map[string]bool, len(w.values))
		for key, v := range w.values {
			ev.Flags[key] = v.Get(ctx)
		}
	}
	if w.expr != nil {
		val, err := w.expr.Get(ctx)
		if err != nil {
			ev.ExprError = err.Error()
		} else {
			ev.Expr = val
		}
	}
	return ev
}

func (w *watcher) emit(ctx context.Context, out *OutputFormatter) error {
	ev := w.snapshot(ctx)
	return out.Emit(ev, ev.String())
}

func (e WatchEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%d %s", e.Version, e.State)
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}

	keys := make([]string, 0, len(e.Flags))
	for key := range e.Flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%t", key, e.Flags[key])
	}

	switch {
	case e.ExprError != "":
		fmt.Fprintf(&b, " expr_error=%q", e.ExprError)
	case e.Expr != nil:
		fmt.Fprintf(&b, " expr=%v", e.Expr)
	}
	return b.String()
}

func stateName(st flagsync.ClientState) string {
	switch {
	case st.IsLoading:
		return "loading"
	case st.Err != nil:
		return "failed"
	case st.Handle == nil:
		return "closed"
	default:
		return "ready"
	}
}
