// Package cli implements echoctl, the operator tool for merges, lookups,
// archiving and service tokens.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/app"
	"github.com/lalith-99/echocore/internal/config"
	"github.com/lalith-99/echocore/internal/observ"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Tenant  string

	// open builds the services from the environment; tests replace it.
	open func(ctx context.Context, opts *RootOptions) (*app.App, error)
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for echoctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{open: openApp})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echoctl",
		Short: "Operate the echocore identity and ingestion core",
		Long: `echoctl runs core operations directly against the configured store.

Configuration comes from the same environment variables (and .env file) as
the server: DATABASE_URL, STORE_BACKEND, REDIS_URL, JWT_SECRET, ...`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Tenant, "tenant", "", "tenant id")

	cmd.AddCommand(NewMergeCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewLinkCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func openApp(ctx context.Context, opts *RootOptions) (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	logger, err := observ.NewLogger("development", level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return app.New(ctx, cfg, logger, app.Options{})
}

// withApp opens the services, runs fn and drains pending events.
func (o *RootOptions) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := o.open(ctx, o)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (o *RootOptions) tenantID() (uuid.UUID, error) {
	if o.Tenant == "" {
		return uuid.Nil, fmt.Errorf("--tenant is required")
	}
	id, err := uuid.Parse(o.Tenant)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--tenant: %w", err)
	}
	return id, nil
}

func parseID(flag, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return id, nil
}

// render writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) render(w io.Writer, v any, text func(w io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
