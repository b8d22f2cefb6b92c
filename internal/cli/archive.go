package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/app"
	"github.com/lalith-99/echocore/internal/auth"
	"github.com/lalith-99/echocore/internal/config"
	"github.com/spf13/cobra"
)

type ArchiveOptions struct {
	*RootOptions
	OlderThan time.Duration
}

func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive resolved conversations idle for longer than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenantID()
			if err != nil {
				return err
			}
			if opts.OlderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app.App) error {
				n, err := a.Conversations.ArchiveResolved(ctx, tenant, opts.OlderThan)
				if err != nil {
					return fmt.Errorf("archive: %w", err)
				}
				return opts.render(cmd.OutOrStdout(), map[string]int{"archived": n}, func(w io.Writer) {
					fmt.Fprintf(w, "archived %d conversations\n", n)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 30*24*time.Hour, "minimum idle time of a resolved conversation")
	return cmd
}

type TokenOptions struct {
	*RootOptions
	Subject string
	Role    string
	TTL     time.Duration
}

// NewTokenCommand mints a service token signed with JWT_SECRET. It needs no
// store.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the HTTP API",
		Long: `Mint an HS256 token scoped to one tenant.

Examples:
  echoctl token --tenant $T --subject whatsapp-adapter --role adapter
  echoctl token --tenant $T --subject ops@acme --role staff --ttl 8h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenantID()
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printToken(cmd.OutOrStdout(), opts, tenant, cfg.JWTSecret)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "caller name recorded in audits (required)")
	cmd.Flags().StringVar(&opts.Role, "role", string(auth.RoleAdapter), "adapter|staff|system")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printToken(w io.Writer, opts *TokenOptions, tenant uuid.UUID, secret string) error {
	tok, err := auth.GenerateToken(opts.Subject, tenant, auth.Role(opts.Role), secret, opts.TTL)
	if err != nil {
		return err
	}
	return opts.render(w, map[string]string{"token": tok}, func(w io.Writer) {
		fmt.Fprintln(w, tok)
	})
}
