package cli

import (
	"fmt"
	"io"

	"github.com/lalith-99/echocore/internal/app"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/spf13/cobra"
)

type ResolveOptions struct {
	*RootOptions
	IDs identity.Identifiers
}

func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Find the live customer for a set of identifiers",
		Long: `Resolve identifiers the way ingestion does: the highest ranked match wins,
and identifiers pointing at different customers are reported for review.

Examples:
  echoctl resolve --tenant $T --phone "+1 555 123 4567"
  echoctl resolve --tenant $T --instagram 1784 --email ana@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenantID()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app.App) error {
				m, err := a.Identity.Resolve(ctx, tenant, opts.IDs)
				if err != nil {
					return fmt.Errorf("resolve: %w", err)
				}
				return opts.render(cmd.OutOrStdout(), m, func(w io.Writer) {
					fmt.Fprintf(w, "%s (matched by %s, confidence %.2f)\n", m.Customer.ID, m.MatchType, m.Confidence)
					if m.Customer.DisplayName != "" {
						fmt.Fprintf(w, "  name: %s\n", m.Customer.DisplayName)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.IDs.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&opts.IDs.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.IDs.Instagram, "instagram", "", "Instagram user id")
	cmd.Flags().StringVar(&opts.IDs.Facebook, "facebook", "", "Facebook user id")
	cmd.Flags().StringVar(&opts.IDs.TikTok, "tiktok", "", "TikTok user id")
	return cmd
}

type LinkOptions struct {
	*RootOptions
	Customer   string
	Channel    string
	Identifier string
	Profile    identity.Profile
}

func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LinkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Attach a channel identifier to an existing customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenantID()
			if err != nil {
				return err
			}
			customer, err := parseID("customer", opts.Customer)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app.App) error {
				c, err := a.Identity.LinkIdentity(ctx, identity.LinkRequest{
					TenantID:   tenant,
					CustomerID: customer,
					Channel:    models.Channel(opts.Channel),
					Identifier: opts.Identifier,
					Profile:    opts.Profile,
				})
				if err != nil {
					return fmt.Errorf("link identity: %w", err)
				}
				return opts.render(cmd.OutOrStdout(), c, func(w io.Writer) {
					fmt.Fprintf(w, "linked %s %q to %s\n", opts.Channel, opts.Identifier, c.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer id (required)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "whatsapp|instagram|facebook|tiktok|voice|web (required)")
	cmd.Flags().StringVar(&opts.Identifier, "identifier", "", "sender identifier on that channel (required)")
	cmd.Flags().StringVar(&opts.Profile.DisplayName, "name", "", "display name to backfill")
	cmd.Flags().StringVar(&opts.Profile.Username, "username", "", "platform username")
	_ = cmd.MarkFlagRequired("customer")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}
