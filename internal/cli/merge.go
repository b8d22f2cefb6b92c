package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/lalith-99/echocore/internal/app"
	"github.com/lalith-99/echocore/internal/merge"
	"github.com/spf13/cobra"
)

type MergeOptions struct {
	*RootOptions
	Primary     string
	Secondary   string
	SkipLoyalty bool
	By          string
}

func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a duplicate customer into a surviving record",
		Long: `Move every conversation, message, appointment and redemption of the
secondary customer to the primary, fold loyalty balances unless
--skip-loyalty is given, and tombstone the secondary.

Examples:
  echoctl merge --tenant $T --primary $A --secondary $B
  echoctl merge --tenant $T --primary $A --secondary $B --skip-loyalty --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Primary, "primary", "", "surviving customer id (required)")
	cmd.Flags().StringVar(&opts.Secondary, "secondary", "", "customer id to fold in (required)")
	cmd.Flags().BoolVar(&opts.SkipLoyalty, "skip-loyalty", false, "leave loyalty balances where they are")
	cmd.Flags().StringVar(&opts.By, "by", "", "operator recorded in the audit (default $USER)")
	_ = cmd.MarkFlagRequired("primary")
	_ = cmd.MarkFlagRequired("secondary")

	return cmd
}

func runMerge(opts *MergeOptions, cmd *cobra.Command) error {
	tenant, err := opts.tenantID()
	if err != nil {
		return err
	}
	primary, err := parseID("primary", opts.Primary)
	if err != nil {
		return err
	}
	secondary, err := parseID("secondary", opts.Secondary)
	if err != nil {
		return err
	}
	by := opts.By
	if by == "" {
		by = "echoctl:" + os.Getenv("USER")
	}

	ctx := cmd.Context()
	return opts.withApp(ctx, func(a *app.App) error {
		res, err := a.Merger.Merge(ctx, merge.Request{
			TenantID:     tenant,
			PrimaryID:    primary,
			SecondaryID:  secondary,
			MergeLoyalty: !opts.SkipLoyalty,
			PerformedBy:  by,
		})
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		return opts.render(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "merged %s into %s (audit %s)\n", res.SecondaryID, res.PrimaryID, res.AuditID)
			fmt.Fprintf(w, "  conversations: %d\n  messages:      %d\n  appointments:  %d\n  redemptions:   %d\n",
				res.ConversationsMoved, res.MessagesMoved, res.AppointmentsMoved, res.RedemptionsMoved)
			if res.LoyaltyMerged {
				fmt.Fprintf(w, "  loyalty programs merged: %d\n", res.LoyaltyProgramsMerged)
			}
		})
	})
}

type HistoryOptions struct {
	*RootOptions
	Customer string
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the merges a customer took part in, newest first",
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
				audits, err := a.Merger.History(ctx, tenant, customer)
				if err != nil {
					return fmt.Errorf("merge history: %w", err)
				}
				return opts.render(cmd.OutOrStdout(), audits, func(w io.Writer) {
					if len(audits) == 0 {
						fmt.Fprintln(w, "no merges")
						return
					}
					for _, au := range audits {
						fmt.Fprintf(w, "%s  %s <- %s  by %q  conversations=%d messages=%d\n",
							au.CreatedAt.Format("2006-01-02 15:04:05"), au.PrimaryID, au.SecondaryID,
							au.PerformedBy, au.ConversationsMoved, au.MessagesMoved)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer id (required)")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}
