package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitwit/x402gate"
	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/config"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

func newBudgetCmd() *cobra.Command {
	var configPath, payerAddr, resource string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and revoke budget authorizations in the configured store",
	}

	openLedger := func(ctx context.Context) (*budget.Ledger, *config.Config, func(), error) {
		if !utils.ValidateAddress(payerAddr) {
			return nil, nil, nil, fmt.Errorf("invalid payer address %q", payerAddr)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load config: %w", err)
		}
		if cfg.Budget.Store == "memory" {
			return nil, nil, nil, errors.New("budget commands need a durable store (sqlite, postgres or redis)")
		}
		store, err := x402gate.OpenStore(ctx, cfg.Budget, nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open budget store: %w", err)
		}
		ledger := budget.NewLedger(store, budget.WithMaxCeiling(uint64(cfg.Budget.MaxCeiling)))
		return ledger, cfg, func() { _ = store.Close() }, nil
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show a payer's budget for a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ledger, cfg, closeStore, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			auth, err := ledger.Get(ctx, payerAddr, resource)
			if errors.Is(err, types.ErrNotAuthorized) {
				fmt.Fprintln(cmd.OutOrStdout(), "No budget authorization found.")
				return nil
			}
			if err != nil {
				return err
			}
			return printAuthorization(cmd.OutOrStdout(), auth, ledger.Now(), cfg.Network.Decimals)
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a payer's budget for a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ledger, _, closeStore, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := ledger.Revoke(ctx, payerAddr, resource); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked budget for %s on %s.\n", utils.NormalizeAddress(payerAddr), resource)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "x402gate.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&payerAddr, "payer", "", "payer address")
	cmd.PersistentFlags().StringVar(&resource, "resource", "", "resource path, e.g. /api/agent")
	_ = cmd.MarkPersistentFlagRequired("payer")
	_ = cmd.MarkPersistentFlagRequired("resource")

	cmd.AddCommand(showCmd, revokeCmd)
	return cmd
}

func printAuthorization(out io.Writer, auth *types.BudgetAuthorization, now time.Time, decimals int32) error {
	status := "active"
	if !now.Before(auth.ExpiresAt) {
		status = "expired"
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PAYER\tRESOURCE\tCEILING\tSPENT\tREMAINING\tEXPIRES\tSTATUS")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		utils.NormalizeAddress(auth.Payer), auth.Resource,
		pricing.FormatUSDC(auth.CeilingMinorUnits, decimals),
		pricing.FormatUSDC(auth.SpentMinorUnits, decimals),
		pricing.FormatUSDC(auth.Remaining(), decimals),
		auth.ExpiresAt.UTC().Format(time.RFC3339),
		status,
	)
	return w.Flush()
}
