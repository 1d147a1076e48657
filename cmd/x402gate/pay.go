package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitwit/x402gate/payer"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/utils"
)

func newPayCmd() *cobra.Command {
	var (
		keystorePath string
		passphrase   string
		maxAmount    string
		method       string
		data         string
		resource     string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pay <url>",
		Short: "Call a protected resource, paying its 402 challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := loadSigner(keystorePath, passphrase)
			if err != nil {
				return err
			}

			limit, err := utils.ParseMinorUnits(maxAmount)
			if err != nil {
				return fmt.Errorf("--max: %w", err)
			}

			client := payer.NewClient(signer, payer.WithMaxAmount(limit))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var body []byte
			if data != "" {
				body = []byte(data)
			}

			var resp *payer.Response
			if resource != "" {
				resp, err = client.DoWithVoucher(ctx, strings.ToUpper(method), args[0], resource, body)
			} else {
				resp, err = client.Do(ctx, strings.ToUpper(method), args[0], body)
			}
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), signer.Address(), resp)
		},
	}

	cmd.Flags().StringVar(&keystorePath, "keystore", "", "go-ethereum keystore file of the paying account")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "keystore passphrase (default $X402GATE_KEYSTORE_PASSPHRASE)")
	cmd.Flags().StringVar(&maxAmount, "max", "500000", "largest amount in minor units to sign for")
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringVar(&resource, "budget", "", "send a budget voucher for this resource instead of paying")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall request timeout")
	return cmd
}

// loadSigner prefers the keystore and falls back to PAYER_PRIVATE_KEY.
func loadSigner(keystorePath, passphrase string) (*payer.Signer, error) {
	if keystorePath != "" {
		if passphrase == "" {
			passphrase = os.Getenv("X402GATE_KEYSTORE_PASSPHRASE")
		}
		return payer.FromKeystore(keystorePath, passphrase)
	}
	if key := os.Getenv("PAYER_PRIVATE_KEY"); key != "" {
		return payer.FromHex(key)
	}
	return nil, errors.New("--keystore or PAYER_PRIVATE_KEY is required")
}

func printResponse(out io.Writer, from string, resp *payer.Response) error {
	fmt.Fprintf(out, "Status: %d\n", resp.StatusCode)
	if resp.Paid > 0 {
		fmt.Fprintf(out, "Payer: %s\n", from)
		fmt.Fprintf(out, "Authorized: %s USDC\n", utils.FormatAmountFromBigInt(new(big.Int).SetUint64(resp.Paid), pricing.USDCDecimals))
	}
	if s := resp.Settlement; s != nil {
		fmt.Fprintf(out, "Settlement: success=%t network=%s tx=%s\n", s.Success, s.Network, s.Transaction)
	}
	fmt.Fprintln(out)
	_, err := out.Write(resp.Body)
	if err == nil && len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		_, err = fmt.Fprintln(out)
	}
	return err
}
