package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cppla/surveyreward/faucet"
)

var faucetCmd = &cobra.Command{
	Use:   "faucet",
	Short: "Inspect and fund balances on the configured test network.",
}

var faucetBalanceCmd = &cobra.Command{
	Use:   "balance <address>",
	Short: "Print the balance of an address.",
	Args:  cobra.ExactArgs(1),
	RunE:  faucetBalanceRun,
}

var faucetSetCmd = &cobra.Command{
	Use:   "set <address> <eth>",
	Short: "Overwrite the balance of an address.",
	Args:  cobra.ExactArgs(2),
	RunE:  faucetSetRun,
}

var faucetFundCmd = &cobra.Command{
	Use:   "fund <address> <eth>",
	Short: "Add ETH to the balance of an address.",
	Args:  cobra.ExactArgs(2),
	RunE:  faucetFundRun,
}

var faucetTimeout time.Duration

func init() {
	rootCmd.AddCommand(faucetCmd)
	faucetCmd.AddCommand(faucetBalanceCmd, faucetSetCmd, faucetFundCmd)
	faucetCmd.PersistentFlags().DurationVarP(&faucetTimeout, "timeout", "t", 30*time.Second, "Timeout for the RPC call.")
}

func faucetBalanceRun(cmd *cobra.Command, args []string) error {
	return withFaucet(cmd, func(ctx context.Context, f *faucet.Client) error {
		wei, err := f.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s ETH (%s wei)\n", args[0], faucet.WeiToEth(wei), wei)
		return nil
	})
}

func faucetSetRun(cmd *cobra.Command, args []string) error {
	eth, err := parseEth(args[1])
	if err != nil {
		return err
	}
	return withFaucet(cmd, func(ctx context.Context, f *faucet.Client) error {
		if err := f.SetBalance(ctx, args[0], faucet.EthToWei(eth)); err != nil {
			return err
		}
		fmt.Printf("%s: balance set to %d ETH\n", args[0], eth)
		return nil
	})
}

func faucetFundRun(cmd *cobra.Command, args []string) error {
	eth, err := parseEth(args[1])
	if err != nil {
		return err
	}
	return withFaucet(cmd, func(ctx context.Context, f *faucet.Client) error {
		wei, err := f.AddBalance(ctx, args[0], eth)
		if err != nil {
			return err
		}
		fmt.Printf("%s: funded %d ETH, balance now %s ETH\n", args[0], eth, faucet.WeiToEth(wei))
		return nil
	})
}

func withFaucet(cmd *cobra.Command, fn func(ctx context.Context, f *faucet.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), faucetTimeout)
	defer cancel()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a.faucet)
}

func parseEth(s string) (int64, error) {
	eth, err := strconv.ParseInt(s, 10, 64)
	if err != nil || eth < 0 {
		return 0, fmt.Errorf("invalid eth amount %q", s)
	}
	return eth, nil
}
