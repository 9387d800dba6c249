package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "One-shot repairs of derived data.",
}

var reconcileVotesCmd = &cobra.Command{
	Use:   "votes [surveyID]",
	Short: "Recompute option vote counters from the recorded votes.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  reconcileVotesRun,
}

var reconcileConversionsCmd = &cobra.Command{
	Use:   "conversions",
	Short: "Flag conversions left pending past the stale threshold.",
	Args:  cobra.NoArgs,
	RunE:  reconcileConversionsRun,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileVotesCmd, reconcileConversionsCmd)
}

func reconcileVotesRun(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 0 {
		n, err := a.surveys.ReconcileAllVoteCounts(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("corrected %d option counters across all surveys\n", n)
		return nil
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid survey id %q", args[0])
	}
	n, err := a.surveys.ReconcileVoteCounts(cmd.Context(), uint(id))
	if err != nil {
		return err
	}
	fmt.Printf("survey %d: corrected %d option counters\n", id, n)
	return nil
}

func reconcileConversionsRun(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	olderThan := time.Duration(a.cfg.StaleConversionMinutes) * time.Minute
	n, err := a.rewards.ReconcileStale(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("flagged %d stale conversions\n", n)
	return nil
}
