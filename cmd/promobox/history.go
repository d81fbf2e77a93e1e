package main

import (
	"encoding/json"
	"fmt"
	"os"

	"promobox/internal/history"
	"promobox/internal/security"

	"github.com/spf13/cobra"
)

var (
	summaryDays   int
	summaryStatus string
	latestType    string
	latestAction  string
	recentLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the history ledger",
}

var historySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print health counts, pending approvals and recent activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(l *history.Ledger) (any, error) {
			return l.Summary(cmd.Context(), summaryDays, summaryStatus)
		})
	},
}

var historyLatestCmd = &cobra.Command{
	Use:   "latest ID[,ID...]",
	Short: "Print the newest row per entity id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := history.ParseEntityType(latestType)
		if err != nil {
			return err
		}
		ids, err := security.ParseIDList(args[0])
		if err != nil {
			return err
		}
		return withLedger(cmd, func(l *history.Ledger) (any, error) {
			return l.LatestByEntity(cmd.Context(), entityType, ids, latestAction)
		})
	},
}

var historyRecentCmd = &cobra.Command{
	Use:   "recent ID",
	Short: "Print the newest rows for one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := history.ParseEntityType(latestType)
		if err != nil {
			return err
		}
		if err := security.ValidateEntityID(args[0]); err != nil {
			return err
		}
		return withLedger(cmd, func(l *history.Ledger) (any, error) {
			return l.Recent(cmd.Context(), entityType, args[0], recentLimit)
		})
	},
}

func init() {
	historySummaryCmd.Flags().IntVar(&summaryDays, "days", history.DefaultSummaryDays, "Window in days")
	historySummaryCmd.Flags().StringVar(&summaryStatus, "status", "ALL", "Health status filter")

	for _, c := range []*cobra.Command{historyLatestCmd, historyRecentCmd} {
		c.Flags().StringVar(&latestType, "type", string(history.EntityWorkflow), "Entity type: WORKFLOW or CREDENTIAL")
	}
	historyLatestCmd.Flags().StringVar(&latestAction, "action", "", "Restrict to one action, e.g. PUSH_TO_PROD")
	historyRecentCmd.Flags().IntVar(&recentLimit, "limit", history.SummaryPageSize, "Maximum rows")

	historyCmd.AddCommand(historySummaryCmd, historyLatestCmd, historyRecentCmd)
}

// withLedger opens only the ledger, runs query and prints its result as JSON.
func withLedger(cmd *cobra.Command, query func(*history.Ledger) (any, error)) error {
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	ledger, err := history.Open(cmd.Context(), cfg.Ledger())
	if err != nil {
		return fmt.Errorf("failed to open history ledger: %w", err)
	}
	defer ledger.Close()

	result, err := query(ledger)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
