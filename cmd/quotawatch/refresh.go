package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"quotawatch/pkg/usage"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Trigger an immediate refresh",
	Long: `Ask the running agent to refresh every provider now instead of
waiting for the next scheduled cycle. Concurrent requests join the same
cycle.`,
	RunE: triggerRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func triggerRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	base, err := locateAgent(ctx)
	if err != nil {
		return err
	}

	var records []usage.ProviderUsage
	if err := callAgent(ctx, "POST", base+"/api/refresh", &records); err != nil {
		return err
	}

	ok := 0
	for i := range records {
		if records[i].IsAvailable {
			ok++
		}
	}
	fmt.Printf("Refreshed %d providers (%d available).\n", len(records), ok)
	return nil
}
