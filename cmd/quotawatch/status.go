package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quotawatch/pkg/cli"
	"quotawatch/pkg/usage"
)

var statusFlags struct {
	forecast bool
	output   string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest usage snapshot",
	Long: `Show the latest usage snapshot from a running agent.

Examples:
  # Latest usage per provider
  quotawatch status

  # Include burn-rate forecasts
  quotawatch status --forecast

  # Machine-readable output
  quotawatch status --output json`,
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusFlags.forecast, "forecast", "f", false, "include burn-rate forecasts")
	statusCmd.Flags().StringVarP(&statusFlags.output, "output", "o", "text", "output format (text, json)")
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	base, err := locateAgent(ctx)
	if err != nil {
		return err
	}

	var records []usage.ProviderUsage
	if err := callAgent(ctx, "GET", base+"/api/usage", &records); err != nil {
		return err
	}

	if cli.Format(statusFlags.output) != cli.FormatText {
		formatter, err := cli.NewFormatter(cli.Format(statusFlags.output))
		if err != nil {
			return err
		}
		return formatter.FormatTo(os.Stdout, records)
	}

	if len(records) == 0 {
		fmt.Println("No usage recorded yet. Configure a provider or run 'quotawatch refresh'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tACCOUNT\tUSED\tSTATUS\tFETCHED")
	for i := range records {
		rec := &records[i]

		status := "ok"
		if !rec.IsAvailable {
			status = "unavailable"
		}
		fetched := "never"
		if !rec.FetchedAt.IsZero() {
			fetched = formatAge(time.Since(rec.FetchedAt))
		}

		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\n",
			rec.ProviderName,
			rec.AccountName,
			usage.EffectiveUsedPercent(rec),
			status,
			fetched,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !statusFlags.forecast {
		return nil
	}

	fmt.Println()
	for i := range records {
		rec := &records[i]
		var fc struct {
			Forecast usage.BurnRateForecast `json:"forecast"`
		}
		url := base + "/api/forecast/" + rec.ProviderID
		if err := callAgent(ctx, "GET", url, &fc); err != nil {
			return err
		}
		if !fc.Forecast.IsAvailable {
			fmt.Printf("%s: forecast unavailable (%s)\n",
				rec.ProviderName, fc.Forecast.UnavailableReason)
			continue
		}
		fmt.Printf("%s: burning %.1f/day, ~%.1f days until exhausted\n",
			rec.ProviderName, fc.Forecast.BurnRatePerDay, fc.Forecast.DaysUntilExhausted)
	}
	return nil
}

// formatAge renders a duration the way humans read a status column.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
