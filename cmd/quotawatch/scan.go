package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover local provider credentials",
	Long: `Ask the running agent to scan environment variables and well-known
CLI state files for provider credentials. New discoveries are saved and
a refresh is kicked off; credentials you configured yourself are never
overwritten.`,
	RunE: triggerScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func triggerScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	base, err := locateAgent(ctx)
	if err != nil {
		return err
	}

	var result struct {
		Found int `json:"found"`
		Saved int `json:"saved"`
	}
	if err := callAgent(ctx, "POST", base+"/api/scan-keys", &result); err != nil {
		return err
	}

	if result.Found == 0 {
		fmt.Println("No local credentials found.")
		return nil
	}
	fmt.Printf("Found %d credentials, saved %d new.\n", result.Found, result.Saved)
	return nil
}
