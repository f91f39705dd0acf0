package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"quotawatch/pkg/credstore"
	"quotawatch/pkg/providers"
	"quotawatch/pkg/telemetry/logging"
	"quotawatch/pkg/usage"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage provider credentials",
	Long: `View and edit the credential file the agent reads. Changes are picked
up by a running agent automatically through the file watcher; no restart
is needed.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured providers",
	RunE:  runConfigList,
}

type configSetFlags struct {
	apiKey     string
	baseURL    string
	configType string
	plan       string
	notify     bool
}

var configSetOpts configSetFlags

var configSetCmd = &cobra.Command{
	Use:   "set <provider-id>",
	Short: "Add or update a provider credential",
	Example: `  quotawatch config set deepseek --api-key sk-...
  quotawatch config set minimax --api-key ey... --config-type pay-as-you-go
  quotawatch config set codex --config-type cli-state`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigSet,
}

var configRemoveCmd = &cobra.Command{
	Use:   "remove <provider-id>",
	Short: "Remove a provider credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigRemove,
}

func init() {
	configSetCmd.Flags().StringVar(&configSetOpts.apiKey, "api-key", "", "API key for the provider")
	configSetCmd.Flags().StringVar(&configSetOpts.baseURL, "base-url", "", "override the provider's default endpoint")
	configSetCmd.Flags().StringVar(&configSetOpts.configType, "config-type", "api-key", "credential type (api-key, oauth, cli-state, pay-as-you-go)")
	configSetCmd.Flags().StringVar(&configSetOpts.plan, "plan", "", "plan classification override")
	configSetCmd.Flags().BoolVar(&configSetOpts.notify, "notify", true, "enable threshold alerts for this provider")

	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configRemoveCmd)
	rootCmd.AddCommand(configCmd)
}

func openCredStore() (*credstore.FileStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return credstore.NewFileStore(cfg.CredentialsPath())
}

func runConfigList(cmd *cobra.Command, args []string) error {
	store, err := openCredStore()
	if err != nil {
		return err
	}

	creds, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if len(creds) == 0 {
		fmt.Printf("No providers configured (%s).\n", store.Path())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tTYPE\tKEY\tSOURCE\tNOTIFY")
	for _, c := range creds {
		key := logging.RedactAPIKey(c.APIKey)
		if c.APIKey == "" {
			key = "-"
		}
		configType := c.ConfigType
		if configType == "" {
			configType = "api-key"
		}
		source := c.AuthSource
		if source == "" {
			source = "config"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", c.ProviderID, configType, key, source, c.Notify)
	}
	return w.Flush()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	providerID := strings.ToLower(strings.TrimSpace(args[0]))
	if providerID == "" {
		return fmt.Errorf("provider id must not be empty")
	}

	store, err := openCredStore()
	if err != nil {
		return err
	}

	cred := providers.Credential{
		ProviderID: providerID,
		APIKey:     strings.TrimSpace(configSetOpts.apiKey),
		ConfigType: configSetOpts.configType,
		BaseURL:    configSetOpts.baseURL,
		Notify:     configSetOpts.notify,
		Plan:       usage.PlanType(configSetOpts.plan),
		AuthSource: "config",
	}
	if err := store.Save(cmd.Context(), cred); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	fmt.Printf("Saved credential for %s.\n", providerID)
	if running, port := agentRunning(cmd.Context()); running {
		fmt.Printf("Agent on port %d will pick up the change automatically.\n", port)
	}
	return nil
}

func runConfigRemove(cmd *cobra.Command, args []string) error {
	providerID := strings.ToLower(strings.TrimSpace(args[0]))

	store, err := openCredStore()
	if err != nil {
		return err
	}
	if err := store.Remove(cmd.Context(), providerID); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}

	fmt.Printf("Removed credential for %s.\n", providerID)
	return nil
}

// agentRunning reports whether a live agent is discoverable, without
// failing the command when none is.
func agentRunning(ctx context.Context) (bool, int) {
	base, err := locateAgent(ctx)
	if err != nil || base == "" {
		return false, 0
	}
	var health struct {
		Port int `json:"port"`
	}
	if err := callAgent(ctx, "GET", base+"/api/health", &health); err != nil {
		return false, 0
	}
	return true, health.Port
}
