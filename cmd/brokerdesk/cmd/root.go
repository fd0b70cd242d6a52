package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/brokerdesk/internal/config"
)

var (
	apiURL     string
	dataDir    string
	envFile    string
	jsonOutput bool
	noInput    bool
)

var rootCmd = &cobra.Command{
	Use:   "brokerdesk",
	Short: "Back-office console for the broker admin API",
	Long: `brokerdesk signs operators into the broker admin API and keeps the session
alive: credentials are sealed on disk, access tokens are refreshed on demand and
idle sessions expire after the configured timeout.

Environment Variables:
  BROKERDESK_API_URL         Admin API URL (default: http://localhost:8443)
  BROKERDESK_DATA_DIR        Credential store directory (default: ~/.brokerdesk)
  BROKERDESK_STORE_KEY       64 hex chars; seals the credential store
  BROKERDESK_IDLE_TIMEOUT    Idle expiry (default: 5m)
  BROKERDESK_GUARD_INTERVAL  Session check interval for watch (default: 60s)
  BROKERDESK_SANDBOX_SECRET  64 hex chars; signing secret for brokerdesk sandbox
  LOG_LEVEL, LOG_FORMAT      Logging (info, text)`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Admin API URL (overrides BROKERDESK_API_URL)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Credential store directory (overrides BROKERDESK_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load settings from this file instead of ./.env")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON instead of human-readable text")
	rootCmd.PersistentFlags().BoolVar(&noInput, "no-input", false, "Never prompt; fail when a value is missing")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}
