package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/CosmoTheDev/fleethub/internal/client"
	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	hubURL  string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fleethub",
	Short: "Messaging hub for a fleet of machines and repo agents",
	Long: `fleethub runs the central hub of a small fleet: it relays messages
between machines, routes tasks to registered repos and tracks their jobs,
fans events out over topics, and delivers signed webhooks.

Get started:
  fleethub gateway        Start the hub (REST, SSE, WebSocket relay)
  fleethub status         Print a snapshot of the running hub
  fleethub ui             Launch the terminal dashboard
  fleethub task send      Send a task to a registered repo
  fleethub config show    Print the effective configuration`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.fleethub/config.json)")
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "",
		"hub base URL for client commands (default: derived from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		gatewayCmd,
		statusCmd,
		uiCmd,
		taskCmd,
		jobCmd,
		publishCmd,
		relayCmd,
		configCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}

// newClient builds an API client for the hub named by --hub or the config.
func newClient() (*client.Client, string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	base := hubURL
	if base == "" {
		base = cfg.BaseURL()
	}
	return client.New(base, cfg.Hub.SecretToken), base, nil
}
