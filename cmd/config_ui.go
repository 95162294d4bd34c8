package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	configHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#14B8A6"))
	configSuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	configSectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1).MarginBottom(1)
	configDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

var configUICmd = &cobra.Command{
	Use:   "edit-ui",
	Short: "Interactive configuration editor",
	Long: `Launches an interactive form to configure fleethub.

Sections:
  - Hub: machine identity, listen address, fleet secret
  - Relay: peer timeout and port, heartbeat schedule
  - Webhooks: delivery timeout and worker count
  - Database: enable persistence, SQLite path or MySQL DSN
  - Manifest: fleet manifest file loaded at startup
`,
	RunE: runConfigUI,
}

func runConfigUI(cmd *cobra.Command, args []string) error {
	fmt.Println()
	fmt.Println(configHeaderStyle.Render("  fleethub · Configuration Editor"))
	fmt.Println(configDimStyle.Render("  Pick a section • Edit values • Save when done\n"))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	selected := "hub"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Configuration Section").
				Description("Select a section to edit").
				Options(
					huh.NewOption("Hub", "hub"),
					huh.NewOption("Relay", "relay"),
					huh.NewOption("Webhooks", "webhooks"),
					huh.NewOption("Database", "database"),
					huh.NewOption("Manifest", "manifest"),
				).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	return runSectionEditor(cfg, selected)
}

func runSectionEditor(cfg *config.Config, section string) error {
	for {
		var (
			updated bool
			err     error
		)
		switch section {
		case "hub":
			updated, err = editHubSettings(cfg)
		case "relay":
			updated, err = editRelaySettings(cfg)
		case "webhooks":
			updated, err = editWebhookSettings(cfg)
		case "database":
			updated, err = editDatabaseSettings(cfg)
		case "manifest":
			updated, err = editManifestSettings(cfg)
		default:
			return fmt.Errorf("unknown section: %s", section)
		}
		if err != nil {
			return err
		}
		if !updated {
			return nil
		}

		saveConfirm := false
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Save changes?").
					Description("Press Enter to save, Esc to return without saving").
					Value(&saveConfirm),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}

		if saveConfirm {
			configPath, err := config.ConfigPath(cfgFile)
			if err != nil {
				return fmt.Errorf("getting config path: %w", err)
			}
			if err := config.Save(cfg, configPath); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Println(configSuccessStyle.Render("  ✓ Configuration saved"))
			return nil
		}
	}
}

func editHubSettings(cfg *config.Config) (bool, error) {
	fmt.Println(configSectionStyle.Render("  Hub Settings"))

	machineID := cfg.Hub.MachineID
	machineName := cfg.Hub.MachineName
	bind := cfg.Hub.Bind
	port := fmt.Sprintf("%d", cfg.Hub.Port)
	token := cfg.Hub.SecretToken

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Machine ID").
				Description("Stable id other machines address this hub by").
				Value(&machineID),
			huh.NewInput().
				Title("Machine Name").
				Value(&machineName),
			huh.NewInput().
				Title("Bind Address").
				Description("127.0.0.1 for local only, 0.0.0.0 to accept remote machines").
				Placeholder("127.0.0.1").
				Value(&bind),
			huh.NewInput().
				Title("Port").
				Placeholder("3000").
				Value(&port),
			huh.NewInput().
				Title("Fleet Secret").
				Description("Shared X-Api-Token; every machine must use the same value").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}

	cfg.Hub.MachineID = strings.TrimSpace(machineID)
	cfg.Hub.MachineName = strings.TrimSpace(machineName)
	cfg.Hub.Bind = strings.TrimSpace(bind)
	cfg.Hub.Port = parseIntOrDefault(port, 3000)
	cfg.Hub.SecretToken = strings.TrimSpace(token)
	return true, nil
}

func editRelaySettings(cfg *config.Config) (bool, error) {
	fmt.Println(configSectionStyle.Render("  Relay Settings"))

	timeout := cfg.Relay.HTTPTimeout.String()
	peerPort := fmt.Sprintf("%d", cfg.Relay.PeerPort)
	heartbeat := cfg.Relay.Heartbeat

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP Timeout").
				Description("Per-request timeout for direct and tunnel delivery").
				Placeholder("5s").
				Value(&timeout),
			huh.NewInput().
				Title("Peer Port").
				Description("Port appended to peer addresses that have none").
				Placeholder("3000").
				Value(&peerPort),
			huh.NewInput().
				Title("Heartbeat").
				Description(`Cron spec, e.g. "@every 30s"; empty disables`).
				Placeholder("@every 30s").
				Value(&heartbeat),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}

	cfg.Relay.HTTPTimeout = parseDurationOrDefault(timeout, 5*time.Second)
	cfg.Relay.PeerPort = parseIntOrDefault(peerPort, 3000)
	cfg.Relay.Heartbeat = strings.TrimSpace(heartbeat)
	return true, nil
}

func editWebhookSettings(cfg *config.Config) (bool, error) {
	fmt.Println(configSectionStyle.Render("  Webhook Settings"))

	timeout := cfg.Webhooks.Timeout.String()
	workers := fmt.Sprintf("%d", cfg.Webhooks.Workers)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Delivery Timeout").
				Placeholder("10s").
				Value(&timeout),
			huh.NewInput().
				Title("Workers").
				Description("Concurrent outgoing deliveries").
				Placeholder("32").
				Value(&workers),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}

	cfg.Webhooks.Timeout = parseDurationOrDefault(timeout, 10*time.Second)
	cfg.Webhooks.Workers = parseIntOrDefault(workers, 32)
	return true, nil
}

func editDatabaseSettings(cfg *config.Config) (bool, error) {
	fmt.Println(configSectionStyle.Render("  Database Settings"))

	driverOptions := []huh.Option[string]{
		huh.NewOption("SQLite", "sqlite"),
		huh.NewOption("MySQL", "mysql"),
	}

	enabled := cfg.Database.Enabled
	driver := cfg.Database.Driver
	if driver == "" {
		driver = "sqlite"
	}
	path := cfg.Database.Path
	if path == "" {
		path = "~/" + config.DefaultDBFile
	}
	dsn := cfg.Database.DSN

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Persist repos and webhooks?").
				Value(&enabled),
			huh.NewSelect[string]().
				Title("Driver").
				Options(driverOptions...).
				Value(&driver),
			huh.NewInput().
				Title("SQLite Path").
				Placeholder("~/" + config.DefaultDBFile).
				Value(&path),
			huh.NewInput().
				Title("MySQL DSN").
				Placeholder("user:pass@tcp(host:3306)/dbname").
				Value(&dsn),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}

	cfg.Database.Enabled = enabled
	cfg.Database.Driver = driver
	cfg.Database.Path = strings.TrimSpace(path)
	cfg.Database.DSN = strings.TrimSpace(dsn)
	return true, nil
}

func editManifestSettings(cfg *config.Config) (bool, error) {
	fmt.Println(configSectionStyle.Render("  Manifest"))

	path := cfg.Manifest.Path
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Manifest Path").
				Description("YAML file of machines, repos and webhooks applied at startup; empty to skip").
				Placeholder("~/.fleethub/fleet.yaml").
				Value(&path),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}

	cfg.Manifest.Path = strings.TrimSpace(path)
	return true, nil
}

func parseIntOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	if err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
