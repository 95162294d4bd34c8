package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/CosmoTheDev/fleethub/internal/gateway"
	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/spf13/cobra"
)

var gatewayPort int
var gatewayLogDir string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the fleethub hub daemon",
	Long: `Starts the hub: a long-running daemon that owns the relay, the repo
router, the pub/sub broker, the agent bus and the webhook manager, and
exposes them over HTTP (default: http://127.0.0.1:3000).

Every /api route expects the fleet secret in the X-Api-Token header.
Remote machines connect to /ws/relay or poll /api/relay/poll/{machineId}.
A heartbeat carrying the hub status is broadcast on relay.heartbeat
(a cron spec, default "@every 30s").

Quick API reference:
  GET  /health                          liveness check
  GET  /api/stats                       full hub snapshot
  POST /api/repos/register              register a repo
  POST /api/repos/{name}/task           send a task (202 with the job)
  PUT  /api/jobs/{id}                   report job progress
  POST /api/relay/send                  send to one machine
  POST /api/relay/broadcast             send to every machine
  POST /api/pubsub/publish              publish to a topic
  POST /api/webhooks/register           add an outgoing webhook
  POST /api/webhooks/incoming/{source}  unauthenticated inbound webhook
  GET  /events                          SSE stream of live events
  GET  /metrics                         Prometheus metrics`,
	RunE: runGateway,
}

func init() {
	gatewayCmd.Flags().IntVar(&gatewayPort, "port", 0,
		"HTTP port to listen on (overrides hub.port)")
	gatewayCmd.Flags().StringVar(&gatewayLogDir, "log-dir", "logs",
		"directory to write gateway logs for later inspection")
}

func runGateway(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down gateway gracefully...")
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logFilePath, closeLog, err := setupGatewayFileLogger(gatewayLogDir)
	if err != nil {
		return fmt.Errorf("initialising gateway logger: %w", err)
	}
	defer closeLog()

	if gatewayPort > 0 {
		cfg.Hub.Port = gatewayPort
	}
	if cfg.Hub.SecretToken == config.DefaultToken {
		slog.Warn("using the built-in development token; set hub.secret_token before exposing the hub")
	}

	h, err := hub.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening hub: %w", err)
	}
	defer h.Close()

	storage := "memory only"
	if h.Store != nil {
		storage = h.Store.Driver()
	}

	fmt.Printf("fleethub gateway starting\n")
	fmt.Printf("  Machine    : %s (%s)\n", cfg.Hub.MachineName, cfg.Hub.MachineID)
	fmt.Printf("  API        : %s\n", cfg.BaseURL())
	fmt.Printf("  Events     : %s/events\n", cfg.BaseURL())
	fmt.Printf("  Relay WS   : %s/ws/relay\n", cfg.BaseURL())
	fmt.Printf("  Storage    : %s\n", storage)
	fmt.Printf("  Logs       : %s\n\n", logFilePath)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	slog.Info("gateway logger initialised", "file", logFilePath)
	return gateway.New(cfg, h).Start(ctx)
}

func setupGatewayFileLogger(logDir string) (string, func(), error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	runLogPath := filepath.Join(logDir, fmt.Sprintf("gateway-%s.log", ts))
	runFile, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log file: %w", err)
	}

	latestPath := filepath.Join(logDir, "gateway.log")
	latestFile, err := os.OpenFile(latestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runFile.Close()
		return "", nil, fmt.Errorf("opening latest log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, runFile, latestFile), &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)

	cleanup := func() {
		_ = latestFile.Close()
		_ = runFile.Close()
	}
	return runLogPath, cleanup, nil
}
