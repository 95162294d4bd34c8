package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
)

// Gateway is the long-running daemon that combines:
//   - the hub (relay, router, broker, webhooks, bus)
//   - a cron Scheduler (fleet heartbeat)
//   - a REST + SSE + WebSocket HTTP server
type Gateway struct {
	cfg         *config.Config
	hub         *hub.Hub
	scheduler   *Scheduler
	broadcaster *Broadcaster
	polls       *pollRegistry
	upgrader    websocket.Upgrader

	mu            sync.RWMutex
	lastHeartbeat int64
	startedAt     time.Time
	unsubs        []func()
}

// New creates a Gateway over h. Call Start() to begin serving.
func New(cfg *config.Config, h *hub.Hub) *Gateway {
	gw := &Gateway{
		cfg:         cfg,
		hub:         h,
		scheduler:   newScheduler(),
		broadcaster: newBroadcaster(),
		polls:       newPollRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Spokes are authenticated by token, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	gw.unsubs = append(gw.unsubs,
		h.Relay.Subscribe(func(msg relay.Message) {
			gw.broadcaster.send(SSEEvent{Type: "relay.message", Payload: msg})
		}),
		h.Router.Subscribe(func(ev router.Event) {
			gw.broadcaster.send(SSEEvent{Type: strings.ReplaceAll(ev.Name, ":", "."), Payload: ev})
		}),
	)
	return gw
}

// Start runs the gateway until ctx is cancelled. It:
//  1. Registers the heartbeat job and starts the cron scheduler
//  2. Binds the HTTP server (blocks until shutdown)
func (gw *Gateway) Start(ctx context.Context) error {
	addr := gw.cfg.Addr()

	// 1. Scheduler.
	if err := gw.scheduler.Set(heartbeatJob, gw.cfg.Relay.Heartbeat, gw.heartbeat); err != nil {
		return fmt.Errorf("registering heartbeat: %w", err)
	}
	gw.scheduler.Start()

	// 2. HTTP server.
	srv := &http.Server{
		Addr:              addr,
		Handler:           buildHandler(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Shut down HTTP server when ctx is cancelled.
	go func() {
		<-ctx.Done()
		gw.scheduler.Stop()
		gw.polls.closeAll(gw.hub.Broker)
		for _, u := range gw.unsubs {
			u()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway: listening", "addr", "http://"+addr, "machine_id", gw.cfg.Hub.MachineID)
	gw.broadcaster.send(SSEEvent{
		Type:    "gateway.started",
		Payload: map[string]string{"addr": "http://" + addr},
	})

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
