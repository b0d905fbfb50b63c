// Command server runs the full backend: the websocket relay that intercepts
// game traffic, the state projector, the automation runner, the frontend push
// hub, and the plain HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/shantenlens/backend/internal/autorun"
	"github.com/shantenlens/backend/internal/bus"
	"github.com/shantenlens/backend/internal/config"
	"github.com/shantenlens/backend/internal/gamestate"
	"github.com/shantenlens/backend/internal/httpapi"
	"github.com/shantenlens/backend/internal/liqi"
	"github.com/shantenlens/backend/internal/mitm"
	"github.com/shantenlens/backend/internal/packetbot"
	"github.com/shantenlens/backend/internal/proxyhost"
	"github.com/shantenlens/backend/internal/registry"
	"github.com/shantenlens/backend/internal/ui"
)

const shutdownGrace = 5 * time.Second

// boolSource adapts the config manager to the projector's feature switches.
type boolSource struct{ m *config.Manager }

func (b boolSource) Bool(dotted string) bool { return b.m.GetBool(dotted, false) }

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the server config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log.Level)

	for _, dir := range []string{cfg.ConfDir(), cfg.DataDir(), cfg.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
	}

	manager, err := config.BuildManager(cfg.ConfDir())
	if err != nil {
		return fmt.Errorf("config tables: %w", err)
	}
	if manager.GetBool("general.debug", false) {
		setupLogging("debug")
	}
	items, err := registry.Load(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("item tables: %w", err)
	}
	slog.Info("item tables loaded", "amulets", items.AmuletCount(), "badges", items.BadgeCount())

	events, err := buildBus(cfg)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer events.Close()

	publish := func(eventType bus.EventType, payload map[string]any) {
		_ = events.Publish(context.Background(), &bus.Event{
			Type: eventType, Source: "server", Payload: payload,
		})
	}

	hub := ui.NewHub()

	addon := mitm.NewAddon(liqi.DefaultSchema(), mitm.NewMetrics())
	addon.Debug = func() bool { return manager.GetBool("general.debug", false) }
	projector := gamestate.NewProjector(boolSource{manager}, func(snapshot map[string]any) {
		hub.NotifyGameState()
		publish(bus.EventGameStateUpdated, snapshot)
	})
	addon.OnInbound = projector.InboundHook()

	bot := packetbot.New(addon, projector)

	runner := autorun.NewRunner(autorun.Options{
		Bot:    bot,
		State:  projector,
		Flows:  addon,
		Config: func() map[string]any { return manager.TableValues("autorun") },
		Rarity: func(family int) int {
			if a, ok := items.Amulet(family); ok {
				return int(a.Rarity)
			}
			return 0
		},
		Broadcast: func(status map[string]any) {
			hub.BroadcastStatus(status)
			publish(bus.EventAutorunStatus, status)
		},
	})

	watcher := config.NewWatcher(cfg.ConfDir(), func(path string) {
		table, changed := manager.HandleFileChange(path)
		if !changed {
			return
		}
		slog.Info("config table reloaded from disk", "table", table)
		switch table {
		case "autorun":
			runner.UpdateConfig()
			hub.Broadcast("update_autorun_config", manager.TableValues("autorun"))
			hub.BroadcastStatus(runner.StatusPayload())
		case "fuse":
			hub.Broadcast("update_fuse_config", manager.TableValues("fuse"))
		}
		hub.Broadcast("update_config", manager.Payload())
		publish(bus.EventConfigUpdated, map[string]any{"table": table})
	})

	hub.Config = manager
	hub.Marker = watcher
	hub.State = projector
	hub.Items = items
	hub.Autorun = runner
	hub.ConfDir = cfg.ConfDir()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watcher.Run(ctx)

	errCh := make(chan error, 3)
	var servers []*http.Server

	uiMux := http.NewServeMux()
	uiMux.HandleFunc("/ws", hub.HandleWS)
	servers = append(servers, startServer(errCh, "ui",
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), uiMux))

	if cfg.Mitm.Upstream == "" {
		slog.Warn("mitm upstream not configured, interception disabled")
	} else {
		relay, err := proxyhost.NewRelay(addon, cfg.Mitm.Upstream)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		relay.OnFlowOpened = func(peer string) {
			publish(bus.EventFlowOpened, map[string]any{"peer": peer})
		}
		relay.OnFlowClosed = func(peer string) {
			runner.InvalidateProbe()
			publish(bus.EventFlowClosed, map[string]any{"peer": peer})
		}
		servers = append(servers, startServer(errCh, "mitm",
			fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Mitm.Port), relay))
	}

	api := httpapi.NewServer(projector, bot)
	servers = append(servers, startServer(errCh, "api",
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.API.Port), api.Router()))

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("listener failed", "err", err)
	}

	if runner.Running() {
		runner.Stop("stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "addr", srv.Addr, "err", err)
		}
	}
	return nil
}

func startServer(errCh chan<- error, name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		slog.Info("listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return srv
}

func buildBus(cfg *config.Config) (bus.EventBus, error) {
	if cfg.Redis.Addr == "" {
		return bus.NewLocalEventBus(), nil
	}
	return bus.NewRedisEventBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
