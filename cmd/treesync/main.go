// Command treesync runs the local-first inspection sync daemon: it owns
// the durable record store and pending queue, serves UI notifications
// over a local websocket and reconciles against the remote CRM whenever
// connectivity allows.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urbanforestry/treesync/internal/config"
	"github.com/urbanforestry/treesync/internal/logging"
	"github.com/urbanforestry/treesync/internal/notify"
	"github.com/urbanforestry/treesync/internal/service"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("Failed to load configuration", err, nil)
		os.Exit(1)
	}

	level := logging.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = logging.LevelDebug
	}
	logging.Init(os.Stdout, level)

	logging.Info("treesync starting",
		map[string]interface{}{"version": Version, "data_dir": cfg.DataDir})

	var overrides service.Overrides
	var hub *notify.Hub
	if cfg.Notify.Enabled {
		hub = notify.NewHub()
		overrides.Notifier = hub
	}

	svc := service.New(cfg, overrides)
	if err := svc.Init(); err != nil {
		logging.Error("Failed to initialize service", err, nil)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logging.Error("Failed to start orchestrator", err, nil)
		os.Exit(1)
	}
	defer svc.Stop()

	if hub != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		server := &http.Server{Addr: cfg.Notify.ListenAddr, Handler: mux}
		go func() {
			logging.Info("Notification hub listening",
				map[string]interface{}{"addr": cfg.Notify.ListenAddr})
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("Notification hub failed", err, nil)
			}
		}()
		defer server.Shutdown(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
}
