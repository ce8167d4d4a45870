package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/teleclaw/internal/config"
	"github.com/nextlevelbuilder/teleclaw/internal/controller"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/pending"
	"github.com/nextlevelbuilder/teleclaw/internal/pidfile"
	"github.com/nextlevelbuilder/teleclaw/internal/ports"
	"github.com/nextlevelbuilder/teleclaw/internal/router"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
	"github.com/nextlevelbuilder/teleclaw/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, stateDir, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.Telegram.Token == "" {
		fmt.Println("No bot token found. Set TELEGRAM_BOT_TOKEN or run:  teleclaw setup")
		os.Exit(1)
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("state directory not usable", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing is opt-in; a broken exporter never blocks startup.
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}

	pids, err := pidfile.NewStore(filepath.Join(stateDir, "pids"))
	if err != nil {
		slog.Error("pid store unavailable", "error", err)
		os.Exit(1)
	}
	portReg := ports.NewRegistry(ports.DefaultLo, ports.DefaultHi)

	// ctrl is assigned before the first lifecycle call, and transitions
	// only flow once spawns or sweeps start.
	var ctrl *controller.Controller
	mgr := instances.NewManager(instances.Options{
		StateFile:    filepath.Join(stateDir, "instances.json"),
		LogDir:       filepath.Join(stateDir, "logs"),
		AgentCommand: cfg.Agent.Command,
		Types:        instances.NewTypeRegistry(),
		Ports:        portReg,
		Pids:         pids,
		AutoRestart:  true,
		OnTransition: func(tr instances.Transition) {
			if ctrl != nil {
				ctrl.OnTransition(tr)
			}
		},
	})
	defer mgr.Close()

	restored, err := mgr.Reload()
	if err != nil {
		slog.Warn("instance state reload failed", "error", err)
	}
	if n := pids.CleanupOrphans(mgr.ManagedPIDs()); n > 0 {
		slog.Info("orphan agents cleaned up", "count", n)
	}

	tg, err := telegram.NewClient(ctx, cfg.Telegram.Token)
	if err != nil {
		slog.Error("telegram bot unavailable", "error", err)
		os.Exit(1)
	}

	rt := router.New(filepath.Join(stateDir, "router_state.json"), func(id string) bool {
		_, ok := mgr.Get(id)
		return ok
	})
	if err := rt.Load(); err != nil {
		slog.Warn("router state load failed", "error", err)
	}

	tracker := pending.New(mgr, rt, func(ctx context.Context, target router.Target, text string, keyboard [][]telegram.Button) error {
		_, err := tg.SendWithKeyboard(ctx, target.ChatID, target.TopicID, text, keyboard)
		return err
	})

	ctrl = controller.New(controller.Options{
		Config:   cfg,
		Manager:  mgr,
		Router:   rt,
		Telegram: tg,
		Tracker:  tracker,
		Offsets:  controller.NewOffsetStore(filepath.Join(stateDir, "polling_offset.json")),
	})

	if err := config.Watch(ctx, filepath.Join(stateDir, config.FileName), cfg); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	go mgr.HealthLoop(ctx)
	go tracker.Loop(ctx)

	slog.Info("teleclaw starting",
		"version", Version,
		"bot", tg.Username(),
		"state_dir", stateDir,
		"instances", restored,
	)

	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("update loop failed", "error", err)
	}

	slog.Info("stopping agent instances...")
	if err := mgr.StopAll(); err != nil {
		slog.Warn("some instances did not stop cleanly", "error", err)
	}
	if err := mgr.Save(); err != nil {
		slog.Warn("instance state save failed", "error", err)
	}
	if err := rt.Save(); err != nil {
		slog.Warn("router state save failed", "error", err)
	}

	if shutdownTracing != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
}
