package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/dispatch"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/gateway"
	"github.com/harryaskham/io-mcp/internal/hooks"
	"github.com/harryaskham/io-mcp/internal/logging"
	"github.com/harryaskham/io-mcp/internal/presenter"
	"github.com/harryaskham/io-mcp/internal/session"
	"github.com/harryaskham/io-mcp/internal/tts"
)

// maintenanceInterval paces stale pruning and audio health ticks.
const maintenanceInterval = 30 * time.Second

func newBrokerCmd() *cobra.Command {
	var (
		port     int
		headless bool
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the broker: gateway, inbox engine, TTS, and terminal UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			brokerLog := log
			if !headless {
				// The TUI owns the terminal; stderr logging would corrupt it.
				logPath := cfg.Logging.File
				if logPath == "" {
					logPath = filepath.Join(paths.Logs, "broker.log")
				}
				brokerLog, err = logging.NewFile(logPath, cfg.Logging.Level)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
			}

			return runBroker(cfg, brokerLog, headless)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().BoolVar(&headless, "headless", false, "run without the terminal UI (frontends only)")
	return cmd
}

func runBroker(cfg config.Config, log *logging.Logger, headless bool) error {
	eventBus := bus.NewBus(bus.DefaultCapacity, log)
	registry := session.NewRegistry(
		eventBus,
		cfg.Session.HistoryCap,
		time.Duration(cfg.Session.StaleAfterSeconds)*time.Second,
		log,
	)
	engine := tts.NewEngine(cfg.TTS, paths.Cache, eventBus, log)
	registry.SetSpeaker(engine)

	dispatcher := dispatch.New(registry, engine, cfg, log)
	hookMgr := hooks.NewManagerFromConfig(cfg.Hooks.Commands, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []gateway.ServerOption
	var pres *presenter.Presenter
	if !headless {
		pres = presenter.New(registry, engine, log)
		opts = append(opts, gateway.WithKeySink(pres))
	}
	server := gateway.New(cfg.Gateway, dispatcher, registry, engine, eventBus, log, opts...)

	hookMgr.Emit(hooks.EventBrokerStart, map[string]string{"port": fmt.Sprint(cfg.Gateway.Port)})
	defer hookMgr.Emit(hooks.EventBrokerStop, nil)
	defer eventBus.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(ctx)
	})

	// Timed maintenance: stale-session pruning and audio health ticks.
	g.Go(func() error {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				for _, id := range registry.PruneStale(now) {
					log.Info().Str("session", id).Msg("pruned stale session")
				}
				engine.Recovery().Tick(now)
			case <-ctx.Done():
				return nil
			}
		}
	})

	// Bridge bus events to operator-configured hooks.
	g.Go(func() error {
		sub := eventBus.Subscribe()
		defer sub.Close()
		for {
			select {
			case env, open := <-sub.C:
				if !open {
					return nil
				}
				emitHook(hookMgr, env)
			case <-ctx.Done():
				return nil
			}
		}
	})

	if pres != nil {
		g.Go(func() error {
			err := pres.Run(ctx)
			stop() // operator quit the UI; wind the broker down
			return err
		})
	}

	return g.Wait()
}

// emitHook maps bus events onto the hook surface.
func emitHook(m *hooks.Manager, env domain.EventEnvelope) {
	data := map[string]string{"session": env.SessionID}
	switch env.Kind {
	case domain.EventSessionCreated:
		m.Emit(hooks.EventSessionCreated, data)
	case domain.EventSessionRemoved:
		m.Emit(hooks.EventSessionRemoved, data)
	case domain.EventPulseDown:
		m.Emit(hooks.EventPulseDown, data)
	case domain.EventPulseRecovered:
		m.Emit(hooks.EventPulseRecovered, data)
	}
}
