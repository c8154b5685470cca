// Command loomd runs the loom workflow daemon: it loads workflow
// definitions, opens the configured store, and serves the enabled
// surfaces (Telegram long-poll, Slack and SMS webhooks).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/internal/config"
	"github.com/nevindra/loom/observer"
	"github.com/nevindra/loom/store/file"
	"github.com/nevindra/loom/store/postgres"
	"github.com/nevindra/loom/store/sqlite"
	"github.com/nevindra/loom/surface/slack"
	"github.com/nevindra/loom/surface/sms"
	"github.com/nevindra/loom/surface/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load(os.Getenv("LOOM_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	store, manualLinks, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	// Observability
	var inst *observer.Instruments
	engineOpts := []loom.EngineOption{loom.WithLogger(logger)}
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
		engineOpts = append(engineOpts, loom.WithTracer(observer.NewTracer()))
	}

	// Identity
	identityOpts := []loom.IdentityOption{loom.WithIdentityLogger(logger)}
	if manualLinks != nil {
		identityOpts = append(identityOpts, loom.WithManualLinks(manualLinks))
	}
	identity, err := loom.NewIdentityService(ctx, store, identityOpts...)
	if err != nil {
		return err
	}
	defer identity.Close()

	// Router
	router, err := loom.NewRouter(ctx, identity, store, loom.WithRouterLogger(logger))
	if err != nil {
		return err
	}
	defer router.Close()

	// Engine
	engine := loom.NewEngine(store, identity, router, engineOpts...)
	defer engine.Close()

	// Workflow definitions
	defs, err := loom.LoadWorkflowDir(cfg.Workflows.Dir)
	if err != nil {
		return fmt.Errorf("load workflows from %s: %w", cfg.Workflows.Dir, err)
	}
	for _, def := range defs {
		if err := engine.RegisterWorkflow(def); err != nil {
			return fmt.Errorf("register workflow %s: %w", def.ID, err)
		}
	}
	logger.Info("workflows registered", "count", len(defs))

	hooks := loom.NewHooks(engine, identity, loom.WithHookLogger(logger))

	// Surfaces
	if cfg.Telegram.Enabled {
		client := telegram.NewClient(cfg.Telegram.Token)
		adapter := loom.SurfaceAdapter(telegram.NewAdapter(client, telegram.WithLogger(logger)))
		if inst != nil {
			adapter = observer.WrapAdapter(adapter, inst)
		}
		engine.RegisterAdapter(adapter)

		poller := telegram.NewPoller(client, logger)
		go func() {
			if err := poller.Run(ctx, telegramDispatch(hooks)); err != nil && ctx.Err() == nil {
				logger.Error("telegram poller stopped", "error", err)
			}
		}()
		logger.Info("telegram surface enabled")
	}

	if cfg.Slack.Enabled {
		client := slack.NewClient(cfg.Slack.BotToken)
		adapter := loom.SurfaceAdapter(slack.NewAdapter(client, slack.WithLogger(logger)))
		if inst != nil {
			adapter = observer.WrapAdapter(adapter, inst)
		}
		engine.RegisterAdapter(adapter)

		srv := newSlackServer(hooks, cfg.Slack.SigningSecret, logger)
		go srv.listen(ctx, cfg.Slack.ListenAddr)
		logger.Info("slack surface enabled", "addr", cfg.Slack.ListenAddr)
	}

	if cfg.SMS.Enabled {
		gateway := sms.NewClient(cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.FromNumber)
		adapter := loom.SurfaceAdapter(sms.NewAdapter(gateway, sms.WithLogger(logger)))
		if inst != nil {
			adapter = observer.WrapAdapter(adapter, inst)
		}
		engine.RegisterAdapter(adapter)

		srv := newSMSServer(hooks, logger)
		go srv.listen(ctx, cfg.SMS.ListenAddr)
		logger.Info("sms surface enabled", "addr", cfg.SMS.ListenAddr)
	}

	// Recovery sweep + background expiry, retry queue worker.
	if err := engine.Start(ctx); err != nil {
		return err
	}
	router.Start(ctx)

	logger.Info("loomd running", "store", cfg.Store.Backend)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// telegramDispatch routes one update to the matching hook family.
func telegramDispatch(hooks *loom.Hooks) func(ctx context.Context, u *telegram.Update) {
	return func(ctx context.Context, u *telegram.Update) {
		switch {
		case u.CallbackQuery != nil:
			_, _ = hooks.HandleCallback(ctx, telegram.SurfaceID, u)
		case u.Message != nil:
			_, _ = hooks.HandleText(ctx, telegram.SurfaceID, u)
		}
	}
}

// openStore builds the configured backend. The file backend also loads
// the optional manual-link overrides from its config directory.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (loom.Store, map[string]map[string]string, error) {
	switch cfg.Store.Backend {
	case "file", "":
		links, err := file.LoadManualLinks(cfg.Store.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("load manual links: %w", err)
		}
		return file.New(cfg.Store.DataDir, file.WithLogger(logger)), links, nil
	case "sqlite":
		return sqlite.New(cfg.Store.SQLitePath, sqlite.WithLogger(logger)), nil, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		return postgres.New(pool), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
