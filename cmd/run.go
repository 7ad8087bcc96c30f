package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chromedp/chromedp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/assets"
	"github.com/pagepilot/pagepilot/internal/backend"
	"github.com/pagepilot/pagepilot/internal/config"
	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/dom/cdp"
	"github.com/pagepilot/pagepilot/internal/handoff"
	"github.com/pagepilot/pagepilot/internal/messaging"
	"github.com/pagepilot/pagepilot/internal/monitor"
	"github.com/pagepilot/pagepilot/internal/notify"
	"github.com/pagepilot/pagepilot/internal/observability"
	"github.com/pagepilot/pagepilot/internal/orchestrator"
	"github.com/pagepilot/pagepilot/internal/prompt"
	"github.com/pagepilot/pagepilot/internal/selectors"
)

// newRunCmd creates the `run` command: the resident agent that attaches to a
// studio tab and serves the control channel until interrupted.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Attach to a studio tab and serve the control channel",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("agent.devtools_url", cmd.Flags().Lookup("devtools")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.listen_addr", cmd.Flags().Lookup("listen")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg := appCfg
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			components, err := initializeAgentComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize agent: %w", err)
			}
			defer components.Shutdown()

			return serveAgent(ctx, cfg, components, logger)
		},
	}

	runCmd.Flags().String("devtools", "", "DevTools URL of the running browser. (Overrides config/env)")
	runCmd.Flags().String("listen", "", "Control channel listen address. (Overrides config/env)")

	return runCmd
}

// agentComponents holds everything the resident agent wires together.
type agentComponents struct {
	Page         *cdp.Page
	Tasks        *handoff.Handoff
	Monitor      *monitor.Monitor
	Orchestrator *orchestrator.Orchestrator
	Server       *messaging.Server

	DBPool      *pgxpool.Pool
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

func (ac *agentComponents) Shutdown() {
	if ac.Monitor != nil {
		ac.Monitor.Stop()
	}
	if ac.cancelTab != nil {
		ac.cancelTab()
	}
	if ac.cancelAlloc != nil {
		ac.cancelAlloc()
	}
	if ac.DBPool != nil {
		ac.DBPool.Close()
	}
}

// initializeAgentComponents handles dependency injection for the agent.
func initializeAgentComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*agentComponents, error) {
	components := &agentComponents{}
	clock := dom.SystemClock{}

	// 1. Browser attachment. The agent joins an already running browser; it
	// never launches one.
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, cfg.Agent.DevToolsURL)
	components.cancelAlloc = cancelAlloc
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	components.cancelTab = cancelTab

	attachCtx, cancelAttach := context.WithTimeout(tabCtx, cfg.Agent.AttachTimeout)
	defer cancelAttach()
	if err := chromedp.Run(attachCtx); err != nil {
		return components, fmt.Errorf("failed to attach to browser at %s: %w", cfg.Agent.DevToolsURL, err)
	}
	page := cdp.Attach(tabCtx, logger)
	components.Page = page

	// 2. Handoff stores. The session store always runs; the database store
	// joins as primary when configured.
	stores := []handoff.Store{}
	if cfg.Store.Enabled {
		dbPool, err := pgxpool.New(ctx, cfg.Store.URL)
		if err != nil {
			return components, fmt.Errorf("failed to connect to handoff database: %w", err)
		}
		components.DBPool = dbPool
		pgStore, err := handoff.NewPGStore(ctx, dbPool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize handoff database store: %w", err)
		}
		stores = append(stores, pgStore)
	}
	stores = append(stores, handoff.NewSessionStore(page, logger))
	tasks := handoff.New(logger, stores...)
	components.Tasks = tasks

	// 3. Page-facing components.
	catalog := selectors.NewCatalog(cfg.Selectors.Overrides)
	resolver := selectors.New(page, catalog, clock, cfg.Delays.Poll, logger)
	notifier := notify.NewAgent(page, clock, cfg.Delays.AutoHide, logger)

	var sink monitor.ResultSink
	if cfg.Agent.CallbackURL != "" {
		sink = messaging.NewClient(cfg.Agent.CallbackURL, nil, logger)
	} else {
		sink = logSink{logger: logger}
	}
	mon := monitor.New(page, resolver, notifier, sink, clock, cfg.Delays.SaveRetry, logger)
	components.Monitor = mon

	filler := prompt.NewFiller(page, resolver, notifier, clock,
		cfg.Delays.Settle, cfg.Delays.PromptResolveTimeout, logger)
	loader := assets.NewLoader(nil, resolver, notifier, clock,
		cfg.Delays.Settle, cfg.Delays.InterItem, cfg.Delays.FileResolveTimeout, logger)

	newBackend := func(base string) orchestrator.Backend {
		if base == "" {
			base = cfg.Backend.BaseURL
		}
		return backend.NewClient(base, &http.Client{Timeout: cfg.Backend.Timeout}, logger)
	}

	orch := orchestrator.New(page, tasks, newBackend, filler, loader, mon, notifier, clock,
		cfg.Target.Hostnames, cfg.Delays.Settle, logger)
	components.Orchestrator = orch

	// 4. Control channel.
	server := messaging.NewServer(cfg.Agent.ListenAddr, logger)
	server.OnPrepare(orch.HandlePrepare)
	server.OnLinks(func(ctx context.Context) schemas.LinkSnapshot {
		return mon.Extract(ctx)
	})
	server.OnResult(func(ctx context.Context, res schemas.AutomationResult) error {
		logger.Info("Result received on control channel",
			zap.String("task_id", res.TaskID), zap.String("result_url", res.ResultURL))
		return nil
	})
	components.Server = server

	return components, nil
}

// serveAgent runs the control server and the navigation watcher until the
// context is canceled.
func serveAgent(ctx context.Context, cfg *config.Config, components *agentComponents, logger *zap.Logger) error {
	if err := components.Page.WaitReady(ctx); err != nil {
		return err
	}

	// One attempt against whatever is already on the page; a missing task is
	// the normal case at startup.
	if err := components.Orchestrator.Run(ctx); err != nil &&
		!errors.Is(err, orchestrator.ErrNotEligible) && !errors.Is(err, orchestrator.ErrAlreadyInitialized) {
		logger.Warn("Initial run attempt failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return components.Server.Run(gctx)
	})
	g.Go(func() error {
		err := components.Orchestrator.WatchNavigation(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	logger.Info("Agent ready",
		zap.String("listen_addr", components.Server.Addr()),
		zap.Strings("target_hostnames", cfg.Target.Hostnames))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Agent stopped")
	return nil
}

// logSink reports results to the log when no callback URL is configured.
type logSink struct {
	logger *zap.Logger
}

func (s logSink) SubmitResult(_ context.Context, res schemas.AutomationResult) error {
	s.logger.Info("Automation result",
		zap.String("task_id", res.TaskID),
		zap.String("publication_id", res.PublicationID),
		zap.String("result_url", res.ResultURL),
		zap.String("download_url", res.DownloadURL),
		zap.String("status", string(res.Status)))
	return nil
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
