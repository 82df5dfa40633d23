package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/antergos/antbs/pkg/api"
	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/livelog"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/metrics"
	"github.com/antergos/antbs/pkg/monitor"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/repo"
	"github.com/antergos/antbs/pkg/sandbox"
	"github.com/antergos/antbs/pkg/store"
	"github.com/antergos/antbs/pkg/tool"
	"github.com/antergos/antbs/pkg/transaction"
	"github.com/antergos/antbs/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build server",
	Long: `Serve runs the whole build server in one process: the HTTP and
webhook surface, the three queue workers, the repo drift watcher and
the upstream monitor, all sharing redis-backed state.

Each worker first recovers jobs a previous run left on its processing
list, so a crash mid-build re-runs the job instead of losing it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "/etc/antbs/antbs.yaml", "Path to the config file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, store.Options{
		Addr:     cfg.Store.Addr,
		DB:       cfg.Store.DB,
		Password: cfg.Store.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()
	metrics.SetComponent("store", true, "")

	for _, dir := range []string{
		cfg.Paths.BuildBase,
		cfg.Paths.Main64, cfg.Paths.Main32,
		cfg.Paths.Staging64, cfg.Paths.Staging32,
		cfg.Paths.ISOTesting,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	mainRepo, err := entity.EnsureRepo(ctx, st, cfg.Repos.MainName, repo.RoleMain, cfg.Paths.Main64, cfg.Paths.Main32)
	if err != nil {
		return err
	}
	stagingRepo, err := entity.EnsureRepo(ctx, st, cfg.Repos.StagingName, repo.RoleStaging, cfg.Paths.Staging64, cfg.Paths.Staging32)
	if err != nil {
		return err
	}
	if err := entity.Status(st).SeedPaths(ctx, map[string]string{
		"build_base":  cfg.Paths.BuildBase,
		"main_64":     cfg.Paths.Main64,
		"main_32":     cfg.Paths.Main32,
		"staging_64":  cfg.Paths.Staging64,
		"staging_32":  cfg.Paths.Staging32,
		"iso_testing": cfg.Paths.ISOTesting,
	}); err != nil {
		return err
	}

	exec, err := sandbox.NewContainerd(cfg.Sandbox.Socket, cfg.Sandbox.Namespace)
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}
	defer exec.Close()
	metrics.SetComponent("sandbox", true, "")

	streams := livelog.NewStreamer(st)
	updater := repo.NewUpdater(st, exec, streams, cfg)
	engine := transaction.New(st, exec, updater, streams, tool.NewRunner(), cfg)
	hooks := webhook.NewDispatcher(st, cfg)
	mon := monitor.New(st, cfg)

	// A previous run may have died mid-update; bring the store's view
	// of both repos back in line with the dirs before taking work.
	scanner := repo.NewScanner(st)
	for _, r := range []*entity.Repo{mainRepo, stagingRepo} {
		if err := scanner.Reconcile(ctx, r); err != nil {
			logger.Warn().Err(err).Str("repo", r.Name).Msg("initial reconcile failed")
		}
	}

	poll := cfg.Queues.PollInterval.Std()

	txWorker := queue.NewWorker(st, queue.Transactions, poll)
	txWorker.Register(queue.OpHandleHook, engine.HandleHook)
	txWorker.Register(queue.OpISORelease, engine.HandleISORelease)

	repoWorker := queue.NewWorker(st, queue.UpdateRepo, poll)
	repoWorker.Register(queue.OpUpdateRepo, engine.HandleUpdateRepo)
	repoWorker.Register(queue.OpProcessDevReview, engine.HandleProcessDevReview)
	repoWorker.Register(queue.OpReconcile, engine.HandleReconcile)
	repoWorker.Register(queue.OpCheckUpstream, mon.HandleCheckUpstream)

	hookWorker := queue.NewWorker(st, queue.Webhook, poll)
	hookWorker.Register(queue.OpProcessHook, hooks.HandleProcessHook)

	workers := []*queue.Worker{txWorker, repoWorker, hookWorker}
	for _, w := range workers {
		if err := w.Recover(ctx); err != nil {
			return fmt.Errorf("failed to recover in-flight jobs: %w", err)
		}
	}

	collector := metrics.NewCollector(st,
		[]string{queue.Transactions, queue.UpdateRepo, queue.Webhook},
		[]string{cfg.Repos.MainName, cfg.Repos.StagingName},
	)
	collector.Start()
	defer collector.Stop()

	watcher := repo.NewWatcher(st, []string{
		cfg.Paths.Main64, cfg.Paths.Main32,
		cfg.Paths.Staging64, cfg.Paths.Staging32,
	}, 0, cfg.Queues.RepoTimeout.Std())

	srv := api.New(st, cfg, hooks, streams, mon)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	logger.Info().
		Str("version", Version).
		Str("listen", cfg.Server.Listen).
		Str("store", cfg.Store.Addr).
		Msg("antbs is up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("antbs stopped")
	return nil
}
