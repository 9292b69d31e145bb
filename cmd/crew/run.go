package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/developer"
	"github.com/crewhq/crew/internal/gateway"
	"github.com/crewhq/crew/internal/gitlock"
	"github.com/crewhq/crew/internal/gitops"
	"github.com/crewhq/crew/internal/history"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/planner"
	"github.com/crewhq/crew/internal/pullrequest"
	"github.com/crewhq/crew/internal/repocache"
	"github.com/crewhq/crew/internal/state"
	"github.com/crewhq/crew/internal/worker"
	"github.com/crewhq/crew/internal/workspace"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return initFailure(err)
	}

	if err := logging.Init(cfg.Logging); err != nil {
		return initFailure(fmt.Errorf("failed to initialize logging: %w", err))
	}
	log := logging.WithComponent("crew")

	store, err := state.NewStore(cfg.DataDir)
	if err != nil {
		return initFailure(err)
	}

	archive, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return initFailure(err)
	}
	defer func() { _ = archive.Close() }()

	locks := gitlock.NewManager(cfg.Git.LockTimeoutDuration())
	git := gitops.NewCLI(cfg.Git.OperationTimeoutDuration())
	repos := repocache.New(cfg.WorkspaceRoot, cfg.Git.CacheTimeoutDuration(), git, locks,
		repocache.GitHubCloneURL(cfg.PullRequests.Token))
	workspaces := workspace.NewManager(cfg.WorkspaceRoot, git, repos, locks, store)

	boards, ok, err := board.New(cfg.Board.Provider, board.ProviderOptions{
		Token:   cfg.Board.Token,
		APIBase: cfg.Board.APIBase,
	})
	if err != nil {
		return initFailure(fmt.Errorf("failed to create board provider: %w", err))
	}
	if !ok {
		return initFailure(fmt.Errorf("unknown board provider: %s", cfg.Board.Provider))
	}

	prs, ok, err := pullrequest.New(cfg.PullRequests.Provider, pullrequest.ProviderOptions{
		Token:   cfg.PullRequests.Token,
		APIBase: cfg.PullRequests.APIBase,
	})
	if err != nil {
		return initFailure(fmt.Errorf("failed to create pull request provider: %w", err))
	}
	if !ok {
		return initFailure(fmt.Errorf("unknown pull request provider: %s", cfg.PullRequests.Provider))
	}

	factory := developer.NewFactory(cfg.Developer)
	pool := worker.NewPool(cfg.Pool, factory, store, workspaces, repos, git)
	router := worker.NewRouter(pool, workspaces)
	pl := planner.New(cfg.Planner, cfg.Board.BoardID, boards, prs, router, pool, store, workspaces, archive)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.NewServer(cfg.Gateway, version, pool, pl, cancel)

	// Executions archive their outcome and feed the event stream. Must be
	// wired before Initialize, which may resume restored workers.
	pool.SetResultHook(func(res *worker.Result) {
		if err := archive.RecordRun(history.TaskRun{
			TaskID:         res.TaskID,
			WorkerID:       res.WorkerID,
			Action:         string(res.Action),
			Success:        res.Success,
			PullRequestURL: res.PullRequestURL,
			Error:          res.Error,
			FinishedAt:     res.FinishedAt,
		}); err != nil {
			log.Warn("failed to archive task run", slog.Any("error", err))
		}
		gw.Publish(gateway.Event{Type: "task_result", Payload: res})
	})

	// Orphaned worktrees from a previous crash go before workers restart.
	workspaces.CleanupOrphans(ctx)

	if err := locks.Start(); err != nil {
		return initFailure(err)
	}
	defer locks.Stop()

	if err := pool.Initialize(); err != nil {
		return initFailure(err)
	}
	if err := pool.Start(); err != nil {
		return initFailure(err)
	}

	if err := pl.Start(); err != nil {
		return initFailure(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	log.Info("crew started",
		slog.String("board", cfg.Board.BoardID),
		slog.String("developer", cfg.Developer.Type),
	)

	gwErr := gw.Start(ctx)

	pl.Stop()
	pool.Shutdown()
	// The daemon is exiting; terminate subprocess groups rather than
	// orphaning them.
	pool.Cleanup()

	if gwErr != nil {
		return runtimeFailure(gwErr)
	}
	return nil
}
