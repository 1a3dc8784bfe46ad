package main

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Solana/internal/api"
	"OpenMCP-Solana/internal/auth"
	"OpenMCP-Solana/internal/observability/metrics"
	"OpenMCP-Solana/internal/task"
	"OpenMCP-Solana/pkg/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 REST API、任务处理器与指标端点",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	rt, err := newRuntime(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ag, err := rt.newAgent()
	if err != nil {
		return err
	}

	var store task.Store = task.NewMemoryStore()
	if cfg.Storage.TaskStore.Driver == "mysql" {
		sqlStore, err := task.NewMySQLStore(rt.db, false)
		if err != nil {
			return err
		}
		store = sqlStore
	}
	defer store.Close()

	queue, err := task.NewQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	service := task.NewService(store, queue, cfg.Queue.MaxRetries, task.WithToolCheck(func(name string) bool {
		_, ok := rt.tools.Lookup(name)
		return ok
	}))
	processor := task.NewProcessor(ag, store, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithTaskTimeout(rt.toolTimeout()),
		task.WithAlertDispatcher(rt.alerter),
	)
	server := api.NewServer(cfg.Server.Address,
		api.WithTools(rt.tools),
		api.WithTaskService(service),
		api.WithLedger(rt.ledger),
		api.WithTransactionFinder(rt.lookup),
		api.WithHistory(ag),
		api.WithAuth(authSvc),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second,
		),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	group.Go(func() error {
		err := processor.Start(groupCtx)
		if stdErrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if addr := cfg.Observability.MetricsAddress; addr != "" {
		group.Go(func() error {
			return metrics.StartServer(groupCtx, addr)
		})
	}

	logger.L().Info("solagentd 已启动",
		slog.String("api", cfg.Server.Address),
		slog.String("network", rt.chains.DefaultNetwork()),
		slog.String("queue", cfg.Queue.Driver),
	)
	return group.Wait()
}
