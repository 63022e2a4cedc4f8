package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xtracthub/container-service/pkg/api"
	"github.com/xtracthub/container-service/pkg/auth"
	"github.com/xtracthub/container-service/pkg/backend"
	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/config"
	"github.com/xtracthub/container-service/pkg/metrics"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/pipeline"
	"github.com/xtracthub/container-service/pkg/queue"
	"github.com/xtracthub/container-service/pkg/registry"
	"github.com/xtracthub/container-service/pkg/service"
	"github.com/xtracthub/container-service/pkg/telemetry"
	"github.com/xtracthub/container-service/pkg/workerpool"
)

const serviceName = "xtract-container-service"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, worker pool and prune coordinator",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(serviceName, os.Stdout)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	for _, tool := range []string{"docker", "singularity", "jupyter-repo2docker", "spython"} {
		if err := backend.CheckInstalled(tool); err != nil {
			logger.Warn("build tool unavailable", "tool", tool, "error", err)
		}
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeWith(logger, "store", store)

	q, err := openQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer closeWith(logger, "queue", q)

	objects, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}
	if c, ok := objects.(io.Closer); ok {
		defer closeWith(logger, "object store", c)
	}

	docker := backend.NewDocker(nil)
	authenticator, err := openAuthenticator(ctx, cfg.Registry)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	logs := builder.NewLogBroker(store)
	pipe, err := pipeline.New(pipeline.Config{
		Store:       store,
		Logs:        logs,
		Objects:     objects,
		Docker:      docker,
		Singularity: backend.NewSingularity(nil),
		Repo2Docker: backend.NewRepo2Docker(nil),
		Converter:   backend.NewConverter(nil),
		Registry:    registry.NewClient(authenticator, docker),
		Workspace:   cfg.Workspace.Dir,
		Logger:      logger.With("component", "pipeline"),
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	pool, err := workerpool.New(workerpool.Config{
		Queue:        q,
		Handler:      pipe,
		MaxThreads:   cfg.Pool.MaxThreads,
		KillTime:     cfg.Pool.KillTime,
		PollInterval: cfg.Pool.PollInterval,
		MaxRetry:     cfg.Pool.MaxRetry,
		Logger:       logger.With("component", "workerpool"),
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	svc, err := service.New(service.Config{
		Store:     store,
		Objects:   objects,
		Queue:     q,
		Pool:      pool,
		Artifacts: pipe,
		UploadDir: filepath.Join(cfg.Workspace.Dir, "uploads"),
		Logger:    logger.With("component", "service"),
	})
	if err != nil {
		return err
	}

	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn("no API tokens configured; every authenticated request will be rejected")
	}
	server, err := api.New(api.Config{
		Service:      svc,
		Logs:         logs,
		Threads:      pool,
		Introspector: auth.NewStaticIntrospector(cfg.Auth.Tokens),
		Gatherer:     reg,
		Logger:       logger.With("component", "api"),
	})
	if err != nil {
		return err
	}

	// Tasks left over from a previous run are picked up immediately.
	pool.EnsureWorker()

	pruneCtx, cancelPrune := context.WithCancel(ctx)
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		workerpool.NewPruneCoordinator(pool, docker, cfg.Prune.Interval).Run(pruneCtx)
	}()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("container service listening", "addr", cfg.ListenAddr,
		"queue", cfg.Queue.Driver, "store", cfg.Store.Driver, "objectstore", cfg.ObjectStore.Driver)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		cancelPrune()
		pool.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	<-ctx.Done()
	cancelPrune()
	<-pruneDone
	pool.Stop()
	logger.Info("container service stopped")
	return nil
}

func openStore(cfg config.StoreConfig) (builder.Store, error) {
	switch cfg.Driver {
	case "memory":
		return builder.NewMemStore(), nil
	case "postgres":
		return builder.NewPostgresStore(cfg.DatabaseURL)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

func openQueue(cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return queue.NewMemQueue(cfg.VisibilityTimeout), nil
	case "redis":
		return queue.NewRedisQueue(cfg.RedisURL, cfg.Name, cfg.VisibilityTimeout)
	case "amqp":
		return queue.NewAMQPQueue(cfg.AMQPURL, cfg.Name)
	}
	return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
}

func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	switch cfg.Driver {
	case "local":
		return objectstore.NewLocalStore(cfg.Root)
	case "s3":
		return objectstore.NewS3Store(ctx, cfg.Bucket, cfg.Region)
	case "sftp":
		return objectstore.NewSFTPStore(objectstore.SFTPConfig{
			Addr:       cfg.SFTP.Addr,
			User:       cfg.SFTP.User,
			PrivateKey: cfg.SFTP.PrivateKey,
			Password:   cfg.SFTP.Password,
			Root:       cfg.Root,
		})
	}
	return nil, fmt.Errorf("unsupported object store driver %q", cfg.Driver)
}

func openAuthenticator(ctx context.Context, cfg config.RegistryConfig) (registry.Authenticator, error) {
	switch cfg.Driver {
	case "ecr":
		return registry.NewECRAuthenticator(ctx, cfg.Region)
	case "static":
		if cfg.Endpoint == "" {
			return nil, errors.New("registry.endpoint is required for the static registry")
		}
		return registry.StaticAuthenticator{Credential: registry.Credential{
			Endpoint: cfg.Endpoint,
			Username: cfg.Username,
			Password: cfg.Password,
		}}, nil
	}
	return nil, fmt.Errorf("unsupported registry driver %q", cfg.Driver)
}

func closeWith(logger *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Error("close failed", "component", what, "error", err)
	}
}
