// Package pipeline runs one queued task to completion: it drives the build
// record through PENDING, BUILDING, PUSHING and a terminal status, invoking
// the image tools and cleaning up local state on every exit path.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/metrics"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/queue"
)

// ImageEngine is the docker daemon as seen by the pipeline.
type ImageEngine interface {
	Build(ctx context.Context, dir, tag string, onLine func(string)) error
	ImageSize(ctx context.Context, ref string) (int64, error)
	Remove(ctx context.Context, ref string) error
	Save(ctx context.Context, ref, path string) error
}

type SingularityBuilder interface {
	Build(ctx context.Context, dir, recipe, output string, onLine func(string)) (int64, error)
}

type Repo2DockerBuilder interface {
	Build(ctx context.Context, source, image string, onLine func(string)) error
}

type RecipeConverter interface {
	Convert(ctx context.Context, from builder.Format, in, out string) error
}

// ImagePusher moves images between the local daemon and the registry.
type ImagePusher interface {
	Push(ctx context.Context, localRef, repository, tag string, onLine func(string)) (string, string, error)
	Pull(ctx context.Context, repository, tag string, onLine func(string)) (string, error)
}

type Config struct {
	Store       builder.Store
	Logs        *builder.LogBroker
	Objects     objectstore.Store
	Docker      ImageEngine
	Singularity SingularityBuilder
	Repo2Docker Repo2DockerBuilder
	Converter   RecipeConverter
	Registry    ImagePusher
	// Workspace holds scratch directories. Defaults to os.TempDir().
	Workspace string
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *metrics.Metrics
}

type Pipeline struct {
	store       builder.Store
	logs        *builder.LogBroker
	objects     objectstore.Store
	docker      ImageEngine
	singularity SingularityBuilder
	repo2docker Repo2DockerBuilder
	converter   RecipeConverter
	registry    ImagePusher
	workspace   string
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	now         func() time.Time
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Objects == nil {
		return nil, fmt.Errorf("pipeline: store and object store are required")
	}
	if cfg.Workspace == "" {
		cfg.Workspace = os.TempDir()
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create workspace: %w", err)
	}
	if cfg.Logs == nil {
		cfg.Logs = builder.NewLogBroker(cfg.Store)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/xtracthub/container-service/pkg/pipeline")
	}
	return &Pipeline{
		store:       cfg.Store,
		logs:        cfg.Logs,
		objects:     cfg.Objects,
		docker:      cfg.Docker,
		singularity: cfg.Singularity,
		repo2docker: cfg.Repo2Docker,
		converter:   cfg.Converter,
		registry:    cfg.Registry,
		workspace:   cfg.Workspace,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}, nil
}

// Handle dispatches a decoded task to its operation.
func (p *Pipeline) Handle(ctx context.Context, task queue.Task) error {
	switch t := task.(type) {
	case queue.BuildContainer:
		return p.BuildContainer(ctx, t)
	case queue.Repo2Docker:
		return p.Repo2Docker(ctx, t)
	}
	return builder.Validation("dispatch", fmt.Errorf("%w: %T", queue.ErrUnknownOperation, task))
}

// Discard releases task inputs once the worker has given up on it.
func (p *Pipeline) Discard(_ context.Context, task queue.Task, _ error) {
	t, ok := task.(queue.Repo2Docker)
	if !ok || t.FromGit() {
		return
	}
	if err := os.Remove(t.Target); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("remove repo2docker archive", "build_id", t.BuildID, "error", err)
	}
}

// logLine returns a sink that appends tool output to the build log.
func (p *Pipeline) logLine(ctx context.Context, id string) func(string) {
	return func(line string) {
		if err := p.logs.Append(ctx, id, line); err != nil {
			p.logger.Warn("append build log", "build_id", id, "error", err)
		}
	}
}

// transition moves the record to a non-terminal status.
func (p *Pipeline) transition(ctx context.Context, id string, patch builder.BuildPatch) (builder.Build, error) {
	rec, err := p.store.UpdateBuild(ctx, id, patch)
	if err != nil {
		return builder.Build{}, builder.Infrastructure("update build", err)
	}
	if patch.Status != nil {
		p.logLine(ctx, id)(fmt.Sprintf("status: %s", *patch.Status))
	}
	return rec, nil
}

// finish records a terminal status and closes live log streams. cause is
// returned unchanged so callers can `return p.finish(...)`.
func (p *Pipeline) finish(ctx context.Context, rec builder.Build, status builder.Status, started time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
		p.logLine(ctx, rec.ID)(fmt.Sprintf("error: %s", msg))
	}
	if _, err := p.store.UpdateBuild(ctx, rec.ID, builder.StatusPatch(status, msg)); err != nil {
		p.logger.Error("record terminal status", "build_id", rec.ID, "status", status, "error", err)
		if cause == nil {
			cause = builder.Infrastructure("update build", err)
		}
	} else {
		p.logLine(ctx, rec.ID)(fmt.Sprintf("status: %s", status))
	}
	p.logs.CloseSubscribers(rec.ID)

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = p.now().Sub(started)
	}
	p.metrics.BuildFinished(string(rec.Format), string(status), elapsed)

	if cause != nil {
		p.logger.Error("build finished", "build_id", rec.ID, "status", status, "kind", builder.KindOf(cause).String(), "error", cause)
	} else {
		p.logger.Info("build finished", "build_id", rec.ID, "status", status, "elapsed", elapsed)
	}
	return cause
}

// scratch creates a private working directory below the workspace.
func (p *Pipeline) scratch(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp(p.workspace, prefix+"-")
	if err != nil {
		return "", nil, builder.Infrastructure("create scratch dir", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("remove scratch dir", "dir", dir, "error", err)
		}
	}, nil
}

func (p *Pipeline) removeImages(ctx context.Context, id string, refs ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := p.docker.Remove(ctx, ref); err != nil {
			p.logger.Warn("remove local image", "build_id", id, "ref", ref, "error", err)
		}
	}
}

func copyFile(dst string, src io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
