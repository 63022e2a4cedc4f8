// Package service is the submission path: it validates requests, resolves
// the tracked build record for a (definition, format) key, enqueues work and
// makes sure a worker is around to pick it up.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/queue"
)

// ErrForbidden is returned when a caller touches another owner's records.
var ErrForbidden = errors.New("forbidden")

// WorkerEnsurer starts a worker when the pool has room.
type WorkerEnsurer interface {
	EnsureWorker() bool
}

// Artifacts converts definitions and materializes finished builds.
type Artifacts interface {
	Convert(ctx context.Context, def builder.Definition, name string) (builder.Definition, error)
	Pull(ctx context.Context, rec builder.Build) (string, error)
}

type Config struct {
	Store     builder.Store
	Objects   objectstore.Store
	Queue     queue.Queue
	Pool      WorkerEnsurer
	Artifacts Artifacts
	// UploadDir receives repo2docker archives until a worker consumes them.
	UploadDir string
	Logger    *slog.Logger
}

type Service struct {
	store     builder.Store
	objects   objectstore.Store
	queue     queue.Queue
	pool      WorkerEnsurer
	artifacts Artifacts
	uploadDir string
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Pool == nil {
		return nil, errors.New("service: store, queue and pool are required")
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "xcs-uploads")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("service: create upload dir: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		objects:   cfg.Objects,
		queue:     cfg.Queue,
		pool:      cfg.Pool,
		artifacts: cfg.Artifacts,
		uploadDir: cfg.UploadDir,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// BuildRequest asks for a definition to be built into a format.
type BuildRequest struct {
	DefinitionID  string `json:"definition_id"`
	Format        string `json:"to_format"`
	ContainerName string `json:"container_name"`
}

// SubmitBuild resolves or creates the record for the request's key, resets
// it to PENDING and enqueues the build. Repeated requests for one key share
// a build id.
func (s *Service) SubmitBuild(ctx context.Context, owner string, req BuildRequest) (builder.Build, error) {
	format, err := builder.ParseFormat(req.Format)
	if err != nil {
		return builder.Build{}, err
	}
	if strings.TrimSpace(req.ContainerName) == "" {
		return builder.Build{}, builder.Validation("submit build", errors.New("container_name is required"))
	}

	def, err := s.store.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		return builder.Build{}, err
	}
	if def.Owner != owner {
		return builder.Build{}, ErrForbidden
	}

	rec, err := s.store.FindBuild(ctx, def.ID, format)
	switch {
	case err == nil:
		rec, err = s.store.UpdateBuild(ctx, rec.ID, builder.BuildPatch{
			Status:        builder.Ptr(builder.StatusPending),
			ContainerName: &req.ContainerName,
			Error:         builder.Ptr(""),
		})
		if err != nil {
			return builder.Build{}, builder.Infrastructure("reset build", err)
		}
	case errors.Is(err, builder.ErrNotFound):
		now := s.now()
		rec = builder.Build{
			ID:            uuid.NewString(),
			DefinitionID:  def.ID,
			Format:        format,
			ContainerName: req.ContainerName,
			Status:        builder.StatusPending,
			Owner:         owner,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.CreateBuild(ctx, rec); err != nil {
			return builder.Build{}, builder.Infrastructure("create build", err)
		}
	default:
		return builder.Build{}, builder.Infrastructure("find build", err)
	}

	if err := s.enqueue(ctx, rec, queue.BuildContainer{Build: rec, TargetFormat: format, ContainerName: req.ContainerName}); err != nil {
		return rec, err
	}
	return rec, nil
}

// SubmitRepo2Docker records a PENDING docker build for target, a git URL or
// a path returned by SaveUpload, and enqueues it.
func (s *Service) SubmitRepo2Docker(ctx context.Context, owner, target, containerName string) (builder.Build, error) {
	if target == "" {
		return builder.Build{}, builder.Validation("submit repo2docker", errors.New("a git repository or archive is required"))
	}
	if !queue.IsGitTarget(target) {
		if _, err := os.Stat(target); err != nil {
			return builder.Build{}, builder.Validation("submit repo2docker", fmt.Errorf("archive %s: %w", target, err))
		}
	}
	if strings.TrimSpace(containerName) == "" {
		return builder.Build{}, builder.Validation("submit repo2docker", errors.New("container_name is required"))
	}

	now := s.now()
	rec := builder.Build{
		ID:            uuid.NewString(),
		Format:        builder.FormatDocker,
		ContainerName: containerName,
		Status:        builder.StatusPending,
		Owner:         owner,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateBuild(ctx, rec); err != nil {
		return builder.Build{}, builder.Infrastructure("create build", err)
	}
	task := queue.Repo2Docker{OwnerID: owner, BuildID: rec.ID, Target: target, ContainerName: containerName}
	if err := s.enqueue(ctx, rec, task); err != nil {
		return rec, err
	}
	return rec, nil
}

// enqueue hands a task to the queue and wakes the pool. A task that cannot
// be enqueued marks its record FAILED.
func (s *Service) enqueue(ctx context.Context, rec builder.Build, task queue.Task) error {
	if err := s.queue.Enqueue(ctx, task); err != nil {
		if _, uerr := s.store.UpdateBuild(ctx, rec.ID, builder.StatusPatch(builder.StatusFailed, err.Error())); uerr != nil {
			s.logger.Error("record enqueue failure", "build_id", rec.ID, "error", uerr)
		}
		return builder.Infrastructure("enqueue", err)
	}
	spawned := s.pool.EnsureWorker()
	s.logger.Info("task enqueued", "build_id", rec.ID, "operation", task.Operation(), "worker_spawned", spawned)
	return nil
}

// SaveUpload stores an uploaded archive where workers can read it and
// returns its path.
func (s *Service) SaveUpload(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.uploadDir, "upload-*")
	if err != nil {
		return "", builder.Infrastructure("save upload", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", builder.Infrastructure("save upload", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", builder.Infrastructure("save upload", err)
	}
	return f.Name(), nil
}

// DefinitionType infers the recipe dialect from an uploaded file name.
func DefinitionType(filename string) builder.Format {
	if filename == "Dockerfile" {
		return builder.FormatDocker
	}
	return builder.FormatSingularity
}

// UploadDefinition stores a recipe file and records it as a new definition.
func (s *Service) UploadDefinition(ctx context.Context, owner, filename string, body io.Reader) (builder.Definition, error) {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return builder.Definition{}, builder.Validation("upload definition", errors.New("file name is required"))
	}
	def := builder.Definition{
		ID:        uuid.NewString(),
		Type:      DefinitionType(name),
		Name:      name,
		Owner:     owner,
		Location:  builder.LocationObjectStore,
		CreatedAt: s.now(),
	}
	if err := s.objects.Put(ctx, objectstore.Key(def.ID, name), body); err != nil {
		return builder.Definition{}, builder.Infrastructure("upload definition", err)
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return builder.Definition{}, builder.Infrastructure("create definition", err)
	}
	s.logger.Info("definition uploaded", "definition_id", def.ID, "type", def.Type)
	return def, nil
}

// GetBuild returns a record owned by owner.
func (s *Service) GetBuild(ctx context.Context, owner, id string) (builder.Build, error) {
	rec, err := s.store.GetBuild(ctx, id)
	if err != nil {
		return builder.Build{}, err
	}
	if rec.Owner != owner {
		return builder.Build{}, ErrForbidden
	}
	return rec, nil
}

func (s *Service) ListBuilds(ctx context.Context, owner string) ([]builder.Build, error) {
	return s.store.ListBuilds(ctx, owner)
}

// ConvertDefinition translates an owned definition into the other dialect.
func (s *Service) ConvertDefinition(ctx context.Context, owner, definitionID, name string) (builder.Definition, error) {
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return builder.Definition{}, err
	}
	if def.Owner != owner {
		return builder.Definition{}, ErrForbidden
	}
	return s.artifacts.Convert(ctx, def, name)
}

// PullArtifact downloads a finished build to a local file. The caller
// removes the file.
func (s *Service) PullArtifact(ctx context.Context, owner, buildID string) (string, builder.Build, error) {
	rec, err := s.GetBuild(ctx, owner, buildID)
	if err != nil {
		return "", builder.Build{}, err
	}
	p, err := s.artifacts.Pull(ctx, rec)
	if err != nil {
		return "", rec, err
	}
	return p, rec, nil
}
