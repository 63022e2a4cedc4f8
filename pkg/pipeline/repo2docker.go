package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/queue"
)

// Repo2Docker builds a git repository or an uploaded archive with
// repo2docker, records the result as a new docker definition and pushes the
// image like BuildContainer does.
func (p *Pipeline) Repo2Docker(ctx context.Context, t queue.Repo2Docker) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.repo2docker", trace.WithAttributes(
		attribute.String("build_id", t.BuildID),
	))
	defer span.End()

	err := p.runRepo2Docker(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) runRepo2Docker(ctx context.Context, t queue.Repo2Docker) error {
	started := p.now()
	rec, err := p.startRepo2Docker(ctx, t)
	if err != nil {
		return err
	}
	// Every submission gets a fresh record, so there is no previous
	// generation; a stamp here comes from an earlier attempt.
	rec.BuildTime = nil

	tag, err := ImageTag(t.ContainerName)
	if err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, started, err)
	}

	location, err := p.repo2dockerImage(ctx, rec, t, tag)
	if err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, started, err)
	}
	if _, err := p.store.UpdateBuild(ctx, rec.ID, builder.BuildPatch{Location: &location}); err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, started, builder.Infrastructure("record location", err))
	}
	if !t.FromGit() {
		if err := os.Remove(t.Target); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("remove repo2docker archive", "build_id", rec.ID, "error", err)
		}
	}
	return p.finish(ctx, rec, builder.StatusSuccess, started, nil)
}

// startRepo2Docker moves the record submitted for this task to BUILDING,
// creating it when the submission path did not.
func (p *Pipeline) startRepo2Docker(ctx context.Context, t queue.Repo2Docker) (builder.Build, error) {
	rec, err := p.store.GetBuild(ctx, t.BuildID)
	if errors.Is(err, builder.ErrNotFound) {
		now := p.now()
		rec = builder.Build{
			ID:            t.BuildID,
			Format:        builder.FormatDocker,
			ContainerName: t.ContainerName,
			Status:        builder.StatusBuilding,
			Owner:         t.OwnerID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := p.store.CreateBuild(ctx, rec); err != nil {
			return builder.Build{}, builder.Infrastructure("create build", err)
		}
		p.logLine(ctx, rec.ID)(fmt.Sprintf("status: %s", builder.StatusBuilding))
		return rec, nil
	}
	if err != nil {
		return builder.Build{}, builder.Infrastructure("load build", err)
	}
	updated, err := p.transition(ctx, rec.ID, builder.StatusPatch(builder.StatusBuilding, ""))
	if err != nil {
		return rec, p.finish(ctx, rec, builder.StatusFailed, time.Time{}, err)
	}
	return updated, nil
}

func (p *Pipeline) repo2dockerImage(ctx context.Context, rec builder.Build, t queue.Repo2Docker, tag string) (string, error) {
	dir, cleanup, err := p.scratch("repo2docker-" + rec.ID)
	if err != nil {
		return "", err
	}
	defer cleanup()

	source, ext := t.Target, ""
	if !t.FromGit() {
		src := filepath.Join(dir, "src")
		if ext, err = extractArchive(t.Target, src); err != nil {
			return "", builder.Validation("extract archive", err)
		}
		source = src
	}

	ref := localRef(rec.ID, tag)
	buildCtx, span := p.tracer.Start(ctx, "pipeline.build")
	err = p.repo2docker.Build(buildCtx, source, ref, p.logLine(ctx, rec.ID))
	span.End()
	if err != nil {
		p.removeImages(ctx, rec.ID, ref)
		return "", err
	}

	def, err := p.recordRepo2DockerDefinition(ctx, t, ext)
	if err != nil {
		p.removeImages(ctx, rec.ID, ref)
		return "", err
	}
	if _, err := p.store.UpdateBuild(ctx, rec.ID, builder.BuildPatch{DefinitionID: &def.ID}); err != nil {
		p.removeImages(ctx, rec.ID, ref)
		return "", builder.Infrastructure("link definition", err)
	}
	rec.DefinitionID = def.ID
	return p.pushDocker(ctx, rec, ref, tag)
}

// recordRepo2DockerDefinition stores the definition a successful build came
// from. Archives are kept in the object store under the new definition id.
func (p *Pipeline) recordRepo2DockerDefinition(ctx context.Context, t queue.Repo2Docker, ext string) (builder.Definition, error) {
	def := builder.Definition{
		ID:        uuid.NewString(),
		Type:      builder.FormatDocker,
		Name:      t.ContainerName,
		Owner:     t.OwnerID,
		Location:  builder.LocationObjectStore,
		CreatedAt: p.now(),
	}
	if t.FromGit() {
		def.Location = t.Target
	} else {
		f, err := os.Open(t.Target)
		if err != nil {
			return builder.Definition{}, builder.Infrastructure("open archive", err)
		}
		defer f.Close()
		key := objectstore.Key(def.ID, t.ContainerName+ext)
		if err := p.objects.Put(ctx, key, f); err != nil {
			return builder.Definition{}, builder.Infrastructure("upload archive", err)
		}
	}
	if err := p.store.CreateDefinition(ctx, def); err != nil {
		return builder.Definition{}, builder.Infrastructure("create definition", err)
	}
	return def, nil
}
