package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/queue"
)

const singularityRecipe = "Singularity.def"

// BuildContainer builds a stored definition into the target format and
// publishes it: docker images to the registry, singularity images to the
// object store.
func (p *Pipeline) BuildContainer(ctx context.Context, t queue.BuildContainer) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.build_container", trace.WithAttributes(
		attribute.String("build_id", t.Build.ID),
		attribute.String("format", string(t.TargetFormat)),
	))
	defer span.End()

	err := p.buildContainer(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) buildContainer(ctx context.Context, t queue.BuildContainer) error {
	rec, err := p.store.GetBuild(ctx, t.Build.ID)
	if err != nil {
		return builder.Infrastructure("load build", err)
	}
	rec.Format = t.TargetFormat

	def, err := p.store.GetDefinition(ctx, rec.DefinitionID)
	if errors.Is(err, builder.ErrNotFound) {
		return p.finish(ctx, rec, builder.StatusFailed, time.Time{}, builder.Validation("load definition", err))
	}
	if err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, time.Time{}, builder.Infrastructure("load definition", err))
	}

	if def.Type == builder.FormatSingularity && t.TargetFormat == builder.FormatDocker {
		return p.finish(ctx, rec, builder.StatusError, time.Time{},
			builder.Validation("build", errors.New("can't build docker container from singularity file")))
	}
	if err := validateName(t.TargetFormat, t.ContainerName); err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, time.Time{}, err)
	}

	started := p.now()
	building, err := p.transition(ctx, rec.ID, builder.StatusPatch(builder.StatusBuilding, ""))
	if err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, started, err)
	}
	building.Format = t.TargetFormat
	// An earlier attempt of this task may already have stamped build_time;
	// the enqueued snapshot holds the time of the previous generation.
	building.BuildTime = t.Build.BuildTime
	rec = building

	var location string
	switch t.TargetFormat {
	case builder.FormatDocker:
		location, err = p.buildDocker(ctx, rec, def, t.ContainerName)
	default:
		location, err = p.buildSingularity(ctx, rec, def, t.ContainerName)
	}
	if err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, started, err)
	}

	if _, err := p.store.UpdateBuild(ctx, rec.ID, builder.BuildPatch{Location: &location}); err != nil {
		return p.finish(ctx, rec, builder.StatusFailed, started, builder.Infrastructure("record location", err))
	}
	return p.finish(ctx, rec, builder.StatusSuccess, started, nil)
}

// fetchDefinition copies the definition tree into a fresh scratch dir.
func (p *Pipeline) fetchDefinition(ctx context.Context, rec builder.Build, def builder.Definition) (string, func(), error) {
	dir, cleanup, err := p.scratch("build-" + rec.ID)
	if err != nil {
		return "", nil, err
	}
	if err := p.objects.FetchTree(ctx, def.ID, dir); err != nil {
		cleanup()
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", nil, builder.Validation("fetch definition", err)
		}
		return "", nil, builder.Infrastructure("fetch definition", err)
	}
	return dir, cleanup, nil
}

func (p *Pipeline) buildDocker(ctx context.Context, rec builder.Build, def builder.Definition, name string) (string, error) {
	tag, err := ImageTag(name)
	if err != nil {
		return "", err
	}
	ref := localRef(rec.ID, tag)

	dir, cleanup, err := p.fetchDefinition(ctx, rec, def)
	if err != nil {
		return "", err
	}
	defer cleanup()

	buildCtx, span := p.tracer.Start(ctx, "pipeline.build")
	err = p.docker.Build(buildCtx, dir, ref, p.logLine(ctx, rec.ID))
	span.End()
	if err != nil {
		p.removeImages(ctx, rec.ID, ref)
		return "", err
	}
	return p.pushDocker(ctx, rec, ref, tag)
}

// pushDocker runs the BUILDING to PUSHING transition and the registry push.
// The local image is removed whatever the outcome.
func (p *Pipeline) pushDocker(ctx context.Context, rec builder.Build, ref, tag string) (string, error) {
	size, err := p.docker.ImageSize(ctx, ref)
	if err != nil {
		p.removeImages(ctx, rec.ID, ref)
		return "", err
	}
	if _, err := p.transition(ctx, rec.ID, p.pushingPatch(rec, size)); err != nil {
		p.removeImages(ctx, rec.ID, ref)
		return "", err
	}

	pushCtx, span := p.tracer.Start(ctx, "pipeline.push")
	remote, digest, err := p.registry.Push(pushCtx, ref, rec.ID, tag, p.logLine(ctx, rec.ID))
	span.End()
	if err != nil {
		p.removeImages(ctx, rec.ID, ref)
		return "", err
	}
	p.logLine(ctx, rec.ID)(fmt.Sprintf("pushed %s@%s", remote, digest))
	p.removeImages(ctx, rec.ID, ref, remote)
	return remote, nil
}

// pushingPatch shifts the previous build time into last_built and stamps the
// size of the fresh image.
func (p *Pipeline) pushingPatch(rec builder.Build, size int64) builder.BuildPatch {
	now := p.now()
	patch := builder.StatusPatch(builder.StatusPushing, "")
	patch.BuildTime = &now
	patch.ContainerSize = &size
	if rec.BuildTime != nil {
		patch.LastBuilt = rec.BuildTime
	}
	return patch
}

func (p *Pipeline) buildSingularity(ctx context.Context, rec builder.Build, def builder.Definition, name string) (string, error) {
	base, err := SingularityImage(name)
	if err != nil {
		return "", err
	}

	dir, cleanup, err := p.fetchDefinition(ctx, rec, def)
	if err != nil {
		return "", err
	}
	defer cleanup()

	recipe, err := p.singularityRecipe(ctx, dir, def)
	if err != nil {
		return "", err
	}

	output := filepath.Join(dir, ".out", base)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", builder.Infrastructure("create output dir", err)
	}

	buildCtx, span := p.tracer.Start(ctx, "pipeline.build")
	size, err := p.singularity.Build(buildCtx, dir, recipe, output, p.logLine(ctx, rec.ID))
	span.End()
	if err != nil {
		return "", err
	}
	if _, err := p.transition(ctx, rec.ID, p.pushingPatch(rec, size)); err != nil {
		return "", err
	}

	pushCtx, span := p.tracer.Start(ctx, "pipeline.push")
	defer span.End()
	f, err := os.Open(output)
	if err != nil {
		return "", builder.Tool("open image", err)
	}
	defer f.Close()
	key := artifactKey(rec.ID, base)
	if err := p.objects.Put(pushCtx, key, f); err != nil {
		return "", builder.Tool("upload image", err)
	}
	p.logLine(ctx, rec.ID)(fmt.Sprintf("uploaded %s", key))
	return key, nil
}

// singularityRecipe returns the recipe path relative to dir, converting a
// Dockerfile first when the definition is docker-typed.
func (p *Pipeline) singularityRecipe(ctx context.Context, dir string, def builder.Definition) (string, error) {
	if def.Type == builder.FormatDocker {
		in, err := findRecipe(dir, def)
		if err != nil {
			return "", err
		}
		out := filepath.Join(dir, singularityRecipe)
		if err := p.converter.Convert(ctx, builder.FormatDocker, in, out); err != nil {
			return "", err
		}
		return singularityRecipe, nil
	}
	in, err := findRecipe(dir, def)
	if err != nil {
		return "", err
	}
	return filepath.Rel(dir, in)
}

// findRecipe locates the definition file inside a fetched tree: the stored
// name first, then any Dockerfile or *.def by type.
func findRecipe(dir string, def builder.Definition) (string, error) {
	if def.Name != "" {
		candidate := filepath.Join(dir, filepath.Base(def.Name))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return err
		}
		name := d.Name()
		if (def.Type == builder.FormatDocker && name == "Dockerfile") ||
			(def.Type == builder.FormatSingularity && strings.HasSuffix(name, ".def")) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", builder.Infrastructure("locate recipe", err)
	}
	if found == "" {
		return "", builder.Validation("locate recipe", fmt.Errorf("no %s recipe in definition %s", def.Type, def.ID))
	}
	return found, nil
}
