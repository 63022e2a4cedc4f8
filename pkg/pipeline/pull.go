package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/objectstore"
)

// Pull materializes a successful build as a local file: a `docker save`
// tarball for docker builds, the .sif image for singularity builds. The
// caller owns the returned file and must remove it.
func (p *Pipeline) Pull(ctx context.Context, rec builder.Build) (string, error) {
	if rec.Status != builder.StatusSuccess {
		return "", builder.Validation("pull", fmt.Errorf("build %s is %s", rec.ID, rec.Status))
	}
	dir := filepath.Join(p.workspace, "pulls")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", builder.Infrastructure("create pull dir", err)
	}

	switch rec.Format {
	case builder.FormatDocker:
		return p.pullDocker(ctx, rec, filepath.Join(dir, rec.ID+"-"+uuid.NewString()+".tar"))
	case builder.FormatSingularity:
		return p.pullSingularity(ctx, rec, filepath.Join(dir, rec.ID+"-"+uuid.NewString()+".sif"))
	}
	return "", builder.Validation("pull", fmt.Errorf("unsupported format %q", rec.Format))
}

func (p *Pipeline) pullDocker(ctx context.Context, rec builder.Build, path string) (string, error) {
	tag, err := ImageTag(rec.ContainerName)
	if err != nil {
		return "", err
	}
	ref, err := p.registry.Pull(ctx, rec.ID, tag, nil)
	if err != nil {
		return "", err
	}
	defer p.removeImages(ctx, rec.ID, ref)

	if err := p.docker.Save(ctx, ref, path); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (p *Pipeline) pullSingularity(ctx context.Context, rec builder.Build, path string) (string, error) {
	key := rec.Location
	if key == "" {
		base, err := SingularityImage(rec.ContainerName)
		if err != nil {
			return "", err
		}
		key = artifactKey(rec.ID, base)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", builder.Infrastructure("create pull file", err)
	}
	err = p.objects.Get(ctx, key, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", fmt.Errorf("%w: artifact %s", builder.ErrNotFound, key)
		}
		return "", builder.Infrastructure("download image", err)
	}
	return path, nil
}
