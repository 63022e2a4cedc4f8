package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/objectstore"
)

// Convert translates a definition into the opposite recipe dialect and
// stores the result as a new definition. The source definition is left
// untouched. name overrides the converted file name for singularity output.
func (p *Pipeline) Convert(ctx context.Context, def builder.Definition, name string) (builder.Definition, error) {
	dir, cleanup, err := p.scratch("convert-" + def.ID)
	if err != nil {
		return builder.Definition{}, err
	}
	defer cleanup()

	if err := p.objects.FetchTree(ctx, def.ID, dir); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return builder.Definition{}, builder.Validation("fetch definition", err)
		}
		return builder.Definition{}, builder.Infrastructure("fetch definition", err)
	}
	in, err := findRecipe(dir, def)
	if err != nil {
		return builder.Definition{}, err
	}

	target := builder.FormatSingularity
	outName := singularityRecipe
	if def.Type == builder.FormatSingularity {
		target, outName = builder.FormatDocker, "Dockerfile"
	} else if name != "" {
		outName = filepath.Base(name)
		if !strings.HasSuffix(outName, ".def") {
			outName += ".def"
		}
	}

	out := filepath.Join(dir, ".converted", outName)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return builder.Definition{}, builder.Infrastructure("create output dir", err)
	}
	if err := p.converter.Convert(ctx, def.Type, in, out); err != nil {
		return builder.Definition{}, err
	}

	converted := builder.Definition{
		ID:        uuid.NewString(),
		Type:      target,
		Name:      outName,
		Owner:     def.Owner,
		Location:  builder.LocationObjectStore,
		CreatedAt: p.now(),
	}
	f, err := os.Open(out)
	if err != nil {
		return builder.Definition{}, builder.Tool("spython recipe", fmt.Errorf("no output produced: %w", err))
	}
	defer f.Close()
	if err := p.objects.Put(ctx, objectstore.Key(converted.ID, outName), f); err != nil {
		return builder.Definition{}, builder.Infrastructure("upload definition", err)
	}
	if err := p.store.CreateDefinition(ctx, converted); err != nil {
		return builder.Definition{}, builder.Infrastructure("create definition", err)
	}
	p.logger.Info("converted definition", "definition_id", def.ID, "converted_id", converted.ID, "type", target)
	return converted, nil
}
