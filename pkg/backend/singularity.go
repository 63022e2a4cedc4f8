package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/xtracthub/container-service/pkg/builder"
)

// Singularity wraps the singularity CLI.
type Singularity struct {
	runner Runner
	binary string
}

func NewSingularity(runner Runner) *Singularity {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Singularity{runner: runner, binary: "singularity"}
}

// Build builds the recipe at recipe (relative to dir) into output and
// returns the image size.
func (s *Singularity) Build(ctx context.Context, dir, recipe, output string, onLine func(string)) (int64, error) {
	_, err := s.runner.Run(ctx, Cmd{
		Name:   s.binary,
		Args:   []string{"build", output, recipe},
		Dir:    dir,
		OnLine: onLine,
	})
	if err != nil {
		return 0, builder.Tool("singularity build", err)
	}
	info, err := os.Stat(output)
	if err != nil {
		return 0, builder.Tool("singularity build", fmt.Errorf("image not produced: %w", err))
	}
	return info.Size(), nil
}
