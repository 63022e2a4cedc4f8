package backend

import (
	"context"

	"github.com/xtracthub/container-service/pkg/builder"
)

// Converter translates recipes between Dockerfile and Singularity syntax
// with spython.
type Converter struct {
	runner Runner
	binary string
}

func NewConverter(runner Runner) *Converter {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Converter{runner: runner, binary: "spython"}
}

// Convert writes the translation of in to out. from names the source
// dialect.
func (c *Converter) Convert(ctx context.Context, from builder.Format, in, out string) error {
	parser, writer := "docker", "singularity"
	if from == builder.FormatSingularity {
		parser, writer = "singularity", "docker"
	}
	_, err := c.runner.Run(ctx, Cmd{
		Name: c.binary,
		Args: []string{"recipe", "--parser", parser, "--writer", writer, in, out},
	})
	if err != nil {
		return builder.Tool("spython recipe", err)
	}
	return nil
}
