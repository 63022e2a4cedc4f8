package backend

import (
	"context"

	"github.com/xtracthub/container-service/pkg/builder"
)

// Repo2Docker wraps jupyter-repo2docker.
type Repo2Docker struct {
	runner Runner
	binary string
}

func NewRepo2Docker(runner Runner) *Repo2Docker {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Repo2Docker{runner: runner, binary: "jupyter-repo2docker"}
}

// Build builds source (a git URL or local directory) into a docker image
// named image without starting it.
func (r *Repo2Docker) Build(ctx context.Context, source, image string, onLine func(string)) error {
	_, err := r.runner.Run(ctx, Cmd{
		Name:   r.binary,
		Args:   []string{"--no-run", "--image-name", image, source},
		OnLine: onLine,
	})
	if err != nil {
		return builder.Tool("repo2docker", err)
	}
	return nil
}
