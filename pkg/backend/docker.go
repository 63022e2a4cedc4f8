package backend

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xtracthub/container-service/pkg/builder"
)

var digestPattern = regexp.MustCompile(`digest: (sha256:[0-9a-f]{64})`)

// Docker wraps the docker CLI.
type Docker struct {
	runner Runner
	binary string
}

func NewDocker(runner Runner) *Docker {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Docker{runner: runner, binary: "docker"}
}

// Build builds the Dockerfile in dir and tags the result.
func (d *Docker) Build(ctx context.Context, dir, tag string, onLine func(string)) error {
	_, err := d.runner.Run(ctx, Cmd{
		Name:   d.binary,
		Args:   []string{"build", "--rm", "--force-rm", "-t", tag, "."},
		Dir:    dir,
		OnLine: onLine,
	})
	if err != nil {
		return builder.Tool("docker build", err)
	}
	return nil
}

// ImageSize returns the size in bytes of a local image.
func (d *Docker) ImageSize(ctx context.Context, ref string) (int64, error) {
	out, err := d.runner.Run(ctx, Cmd{
		Name: d.binary,
		Args: []string{"image", "inspect", "--format", "{{.Size}}", ref},
	})
	if err != nil {
		return 0, builder.Tool("docker image inspect", err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, builder.Tool("docker image inspect", fmt.Errorf("parse size %q: %w", out, err))
	}
	return size, nil
}

func (d *Docker) Tag(ctx context.Context, src, dst string) error {
	if _, err := d.runner.Run(ctx, Cmd{Name: d.binary, Args: []string{"tag", src, dst}}); err != nil {
		return builder.Tool("docker tag", err)
	}
	return nil
}

// Push pushes ref and returns the manifest digest reported by the daemon.
func (d *Docker) Push(ctx context.Context, ref string, onLine func(string)) (string, error) {
	out, err := d.runner.Run(ctx, Cmd{Name: d.binary, Args: []string{"push", ref}, OnLine: onLine})
	if err != nil {
		return "", builder.Tool("docker push", err)
	}
	m := digestPattern.FindStringSubmatch(out)
	if m == nil {
		return "", builder.Tool("docker push", fmt.Errorf("no digest reported for %s", ref))
	}
	return m[1], nil
}

// Remove deletes a local image or tag.
func (d *Docker) Remove(ctx context.Context, ref string) error {
	if _, err := d.runner.Run(ctx, Cmd{Name: d.binary, Args: []string{"image", "rm", "-f", ref}}); err != nil {
		return builder.Tool("docker image rm", err)
	}
	return nil
}

// Prune removes dangling images from the local cache.
func (d *Docker) Prune(ctx context.Context) error {
	if _, err := d.runner.Run(ctx, Cmd{Name: d.binary, Args: []string{"image", "prune", "-f"}}); err != nil {
		return builder.Tool("docker image prune", err)
	}
	return nil
}

// Login authenticates the daemon against a registry. The password is fed on
// stdin so it never appears in the process list.
func (d *Docker) Login(ctx context.Context, endpoint, username, password string) error {
	_, err := d.runner.Run(ctx, Cmd{
		Name:  d.binary,
		Args:  []string{"login", "--username", username, "--password-stdin", endpoint},
		Stdin: strings.NewReader(password),
	})
	if err != nil {
		return builder.Tool("docker login", err)
	}
	return nil
}

func (d *Docker) Pull(ctx context.Context, ref string, onLine func(string)) error {
	if _, err := d.runner.Run(ctx, Cmd{Name: d.binary, Args: []string{"pull", ref}, OnLine: onLine}); err != nil {
		return builder.Tool("docker pull", err)
	}
	return nil
}

// Save writes ref as a tar archive to path.
func (d *Docker) Save(ctx context.Context, ref, path string) error {
	if _, err := d.runner.Run(ctx, Cmd{Name: d.binary, Args: []string{"save", "-o", path, ref}}); err != nil {
		return builder.Tool("docker save", err)
	}
	return nil
}
