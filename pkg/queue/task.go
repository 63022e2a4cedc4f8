package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xtracthub/container-service/pkg/builder"
)

// Operation names the queue message vocabulary understood by workers.
type Operation string

const (
	OpBuildContainer Operation = "build_container"
	OpRepo2Docker    Operation = "repo2docker_container"
)

var (
	// ErrUnknownOperation is returned when a message names an operation
	// outside the dispatch vocabulary.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrMalformedTask is returned for payloads that do not match the
	// positional argument list of their operation.
	ErrMalformedTask = errors.New("malformed task")
)

// Task is a closed set of queued instructions.
type Task interface {
	Operation() Operation
	args() []any
}

// BuildContainer builds a stored definition into TargetFormat.
type BuildContainer struct {
	Build         builder.Build
	TargetFormat  builder.Format
	ContainerName string
}

func (BuildContainer) Operation() Operation { return OpBuildContainer }

func (t BuildContainer) args() []any {
	return []any{t.Build, t.TargetFormat, t.ContainerName}
}

// Repo2Docker builds a git repository or uploaded archive with repo2docker.
type Repo2Docker struct {
	OwnerID       string
	BuildID       string
	Target        string
	ContainerName string
}

func (Repo2Docker) Operation() Operation { return OpRepo2Docker }

// IsGitTarget reports whether a repo2docker target names a git repository
// rather than an archive on the shared upload volume.
func IsGitTarget(target string) bool {
	return strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "git@")
}

// FromGit reports whether the task builds a git repository.
func (t Repo2Docker) FromGit() bool { return IsGitTarget(t.Target) }

func (t Repo2Docker) args() []any {
	return []any{t.OwnerID, t.BuildID, t.Target, t.ContainerName}
}

// BuildID returns the build record a task mutates.
func BuildID(t Task) string {
	switch v := t.(type) {
	case BuildContainer:
		return v.Build.ID
	case Repo2Docker:
		return v.BuildID
	}
	return ""
}

type envelope struct {
	Operation Operation         `json:"operation"`
	Args      []json.RawMessage `json:"args"`
}

// Encode renders a task as a flat operation name plus positional args.
func Encode(t Task) ([]byte, error) {
	env := envelope{Operation: t.Operation()}
	for _, arg := range t.args() {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t.Operation(), err)
		}
		env.Args = append(env.Args, raw)
	}
	return json.Marshal(env)
}

// Decode parses a message body into its typed task variant.
func Decode(data []byte) (Task, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}

	switch env.Operation {
	case OpBuildContainer:
		var t BuildContainer
		if err := decodeArgs(env, &t.Build, &t.TargetFormat, &t.ContainerName); err != nil {
			return nil, err
		}
		return t, nil
	case OpRepo2Docker:
		var t Repo2Docker
		if err := decodeArgs(env, &t.OwnerID, &t.BuildID, &t.Target, &t.ContainerName); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, env.Operation)
}

func decodeArgs(env envelope, dst ...any) error {
	if len(env.Args) != len(dst) {
		return fmt.Errorf("%w: %s expects %d args, got %d", ErrMalformedTask, env.Operation, len(dst), len(env.Args))
	}
	for i, raw := range env.Args {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("%w: %s arg %d: %v", ErrMalformedTask, env.Operation, i, err)
		}
	}
	return nil
}
