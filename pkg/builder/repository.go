package builder

import "context"

// Store defines the persistence operations used by the submission path and
// the build pipeline.
type Store interface {
	CreateDefinition(ctx context.Context, def Definition) error
	GetDefinition(ctx context.Context, id string) (Definition, error)

	// CreateBuild inserts a record or overwrites the one with the same ID.
	CreateBuild(ctx context.Context, build Build) error
	GetBuild(ctx context.Context, id string) (Build, error)
	// FindBuild returns the tracked record for a (definition, format) key.
	FindBuild(ctx context.Context, definitionID string, format Format) (Build, error)
	UpdateBuild(ctx context.Context, id string, patch BuildPatch) (Build, error)
	ListBuilds(ctx context.Context, owner string) ([]Build, error)

	AppendLog(ctx context.Context, id string, line string) error
	ListLogs(ctx context.Context, id string, limit int) ([]string, error)

	Close() error
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
