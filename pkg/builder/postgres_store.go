package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const buildColumns = `build_id, definition_id, container_type, container_name, build_status, build_time, last_built, container_size, container_owner, build_location, error, created_at, updated_at`

// PostgresStore persists definitions, builds and build logs to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS definition (
    definition_id TEXT PRIMARY KEY,
    definition_type TEXT NOT NULL,
    definition_name TEXT NOT NULL,
    definition_owner TEXT NOT NULL,
    location TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS build (
    build_id TEXT PRIMARY KEY,
    definition_id TEXT REFERENCES definition(definition_id),
    container_type TEXT NOT NULL,
    container_name TEXT NOT NULL,
    build_status TEXT NOT NULL,
    build_time TIMESTAMPTZ,
    last_built TIMESTAMPTZ,
    container_size BIGINT NOT NULL DEFAULT 0,
    container_owner TEXT NOT NULL,
    build_location TEXT,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS build_definition_format_idx ON build (definition_id, container_type);
CREATE TABLE IF NOT EXISTS build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES build(build_id) ON DELETE CASCADE,
    line TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) CreateDefinition(ctx context.Context, def Definition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO definition (definition_id, definition_type, definition_name, definition_owner, location, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		def.ID, def.Type, def.Name, def.Owner, def.Location, def.CreatedAt)
	return err
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (Definition, error) {
	var (
		def      Definition
		location sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT definition_id, definition_type, definition_name, definition_owner, location, created_at FROM definition WHERE definition_id=$1`, id).
		Scan(&def.ID, &def.Type, &def.Name, &def.Owner, &location, &def.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	if err != nil {
		return Definition{}, err
	}
	def.Location = location.String
	return def, nil
}

func (s *PostgresStore) CreateBuild(ctx context.Context, build Build) error {
	now := time.Now().UTC()
	if build.CreatedAt.IsZero() {
		build.CreatedAt = now
	}
	build.UpdatedAt = now
	query := `INSERT INTO build (` + buildColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (build_id) DO UPDATE SET
    definition_id = EXCLUDED.definition_id,
    container_type = EXCLUDED.container_type,
    container_name = EXCLUDED.container_name,
    build_status = EXCLUDED.build_status,
    build_time = EXCLUDED.build_time,
    last_built = EXCLUDED.last_built,
    container_size = EXCLUDED.container_size,
    container_owner = EXCLUDED.container_owner,
    build_location = EXCLUDED.build_location,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		build.ID,
		nullString(build.DefinitionID),
		build.Format,
		build.ContainerName,
		build.Status,
		build.BuildTime,
		build.LastBuilt,
		build.ContainerSize,
		build.Owner,
		build.Location,
		build.Error,
		build.CreatedAt,
		build.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetBuild(ctx context.Context, id string) (Build, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM build WHERE build_id=$1`, id)
	return scanBuild(row)
}

func (s *PostgresStore) FindBuild(ctx context.Context, definitionID string, format Format) (Build, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM build WHERE definition_id=$1 AND container_type=$2 ORDER BY created_at ASC LIMIT 1`,
		definitionID, format)
	return scanBuild(row)
}

func (s *PostgresStore) UpdateBuild(ctx context.Context, id string, patch BuildPatch) (Build, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Status != nil {
		add("build_status", *patch.Status)
	}
	if patch.DefinitionID != nil {
		add("definition_id", nullString(*patch.DefinitionID))
	}
	if patch.ContainerName != nil {
		add("container_name", *patch.ContainerName)
	}
	if patch.BuildTime != nil {
		add("build_time", *patch.BuildTime)
	}
	if patch.LastBuilt != nil {
		add("last_built", *patch.LastBuilt)
	}
	if patch.ContainerSize != nil {
		add("container_size", *patch.ContainerSize)
	}
	if patch.Location != nil {
		add("build_location", *patch.Location)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE build SET %s WHERE build_id=$%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), buildColumns)
	return scanBuild(s.db.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) ListBuilds(ctx context.Context, owner string) ([]Build, error) {
	query := `SELECT ` + buildColumns + ` FROM build`
	var args []any
	if owner != "" {
		query += ` WHERE container_owner=$1`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) AppendLog(ctx context.Context, id string, line string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO build_logs (build_id, line) VALUES ($1,$2)`, id, line)
	return err
}

func (s *PostgresStore) ListLogs(ctx context.Context, id string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var (
		b          Build
		definition sql.NullString
		buildTime  sql.NullTime
		lastBuilt  sql.NullTime
		location   sql.NullString
		errMsg     sql.NullString
	)
	err := row.Scan(&b.ID, &definition, &b.Format, &b.ContainerName, &b.Status, &buildTime, &lastBuilt,
		&b.ContainerSize, &b.Owner, &location, &errMsg, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, err
	}
	b.DefinitionID = definition.String
	if buildTime.Valid {
		t := buildTime.Time
		b.BuildTime = &t
	}
	if lastBuilt.Valid {
		t := lastBuilt.Time
		b.LastBuilt = &t
	}
	b.Location = location.String
	b.Error = errMsg.String
	return b, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
