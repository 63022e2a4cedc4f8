package builder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgresStore connects to XCS_TEST_DATABASE_URL. Every test uses
// fresh uuids so runs can share one database.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	conn := os.Getenv("XCS_TEST_DATABASE_URL")
	if conn == "" {
		t.Skip("XCS_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pgDefinition(t *testing.T, s *PostgresStore, owner string) Definition {
	t.Helper()
	def := Definition{
		ID:        uuid.NewString(),
		Type:      FormatDocker,
		Name:      "Dockerfile",
		Owner:     owner,
		Location:  LocationObjectStore,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateDefinition(context.Background(), def))
	return def
}

func TestPostgresStoreDefinitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)
	def := pgDefinition(t, s, "alice")

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, FormatDocker, got.Type)
	assert.Equal(t, "Dockerfile", got.Name)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, LocationObjectStore, got.Location)
	assert.True(t, def.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetDefinition(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreCreateBuildUpserts(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)
	def := pgDefinition(t, s, "alice")
	id := uuid.NewString()

	require.NoError(t, s.CreateBuild(ctx, Build{ID: id, DefinitionID: def.ID, Format: FormatDocker, ContainerName: "img", Status: StatusBuilding, Owner: "alice"}))
	require.NoError(t, s.CreateBuild(ctx, Build{ID: id, DefinitionID: def.ID, Format: FormatDocker, ContainerName: "img", Status: StatusPending, Owner: "alice"}))

	got, err := s.GetBuild(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, def.ID, got.DefinitionID)
	assert.Nil(t, got.BuildTime)
	assert.Nil(t, got.LastBuilt)

	_, err = s.GetBuild(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreFindBuildReturnsOldest(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)
	def := pgDefinition(t, s, "alice")

	base := time.Now().UTC().Truncate(time.Microsecond)
	older, newer := uuid.NewString(), uuid.NewString()
	require.NoError(t, s.CreateBuild(ctx, Build{ID: newer, DefinitionID: def.ID, Format: FormatDocker, ContainerName: "img", Status: StatusPending, Owner: "alice", CreatedAt: base}))
	require.NoError(t, s.CreateBuild(ctx, Build{ID: older, DefinitionID: def.ID, Format: FormatDocker, ContainerName: "img", Status: StatusPending, Owner: "alice", CreatedAt: base.Add(-time.Minute)}))
	require.NoError(t, s.CreateBuild(ctx, Build{ID: uuid.NewString(), DefinitionID: def.ID, Format: FormatSingularity, ContainerName: "img.sif", Status: StatusPending, Owner: "alice", CreatedAt: base.Add(-time.Hour)}))

	got, err := s.FindBuild(ctx, def.ID, FormatDocker)
	require.NoError(t, err)
	assert.Equal(t, older, got.ID)

	_, err = s.FindBuild(ctx, uuid.NewString(), FormatDocker)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreUpdateBuildReturnsPatchedRow(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)
	def := pgDefinition(t, s, "alice")
	id := uuid.NewString()
	require.NoError(t, s.CreateBuild(ctx, Build{ID: id, DefinitionID: def.ID, Format: FormatDocker, ContainerName: "img", Status: StatusBuilding, Owner: "alice"}))

	built := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	previous := built.Add(-24 * time.Hour)
	updated, err := s.UpdateBuild(ctx, id, BuildPatch{
		Status:        Ptr(StatusPushing),
		BuildTime:     &built,
		LastBuilt:     &previous,
		ContainerSize: Ptr(int64(42)),
		Location:      Ptr("reg.example/img:latest"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPushing, updated.Status)
	assert.Equal(t, int64(42), updated.ContainerSize)
	assert.Equal(t, "reg.example/img:latest", updated.Location)
	require.NotNil(t, updated.BuildTime)
	assert.True(t, updated.BuildTime.Equal(built))
	require.NotNil(t, updated.LastBuilt)
	assert.True(t, updated.LastBuilt.Equal(previous))
	assert.Equal(t, "img", updated.ContainerName, "columns outside the patch are untouched")

	failed, err := s.UpdateBuild(ctx, id, StatusPatch(StatusFailed, "push refused"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "push refused", failed.Error)
	assert.Equal(t, int64(42), failed.ContainerSize)

	stored, err := s.GetBuild(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, failed.Status, stored.Status)
	assert.Equal(t, failed.Error, stored.Error)

	_, err = s.UpdateBuild(ctx, uuid.NewString(), StatusPatch(StatusFailed, ""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreListBuildsByOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)
	owner := "owner-" + uuid.NewString()
	def := pgDefinition(t, s, owner)

	base := time.Now().UTC().Truncate(time.Microsecond)
	first, second := uuid.NewString(), uuid.NewString()
	require.NoError(t, s.CreateBuild(ctx, Build{ID: first, DefinitionID: def.ID, Format: FormatDocker, ContainerName: "img", Status: StatusPending, Owner: owner, CreatedAt: base.Add(-time.Minute)}))
	require.NoError(t, s.CreateBuild(ctx, Build{ID: second, DefinitionID: def.ID, Format: FormatSingularity, ContainerName: "img.sif", Status: StatusPending, Owner: owner, CreatedAt: base}))

	builds, err := s.ListBuilds(ctx, owner)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, second, builds[0].ID)
	assert.Equal(t, first, builds[1].ID)
}

func TestPostgresStoreLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)
	id := uuid.NewString()
	assert.Error(t, s.AppendLog(ctx, id, "x"), "log lines need a build row")

	require.NoError(t, s.CreateBuild(ctx, Build{ID: id, Format: FormatDocker, ContainerName: "img", Status: StatusPending, Owner: "alice"}))
	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendLog(ctx, id, line))
	}

	lines, err := s.ListLogs(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)

	lines, err = s.ListLogs(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}
