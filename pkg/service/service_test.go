package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/queue"
)

type countingPool struct {
	calls atomic.Int32
}

func (p *countingPool) EnsureWorker() bool {
	p.calls.Add(1)
	return true
}

type brokenQueue struct{ queue.Queue }

func (brokenQueue) Enqueue(context.Context, queue.Task) error {
	return errors.New("connection refused")
}

type fakeArtifacts struct {
	converted []string
}

func (f *fakeArtifacts) Convert(_ context.Context, def builder.Definition, _ string) (builder.Definition, error) {
	f.converted = append(f.converted, def.ID)
	return builder.Definition{ID: "converted", Type: builder.FormatSingularity, Owner: def.Owner}, nil
}

func (f *fakeArtifacts) Pull(context.Context, builder.Build) (string, error) {
	return "/tmp/artifact", nil
}

type fixture struct {
	svc     *Service
	store   *builder.MemStore
	queue   *queue.MemQueue
	pool    *countingPool
	objects *objectstore.LocalStore
}

func newFixture(t *testing.T, q queue.Queue) *fixture {
	t.Helper()
	objects, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{store: builder.NewMemStore(), pool: &countingPool{}, objects: objects}
	if q == nil {
		f.queue = queue.NewMemQueue(time.Minute)
		q = f.queue
	}
	f.svc, err = New(Config{
		Store:     f.store,
		Objects:   objects,
		Queue:     q,
		Pool:      f.pool,
		Artifacts: &fakeArtifacts{},
		UploadDir: t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) upload(t *testing.T, owner, name string) builder.Definition {
	t.Helper()
	def, err := f.svc.UploadDefinition(context.Background(), owner, name, strings.NewReader("FROM alpine"))
	require.NoError(t, err)
	return def
}

func TestSubmitBuildReusesRecordPerKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	def := f.upload(t, "alice", "Dockerfile")

	first, err := f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: def.ID, Format: "docker", ContainerName: "img"})
	require.NoError(t, err)
	assert.Equal(t, builder.StatusPending, first.Status)

	_, err = f.store.UpdateBuild(ctx, first.ID, builder.StatusPatch(builder.StatusBuilding, ""))
	require.NoError(t, err)

	second, err := f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: def.ID, Format: "docker", ContainerName: "img:v2"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, builder.StatusPending, second.Status)
	assert.Equal(t, "img:v2", second.ContainerName)

	other, err := f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: def.ID, Format: "singularity", ContainerName: "img.sif"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	pending, _ := f.queue.Len()
	assert.Equal(t, 3, pending)
	assert.EqualValues(t, 3, f.pool.calls.Load())
}

func TestSubmitBuildEnqueuesRecordSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	def := f.upload(t, "alice", "Dockerfile")

	rec, err := f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: def.ID, Format: "Docker", ContainerName: "img"})
	require.NoError(t, err)

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	task, ok := d.Task.(queue.BuildContainer)
	require.True(t, ok)
	assert.Equal(t, rec.ID, task.Build.ID)
	assert.Equal(t, builder.FormatDocker, task.TargetFormat)
	assert.Equal(t, "img", task.ContainerName)
}

func TestSubmitBuildValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	def := f.upload(t, "alice", "Dockerfile")

	_, err := f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: def.ID, Format: "oci", ContainerName: "img"})
	assert.Equal(t, builder.KindValidation, builder.KindOf(err))

	_, err = f.svc.SubmitBuild(ctx, "bob", BuildRequest{DefinitionID: def.ID, Format: "docker", ContainerName: "img"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: "missing", Format: "docker", ContainerName: "img"})
	assert.ErrorIs(t, err, builder.ErrNotFound)

	assert.Zero(t, f.pool.calls.Load())
}

func TestEnqueueFailureMarksRecordFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, brokenQueue{})
	def := f.upload(t, "alice", "Dockerfile")

	rec, err := f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: def.ID, Format: "docker", ContainerName: "img"})
	require.Error(t, err)
	assert.Equal(t, builder.KindInfrastructure, builder.KindOf(err))

	stored, err := f.store.GetBuild(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, builder.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "connection refused")
	assert.Zero(t, f.pool.calls.Load())
}

func TestUploadDefinitionInfersType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	docker := f.upload(t, "alice", "Dockerfile")
	assert.Equal(t, builder.FormatDocker, docker.Type)
	sing := f.upload(t, "alice", "recipe.def")
	assert.Equal(t, builder.FormatSingularity, sing.Type)

	var buf strings.Builder
	require.NoError(t, f.objects.Get(ctx, docker.ID+"/Dockerfile", &buf))
	assert.Equal(t, "FROM alpine", buf.String())

	stored, err := f.store.GetDefinition(ctx, docker.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Owner)
}

func TestSubmitRepo2Docker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rec, err := f.svc.SubmitRepo2Docker(ctx, "alice", "https://github.com/org/repo", "repoimg")
	require.NoError(t, err)
	assert.Equal(t, builder.StatusPending, rec.Status)
	assert.Equal(t, builder.FormatDocker, rec.Format)

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Repo2Docker{OwnerID: "alice", BuildID: rec.ID, Target: "https://github.com/org/repo", ContainerName: "repoimg"}, d.Task)

	path, err := f.svc.SaveUpload(strings.NewReader("zip bytes"))
	require.NoError(t, err)
	_, err = f.svc.SubmitRepo2Docker(ctx, "alice", path, "repoimg")
	require.NoError(t, err)

	_, err = f.svc.SubmitRepo2Docker(ctx, "alice", "/no/such/archive", "repoimg")
	assert.Equal(t, builder.KindValidation, builder.KindOf(err))
}

func TestSubmitRepo2DockerAcceptsSSHGitTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rec, err := f.svc.SubmitRepo2Docker(ctx, "alice", "git@github.com:org/repo.git", "repoimg")
	require.NoError(t, err)
	assert.Equal(t, builder.StatusPending, rec.Status)

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	task, ok := d.Task.(queue.Repo2Docker)
	require.True(t, ok)
	assert.True(t, task.FromGit())
	assert.Equal(t, "git@github.com:org/repo.git", task.Target)
}

func TestOwnershipChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	def := f.upload(t, "alice", "Dockerfile")
	rec, err := f.svc.SubmitBuild(ctx, "alice", BuildRequest{DefinitionID: def.ID, Format: "docker", ContainerName: "img"})
	require.NoError(t, err)

	_, err = f.svc.GetBuild(ctx, "bob", rec.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	got, err := f.svc.GetBuild(ctx, "alice", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = f.svc.ConvertDefinition(ctx, "bob", def.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)
	converted, err := f.svc.ConvertDefinition(ctx, "alice", def.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "converted", converted.ID)

	_, _, err = f.svc.PullArtifact(ctx, "bob", rec.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}
