package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtracthub/container-service/pkg/api"
	"github.com/xtracthub/container-service/pkg/auth"
	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/queue"
	"github.com/xtracthub/container-service/pkg/service"
	"github.com/xtracthub/container-service/pkg/workerpool"
)

type idlePool struct{}

func (idlePool) EnsureWorker() bool { return false }

func (idlePool) Statuses() map[string]workerpool.Status {
	return map[string]workerpool.Status{"w-1": workerpool.StatusIdle}
}

type env struct {
	client *Client
	store  *builder.MemStore
	logs   *builder.LogBroker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	objects, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	store := builder.NewMemStore()
	logs := builder.NewLogBroker(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := service.New(service.Config{
		Store:     store,
		Objects:   objects,
		Queue:     queue.NewMemQueue(time.Minute),
		Pool:      idlePool{},
		UploadDir: t.TempDir(),
		Logger:    logger,
	})
	require.NoError(t, err)

	srv, err := api.New(api.Config{
		Service:      svc,
		Logs:         logs,
		Threads:      idlePool{},
		Introspector: auth.NewStaticIntrospector(map[string]string{"tok": "alice"}),
		Gatherer:     prometheus.NewRegistry(),
		Logger:       logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &env{client: New(ts.URL+"/", "tok"), store: store, logs: logs}
}

func TestSubmitAndFollowBuild(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	defID, err := e.client.UploadDefinition(ctx, "Dockerfile", strings.NewReader("FROM alpine"))
	require.NoError(t, err)

	buildID, err := e.client.SubmitBuild(ctx, BuildRequest{DefinitionID: defID, Format: "docker", ContainerName: "img"})
	require.NoError(t, err)

	rec, err := e.client.GetBuild(ctx, buildID)
	require.NoError(t, err)
	assert.Equal(t, builder.StatusPending, rec.Status)

	builds, err := e.client.ListBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, buildID, builds[0].ID)

	threads, err := e.client.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"w-1": "IDLE"}, threads)
}

func TestErrorsMapToSentinels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.client.GetBuild(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.store.CreateBuild(ctx, builder.Build{ID: "theirs", Owner: "bob"}))
	_, err = e.client.GetBuild(ctx, "theirs")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = e.client.SubmitBuild(ctx, BuildRequest{DefinitionID: "x", Format: "docker"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	unauth := New(e.client.baseURL, "wrong")
	_, err = unauth.ListBuilds(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestStreamLogsOfFinishedBuild(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.store.CreateBuild(ctx, builder.Build{ID: "b1", Owner: "alice", Status: builder.StatusFailed}))
	require.NoError(t, e.logs.Append(ctx, "b1", "status: building"))
	require.NoError(t, e.logs.Append(ctx, "b1", "status: failed"))

	var lines []string
	err := e.client.StreamLogs(ctx, "b1", func(line string) error {
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"status: building", "status: failed", "[stream closed]"}, lines)
}

func TestReadEvents(t *testing.T) {
	body := "data: one\n\n: comment\n\ndata: two\ndata: lines\n\ndata: tail"
	var got []string
	err := ReadEvents(bytes.NewBufferString(body), func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two\nlines", "tail"}, got)
}

func TestReadEventsUnterminatedMultiLineTail(t *testing.T) {
	var got []string
	err := ReadEvents(bytes.NewBufferString("data: a\r\ndata: b"), func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a\nb"}, got)
}
