package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/config"
	"github.com/xtracthub/container-service/pkg/objectstore"
	"github.com/xtracthub/container-service/pkg/queue"
	"github.com/xtracthub/container-service/pkg/registry"
)

func TestOpenLocalDrivers(t *testing.T) {
	store, err := openStore(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &builder.MemStore{}, store)

	q, err := openQueue(config.QueueConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &queue.MemQueue{}, q)

	objects, err := openObjectStore(context.Background(), config.ObjectStoreConfig{Driver: "local", Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &objectstore.LocalStore{}, objects)
}

func TestOpenUnknownDrivers(t *testing.T) {
	_, err := openStore(config.StoreConfig{Driver: "sqlite"})
	assert.Error(t, err)
	_, err = openQueue(config.QueueConfig{Driver: "kafka"})
	assert.Error(t, err)
	_, err = openObjectStore(context.Background(), config.ObjectStoreConfig{Driver: "gcs"})
	assert.Error(t, err)
}

func TestOpenStaticAuthenticator(t *testing.T) {
	_, err := openAuthenticator(context.Background(), config.RegistryConfig{Driver: "static"})
	assert.Error(t, err)

	a, err := openAuthenticator(context.Background(), config.RegistryConfig{
		Driver:   "static",
		Endpoint: "https://registry.local:5000/",
		Username: "ci",
		Password: "secret",
	})
	require.NoError(t, err)
	cred, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, registry.Credential{Endpoint: "https://registry.local:5000/", Username: "ci", Password: "secret"}, cred)
}
