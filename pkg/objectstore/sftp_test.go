package objectstore

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInMemorySFTP(t *testing.T) *SFTPStore {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return NewSFTPStoreFromClient(client, "/bucket")
}

func TestSFTPStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newInMemorySFTP(t)

	require.NoError(t, s.Put(ctx, "def-1/Singularity.def", strings.NewReader("Bootstrap: docker")))

	var buf bytes.Buffer
	require.NoError(t, s.Get(ctx, "def-1/Singularity.def", &buf))
	assert.Equal(t, "Bootstrap: docker", buf.String())

	dst := t.TempDir()
	require.NoError(t, s.FetchTree(ctx, "def-1", dst))
	data, err := os.ReadFile(filepath.Join(dst, "Singularity.def"))
	require.NoError(t, err)
	assert.Equal(t, "Bootstrap: docker", string(data))
}

func TestSFTPStoreMissingObject(t *testing.T) {
	s := newInMemorySFTP(t)
	err := s.Get(context.Background(), "nope/file", &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotFound)
}
