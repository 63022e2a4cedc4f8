// Package objectstore holds definition files and built artifacts under
// slash-separated keys. Keys are laid out as "<id>/<file name>".
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// Store is the subset of bucket operations the pipeline relies on.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string, w io.Writer) error
	// FetchTree downloads every object under prefix into dst, keeping the
	// path relative to prefix. It fails with ErrNotFound when nothing matches.
	FetchTree(ctx context.Context, prefix, dst string) error
	Delete(ctx context.Context, key string) error
}

// Key joins parts into an object key.
func Key(parts ...string) string {
	return path.Join(parts...)
}

// cleanKey rejects keys that could escape a store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return key, nil
}

// relativeTo returns key relative to prefix or false when it lies outside.
func relativeTo(prefix, key string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(key, prefix)
	return rel, rel != ""
}
