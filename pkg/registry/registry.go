// Package registry pushes built docker images to a remote registry using
// short-lived credentials.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xtracthub/container-service/pkg/builder"
)

// Credential is a registry login valid until ExpiresAt. A zero ExpiresAt
// never expires.
type Credential struct {
	Endpoint  string
	Username  string
	Password  string
	ExpiresAt time.Time
}

// Authenticator issues registry credentials and prepares repositories.
type Authenticator interface {
	Authenticate(ctx context.Context) (Credential, error)
	EnsureRepository(ctx context.Context, name string) error
}

// Engine is the local image daemon used to move images.
type Engine interface {
	Login(ctx context.Context, endpoint, username, password string) error
	Tag(ctx context.Context, src, dst string) error
	Push(ctx context.Context, ref string, onLine func(string)) (string, error)
	Pull(ctx context.Context, ref string, onLine func(string)) error
	Remove(ctx context.Context, ref string) error
}

// refreshMargin renews credentials shortly before they lapse.
const refreshMargin = 5 * time.Minute

// Client caches one credential and keeps the engine logged in with it.
type Client struct {
	auth   Authenticator
	engine Engine
	now    func() time.Time

	mu   sync.RWMutex
	cred *Credential
}

func NewClient(auth Authenticator, engine Engine) *Client {
	return &Client{auth: auth, engine: engine, now: time.Now}
}

func (c *Client) credential(ctx context.Context) (Credential, error) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred != nil && c.valid(*cred) {
		return *cred, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred != nil && c.valid(*c.cred) {
		return *c.cred, nil
	}
	fresh, err := c.auth.Authenticate(ctx)
	if err != nil {
		return Credential{}, builder.Infrastructure("registry auth", err)
	}
	fresh.Endpoint = hostOf(fresh.Endpoint)
	if fresh.Username != "" {
		if err := c.engine.Login(ctx, fresh.Endpoint, fresh.Username, fresh.Password); err != nil {
			return Credential{}, err
		}
	}
	c.cred = &fresh
	return fresh, nil
}

func (c *Client) valid(cred Credential) bool {
	return cred.ExpiresAt.IsZero() || c.now().Add(refreshMargin).Before(cred.ExpiresAt)
}

// Ref builds the remote reference for repository:tag.
func Ref(endpoint, repository, tag string) string {
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s/%s:%s", hostOf(endpoint), repository, tag)
}

// Push tags localRef as <endpoint>/<repository>:<tag> and pushes it. On
// failure the remote tag is removed locally. It returns the remote reference
// and the pushed digest.
func (c *Client) Push(ctx context.Context, localRef, repository, tag string, onLine func(string)) (string, string, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return "", "", err
	}
	if err := c.auth.EnsureRepository(ctx, repository); err != nil {
		return "", "", builder.Infrastructure("ensure repository", err)
	}

	remote := Ref(cred.Endpoint, repository, tag)
	if err := c.engine.Tag(ctx, localRef, remote); err != nil {
		return "", "", err
	}
	digest, err := c.engine.Push(ctx, remote, onLine)
	if err != nil {
		_ = c.engine.Remove(context.WithoutCancel(ctx), remote)
		return "", "", err
	}
	return remote, digest, nil
}

// Pull fetches repository:tag into the local daemon and returns its
// reference.
func (c *Client) Pull(ctx context.Context, repository, tag string, onLine func(string)) (string, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return "", err
	}
	remote := Ref(cred.Endpoint, repository, tag)
	if err := c.engine.Pull(ctx, remote, onLine); err != nil {
		return "", err
	}
	return remote, nil
}

func hostOf(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

// StaticAuthenticator serves a fixed credential, for registries that do not
// rotate passwords.
type StaticAuthenticator struct {
	Credential Credential
}

func (s StaticAuthenticator) Authenticate(context.Context) (Credential, error) {
	return s.Credential, nil
}

func (StaticAuthenticator) EnsureRepository(context.Context, string) error { return nil }
