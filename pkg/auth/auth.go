// Package auth resolves bearer tokens to owner ids for the HTTP API.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrMissingToken indicates that the Authorization header was not provided.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidPrefix indicates the header did not use the Bearer scheme.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrInvalidToken is returned by introspectors for unknown tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// ExtractBearer parses an "Authorization: Bearer <token>" header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Introspector maps a token to the owner id it acts for.
type Introspector interface {
	Introspect(ctx context.Context, token string) (string, error)
}

// StaticIntrospector serves a fixed token table.
type StaticIntrospector struct {
	mu     sync.RWMutex
	owners map[string]string
}

func NewStaticIntrospector(tokens map[string]string) *StaticIntrospector {
	owners := make(map[string]string, len(tokens))
	for token, owner := range tokens {
		owners[token] = owner
	}
	return &StaticIntrospector{owners: owners}
}

func (s *StaticIntrospector) Introspect(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return owner, nil
}

// Set adds or replaces a token.
func (s *StaticIntrospector) Set(token, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[token] = owner
}

type ownerKey struct{}

// WithOwner stores the authenticated owner id in ctx.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner id set by Middleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// Middleware rejects requests without a valid bearer token and attaches the
// owner id to the request context.
func Middleware(in Introspector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearer(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			owner, err := in.Introspect(r.Context(), token)
			if err != nil {
				http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
