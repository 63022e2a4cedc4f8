package builder

import (
	"context"
	"sort"
	"sync"
	"time"
)

type buildRecord struct {
	build Build
	logs  []string
}

// MemStore keeps definitions, builds and their logs in memory.
type MemStore struct {
	mu          sync.RWMutex
	items       map[string]*buildRecord
	definitions map[string]Definition
	now         func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		items:       make(map[string]*buildRecord),
		definitions: make(map[string]Definition),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) CreateDefinition(_ context.Context, def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now()
	}
	s.definitions[def.ID] = def
	return nil
}

func (s *MemStore) GetDefinition(_ context.Context, id string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return Definition{}, ErrNotFound
	}
	return def, nil
}

func (s *MemStore) CreateBuild(_ context.Context, build Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if build.CreatedAt.IsZero() {
		build.CreatedAt = now
	}
	build.UpdatedAt = now
	if rec, ok := s.items[build.ID]; ok {
		rec.build = build
		return nil
	}
	s.items[build.ID] = &buildRecord{build: build}
	return nil
}

func (s *MemStore) GetBuild(_ context.Context, id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return rec.build, nil
}

func (s *MemStore) FindBuild(_ context.Context, definitionID string, format Format) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found Build
		ok    bool
	)
	for _, rec := range s.items {
		if rec.build.DefinitionID != definitionID || rec.build.Format != format {
			continue
		}
		// Oldest record wins so repeated lookups are stable.
		if !ok || rec.build.CreatedAt.Before(found.CreatedAt) {
			found, ok = rec.build, true
		}
	}
	if !ok {
		return Build{}, ErrNotFound
	}
	return found, nil
}

func (s *MemStore) UpdateBuild(_ context.Context, id string, patch BuildPatch) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	patch.Apply(&rec.build)
	rec.build.UpdatedAt = s.now()
	return rec.build, nil
}

func (s *MemStore) ListBuilds(_ context.Context, owner string) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		if owner != "" && rec.build.Owner != owner {
			continue
		}
		result = append(result, rec.build)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemStore) AppendLog(_ context.Context, id string, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	rec.logs = append(rec.logs, line)
	return nil
}

func (s *MemStore) ListLogs(_ context.Context, id string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	lines := rec.logs
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return append([]string(nil), lines...), nil
}

func (s *MemStore) Close() error { return nil }
