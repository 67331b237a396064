// Package memory provides an in-process tenant directory and access log for
// development and tests. It ignores the session and performs no isolation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/tenant-gateway/internal/session"
	"github.com/tjfontaine/tenant-gateway/internal/storage"
)

// Store is an in-memory implementation of TenantDirectory and AccessLog.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]storage.TenantRecord
	entries []storage.AccessEntry
}

var (
	_ storage.TenantDirectory = (*Store)(nil)
	_ storage.AccessLog       = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		tenants: make(map[string]storage.TenantRecord),
	}
}

// PutTenant adds or replaces a tenant.
func (s *Store) PutTenant(rec storage.TenantRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.tenants[rec.ID] = rec
}

func (s *Store) LookupTenant(_ context.Context, _ session.Queryer, tenantID string) (*storage.TenantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tenants[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) RecordAccess(_ context.Context, _ session.Queryer, e *storage.AccessEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := *e
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns the recorded access entries, optionally for one tenant.
func (s *Store) Entries(tenantID string) []storage.AccessEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []storage.AccessEntry
	for _, e := range s.entries {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		result = append(result, e)
	}
	return result
}
