package vault

import (
	"context"
	"sync"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
)

type recordKey struct {
	tenantID    string
	integration string
}

// InMemoryRepo is a thread-safe in-memory implementation of Repo
type InMemoryRepo struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		records: make(map[recordKey]*Record),
	}
}

func (r *InMemoryRepo) Upsert(_ context.Context, record *Record) error {
	if record == nil || record.TenantID == "" || record.IntegrationName == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "record needs tenant and integration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordKey{record.TenantID, record.IntegrationName}
	stored := record.Copy()
	if existing, ok := r.records[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}
	r.records[key] = stored
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, tenantID, integration string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[recordKey{tenantID, integration}]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "token for %s/%s", tenantID, integration)
	}
	return record.Copy(), nil
}

func (r *InMemoryRepo) Delete(_ context.Context, tenantID, integration string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, recordKey{tenantID, integration})
	return nil
}
