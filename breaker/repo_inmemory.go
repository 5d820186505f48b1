package breaker

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo
type InMemoryRepo struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		records: make(map[string]*Record),
	}
}

func (r *InMemoryRepo) Get(_ context.Context, agentID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[agentID]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "breaker for agent %s", agentID)
	}
	return record.Copy(), nil
}

func (r *InMemoryRepo) Save(_ context.Context, record *Record) error {
	if record == nil || record.AgentID == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "breaker record needs an agent id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.AgentID] = record.Copy()
	return nil
}

func (r *InMemoryRepo) List(_ context.Context) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*Record, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, record.Copy())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records, nil
}
