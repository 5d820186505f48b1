package oauthstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo
type InMemoryRepo struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		states: make(map[string]*State),
	}
}

func (r *InMemoryRepo) Create(_ context.Context, state *State) error {
	if state == nil || state.Token == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "state token is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[state.Token]; exists {
		return fmt.Errorf("[oauthstate Create] duplicate state token")
	}
	r.states[state.Token] = state.Copy()
	return nil
}

func (r *InMemoryRepo) Consume(_ context.Context, token string, at time.Time) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[token]
	if !ok {
		return nil, apperrors.ErrInvalidState
	}
	if state.ConsumedAt != nil {
		return nil, apperrors.ErrAlreadyConsumed
	}
	state.ConsumedAt = &at
	return state.Copy(), nil
}

func (r *InMemoryRepo) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for token, state := range r.states {
		if state.CreatedAt.Before(cutoff) {
			delete(r.states, token)
			n++
		}
	}
	return n, nil
}
