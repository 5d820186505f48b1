package oauthstate

import (
	"context"
	"time"
)

// State is a pending authorization-code flow, keyed by its random Token.
type State struct {
	ID                    string
	Token                 string
	Provider              string
	IntegrationName       string
	TenantID              string
	CodeVerifierEncrypted []byte
	RedirectURI           string
	CreatedAt             time.Time
	ConsumedAt            *time.Time
}

func (s *State) Copy() *State {
	c := *s
	c.CodeVerifierEncrypted = append([]byte(nil), s.CodeVerifierEncrypted...)
	if s.ConsumedAt != nil {
		at := *s.ConsumedAt
		c.ConsumedAt = &at
	}
	return &c
}

type Repo interface {
	Create(ctx context.Context, state *State) error
	// Consume atomically marks the state consumed at the given time and returns it.
	// It fails with ErrInvalidState for unknown tokens and ErrAlreadyConsumed when the
	// state was consumed before. Exactly one of any number of concurrent calls succeeds.
	Consume(ctx context.Context, token string, at time.Time) (*State, error)
	// DeleteCreatedBefore removes every state created before cutoff, consumed or not.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
