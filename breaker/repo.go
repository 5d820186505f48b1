package breaker

import (
	"context"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Record is the persisted health of one downstream agent.
type Record struct {
	AgentID         string     `json:"agent_id"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"` // set only while open or half_open
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (r *Record) Copy() *Record {
	c := *r
	c.LastFailureTime = copyTime(r.LastFailureTime)
	c.LastSuccessTime = copyTime(r.LastSuccessTime)
	c.OpenedAt = copyTime(r.OpenedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Repo persists breaker records. Get returns errors.ErrNotFound for an agent never saved.
type Repo interface {
	Get(ctx context.Context, agentID string) (*Record, error)
	Save(ctx context.Context, record *Record) error
	List(ctx context.Context) ([]*Record, error)
}
