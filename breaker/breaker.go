package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Observer is told about every state transition. metrics.Metrics implements it.
type Observer interface {
	ObserveBreakerState(agentID string, from, to State)
}

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	Observer         Observer
}

type entry struct {
	mu     sync.Mutex
	record *Record
	// generation changes on every transition and every trial grant, so outcomes of
	// requests admitted under an earlier state can be recognised as late.
	generation uint64
	// trialStarted is non-zero while a half_open trial request is in flight.
	trialStarted time.Time
}

// Manager holds one circuit breaker per downstream agent.
type Manager struct {
	repo Repo
	cfg  Config

	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(repo Repo, cfg Config) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Manager{
		repo:    repo,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// entry returns the agent's breaker, loading persisted state on first use. The load runs
// outside the manager lock and detached from the caller's cancellation. A record that
// cannot be loaded starts closed.
func (m *Manager) entry(ctx context.Context, agentID string) *entry {
	m.mu.Lock()
	e, ok := m.entries[agentID]
	m.mu.Unlock()
	if ok {
		return e
	}

	record := m.load(context.WithoutCancel(ctx), agentID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[agentID]; ok {
		return e
	}
	e = &entry{record: record}
	m.entries[agentID] = e
	return e
}

func (m *Manager) load(ctx context.Context, agentID string) *Record {
	record, err := m.repo.Get(ctx, agentID)
	switch {
	case err == nil:
		return record
	case apperrors.Is(err, apperrors.ErrNotFound):
	default:
		log.Err(err).Str("agent_id", agentID).Msg("failed to load circuit breaker state, starting closed")
	}
	return &Record{AgentID: agentID, State: StateClosed}
}

// Attempt is one request admitted by the breaker. Reporting its outcome through the
// Attempt lets the breaker ignore results that arrive after the state they were admitted
// under has changed.
type Attempt struct {
	m          *Manager
	agentID    string
	generation uint64
}

func (a Attempt) Success(ctx context.Context) {
	a.m.record(ctx, a.agentID, &a, true)
}

func (a Attempt) Failure(ctx context.Context) {
	a.m.record(ctx, a.agentID, &a, false)
}

// Admit reports whether a request may be dispatched to agentID. After the cooldown the
// first caller is granted the single half_open trial; everyone else gets ErrCircuitOpen
// until that trial is recorded.
func (m *Manager) Admit(ctx context.Context, agentID string) (Attempt, error) {
	e := m.entry(ctx, agentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := NowTimeFunc()
	switch e.record.State {
	case StateClosed:
	case StateOpen:
		if e.record.OpenedAt != nil && now.Sub(*e.record.OpenedAt) < m.cfg.Cooldown {
			return Attempt{}, apperrors.Wrapf(apperrors.ErrCircuitOpen, "agent %s", agentID)
		}
		m.transition(ctx, e, StateHalfOpen, now)
		e.trialStarted = now
	default:
		// A trial whose outcome was never recorded is abandoned after one cooldown.
		if !e.trialStarted.IsZero() && now.Sub(e.trialStarted) < m.cfg.Cooldown {
			return Attempt{}, apperrors.Wrapf(apperrors.ErrCircuitOpen, "agent %s: trial in flight", agentID)
		}
		e.generation++
		e.trialStarted = now
	}
	return Attempt{m: m, agentID: agentID, generation: e.generation}, nil
}

// Allow is Admit for callers that report outcomes with RecordSuccess and RecordFailure.
func (m *Manager) Allow(ctx context.Context, agentID string) error {
	_, err := m.Admit(ctx, agentID)
	return err
}

// RecordSuccess reports an outcome not tied to an Attempt. While half_open it is taken as
// the trial's result only if a trial is in flight.
func (m *Manager) RecordSuccess(ctx context.Context, agentID string) {
	m.record(ctx, agentID, nil, true)
}

func (m *Manager) RecordFailure(ctx context.Context, agentID string) {
	m.record(ctx, agentID, nil, false)
}

func (m *Manager) record(ctx context.Context, agentID string, attempt *Attempt, ok bool) {
	e := m.entry(ctx, agentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := NowTimeFunc()
	late := attempt != nil && attempt.generation != e.generation
	trial := e.record.State == StateHalfOpen && !late && (attempt != nil || !e.trialStarted.IsZero())

	if ok {
		e.record.SuccessCount++
		e.record.LastSuccessTime = &now
		switch {
		case trial:
			e.record.FailureCount = 0
			e.record.OpenedAt = nil
			e.trialStarted = time.Time{}
			m.transition(ctx, e, StateClosed, now)
			return
		case e.record.State == StateClosed && !late:
			e.record.FailureCount = 0
		}
		// Results from requests admitted before the breaker opened never close it.
		m.persist(ctx, e, now)
		return
	}

	e.record.LastFailureTime = &now
	if late {
		m.persist(ctx, e, now)
		return
	}
	e.record.FailureCount++
	e.record.SuccessCount = 0
	switch {
	case trial,
		e.record.State == StateClosed && e.record.FailureCount >= m.cfg.FailureThreshold:
		e.record.OpenedAt = &now
		e.trialStarted = time.Time{}
		m.transition(ctx, e, StateOpen, now)
	default:
		// Failures while open leave the cooldown clock alone.
		m.persist(ctx, e, now)
	}
}

// Execute runs fn when the breaker allows it and records the outcome.
func (m *Manager) Execute(ctx context.Context, agentID string, fn func(ctx context.Context) error) error {
	attempt, err := m.Admit(ctx, agentID)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		attempt.Failure(ctx)
		return err
	}
	attempt.Success(ctx)
	return nil
}

// Snapshot returns a copy of the agent's current record.
func (m *Manager) Snapshot(ctx context.Context, agentID string) *Record {
	e := m.entry(ctx, agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Copy()
}

// Snapshots lists every agent known in memory or in the repository.
func (m *Manager) Snapshots(ctx context.Context) []*Record {
	byAgent := map[string]*Record{}
	persisted, err := m.repo.List(ctx)
	if err != nil {
		log.Err(err).Msg("failed to list circuit breaker state")
	}
	for _, r := range persisted {
		byAgent[r.AgentID] = r
	}

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		byAgent[e.record.AgentID] = e.record.Copy()
		e.mu.Unlock()
	}

	records := make([]*Record, 0, len(byAgent))
	for _, r := range byAgent {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records
}

// transition must be called with e.mu held.
func (m *Manager) transition(ctx context.Context, e *entry, to State, now time.Time) {
	from := e.record.State
	e.record.State = to
	e.generation++
	if to == StateHalfOpen {
		e.record.SuccessCount = 0
	}
	log.Info().Str("agent_id", e.record.AgentID).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state changed")
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveBreakerState(e.record.AgentID, from, to)
	}
	m.persist(ctx, e, now)
}

// persist never fails the caller: breaker bookkeeping must not turn into request errors.
func (m *Manager) persist(ctx context.Context, e *entry, now time.Time) {
	e.record.UpdatedAt = now
	if err := m.repo.Save(context.WithoutCancel(ctx), e.record); err != nil {
		log.Err(err).Str("agent_id", e.record.AgentID).Msg("failed to persist circuit breaker state")
	}
}
