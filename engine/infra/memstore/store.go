package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/reminder"
)

// Store is the in-memory reminder.Repository. It backs the one-shot CLI mode
// and the test suites; the serve mode uses the Postgres store instead.
type Store struct {
	mu      sync.Mutex
	byToken map[core.ID]*reminder.State
	nowFn   func() time.Time
}

func NewStore() *Store {
	return &Store{
		byToken: make(map[core.ID]*reminder.State),
		nowFn:   time.Now,
	}
}

// WithNow overrides the clock for tests.
func (s *Store) WithNow(nowFn func() time.Time) *Store {
	s.nowFn = nowFn
	return s
}

func (s *Store) Create(
	_ context.Context,
	taskID, assigneeID string,
	ch core.ChannelType,
	maxAttempts int,
) (*reminder.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byToken {
		if rec.TaskID == taskID && rec.IsActive() {
			return nil, reminder.ErrDuplicateActive
		}
	}
	now := s.nowFn()
	rec := &reminder.State{
		CorrelationToken: core.MustNewID(),
		TaskID:           taskID,
		AssigneeID:       assigneeID,
		Status:           core.StatusPending,
		Channel:          ch,
		MaxAttempts:      maxAttempts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.byToken[rec.CorrelationToken] = rec
	return copyState(rec), nil
}

func (s *Store) GetByToken(_ context.Context, token core.ID) (*reminder.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byToken[token]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	return copyState(rec), nil
}

func (s *Store) GetActiveByTask(_ context.Context, taskID string) (*reminder.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byToken {
		if rec.TaskID == taskID && rec.IsActive() {
			return copyState(rec), nil
		}
	}
	return nil, reminder.ErrNotFound
}

func (s *Store) Transition(
	_ context.Context,
	token core.ID,
	expected, next core.StatusType,
	patch *reminder.Patch,
) (*reminder.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byToken[token]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	if rec.Status != expected {
		return nil, reminder.ErrStaleTransition
	}
	if !reminder.CanTransition(expected, next) {
		return nil, reminder.ErrInvalidTransition
	}
	rec.Status = next
	patch.Apply(rec, s.nowFn())
	return copyState(rec), nil
}

func (s *Store) ListExpired(_ context.Context, now time.Time) ([]*reminder.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reminder.State
	for _, rec := range s.byToken {
		if rec.Expired(now) {
			out = append(out, copyState(rec))
		}
	}
	return out, nil
}

func (s *Store) ListByStatus(_ context.Context, status core.StatusType) ([]*reminder.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reminder.State
	for _, rec := range s.byToken {
		if rec.Status == status {
			out = append(out, copyState(rec))
		}
	}
	return out, nil
}

func (s *Store) PruneSettled(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for token, rec := range s.byToken {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(olderThan) {
			delete(s.byToken, token)
			pruned++
		}
	}
	return pruned, nil
}

func copyState(rec *reminder.State) *reminder.State {
	out := *rec
	return &out
}
