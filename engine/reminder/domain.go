package reminder

import (
	"time"

	"github.com/taskping/taskping/engine/core"
)

// -----------------------------------------------------------------------------
// Reminder State
// -----------------------------------------------------------------------------

// State is one reminder record per (task, dispatch attempt chain). The
// correlation token is embedded in outbound messages so inbound events match
// back to exactly one record.
type State struct {
	CorrelationToken core.ID          `json:"correlation_token" db:"correlation_token"`
	TaskID           string           `json:"task_id"           db:"task_id"`
	AssigneeID       string           `json:"assignee_id"       db:"assignee_id"`
	Status           core.StatusType  `json:"status"            db:"status"`
	Channel          core.ChannelType `json:"channel"           db:"channel"`

	AttemptCount int `json:"attempt_count" db:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"  db:"max_attempts"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`
	DeadlineAt   *time.Time `json:"deadline_at,omitempty"   db:"deadline_at"`

	RawResponse    *string       `json:"raw_response,omitempty"    db:"raw_response"`
	ResolvedStatus *core.Outcome `json:"resolved_status,omitempty" db:"resolved_status"`
	LastError      *string       `json:"last_error,omitempty"      db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the record counts against the
// at-most-one-outstanding guard for its task.
func (s *State) IsActive() bool {
	return s.Status.IsActive()
}

// Expired reports whether the response window elapsed without an answer.
func (s *State) Expired(now time.Time) bool {
	return s.Status == core.StatusAwaitingResponse &&
		s.DeadlineAt != nil && !now.Before(*s.DeadlineAt)
}

// AttemptsExhausted reports whether the escalation cap is reached.
func (s *State) AttemptsExhausted() bool {
	return s.AttemptCount >= s.MaxAttempts
}

// -----------------------------------------------------------------------------
// Transition Table
// -----------------------------------------------------------------------------

var transitions = map[core.StatusType][]core.StatusType{
	core.StatusPending:    {core.StatusDispatched, core.StatusFailed},
	core.StatusDispatched: {core.StatusAwaitingResponse, core.StatusEscalated, core.StatusFailed},
	core.StatusAwaitingResponse: {
		core.StatusResolved,
		core.StatusEscalated,
		core.StatusTimedOut,
		core.StatusFailed,
	},
	core.StatusEscalated: {core.StatusDispatched, core.StatusFailed},
	// Terminal states allow nothing.
	core.StatusResolved: {},
	core.StatusTimedOut: {},
	core.StatusFailed:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// AwaitingResponse only ever leaves forward; terminal states never revert.
func CanTransition(from, to core.StatusType) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Transition Patch
// -----------------------------------------------------------------------------

// Patch carries the field updates applied together with a state transition.
// Nil fields are left untouched by the store.
type Patch struct {
	Channel        *core.ChannelType
	AttemptCount   *int
	DispatchedAt   *time.Time
	DeadlineAt     *time.Time
	RawResponse    *string
	ResolvedStatus *core.Outcome
	LastError      *string
}

func (p *Patch) Apply(s *State, now time.Time) {
	if p == nil {
		s.UpdatedAt = now
		return
	}
	if p.Channel != nil {
		s.Channel = *p.Channel
	}
	if p.AttemptCount != nil {
		s.AttemptCount = *p.AttemptCount
	}
	if p.DispatchedAt != nil {
		s.DispatchedAt = p.DispatchedAt
	}
	if p.DeadlineAt != nil {
		s.DeadlineAt = p.DeadlineAt
	}
	if p.RawResponse != nil {
		s.RawResponse = p.RawResponse
	}
	if p.ResolvedStatus != nil {
		s.ResolvedStatus = p.ResolvedStatus
	}
	if p.LastError != nil {
		s.LastError = p.LastError
	}
	s.UpdatedAt = now
}
