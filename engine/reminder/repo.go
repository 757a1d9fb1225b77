package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/taskping/taskping/engine/core"
)

// Error taxonomy shared by every Repository implementation.
var (
	ErrNotFound = errors.New("reminder not found")
	// ErrDuplicateActive guards the at-most-one-outstanding invariant:
	// a task may never carry two live reminders at once.
	ErrDuplicateActive = errors.New("active reminder already exists for task")
	// ErrStaleTransition is the compare-and-swap loser: the record left the
	// expected state before this mutation landed. Dropped, never retried.
	ErrStaleTransition = errors.New("reminder state changed concurrently")
	// ErrInvalidTransition marks a move the lifecycle table forbids.
	ErrInvalidTransition = errors.New("invalid reminder state transition")
)

// Repository is the reconciliation store contract. Every mutation is a
// compare-and-swap keyed on the correlation token so two inbound events
// racing on the same record cannot both win.
type Repository interface {
	// Create opens a record in Pending and fails with ErrDuplicateActive
	// when the task already has a live reminder.
	Create(ctx context.Context, taskID, assigneeID string, ch core.ChannelType, maxAttempts int) (*State, error)
	GetByToken(ctx context.Context, token core.ID) (*State, error)
	GetActiveByTask(ctx context.Context, taskID string) (*State, error)
	// Transition moves the record from expected to next, applying patch
	// atomically. ErrStaleTransition when the record is no longer in
	// expected; ErrInvalidTransition when the table forbids the move.
	Transition(ctx context.Context, token core.ID, expected, next core.StatusType, patch *Patch) (*State, error)
	// ListExpired returns AwaitingResponse records whose deadline is at or
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]*State, error)
	ListByStatus(ctx context.Context, status core.StatusType) ([]*State, error)
	// PruneSettled removes terminal records older than the retention cutoff.
	// Records still awaiting a response are never pruned.
	PruneSettled(ctx context.Context, olderThan time.Time) (int, error)
}
