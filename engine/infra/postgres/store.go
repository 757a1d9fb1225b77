package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/reminder"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var reminderColumns = []string{
	"correlation_token",
	"task_id",
	"assignee_id",
	"status",
	"channel",
	"attempt_count",
	"max_attempts",
	"dispatched_at",
	"deadline_at",
	"raw_response",
	"resolved_status",
	"last_error",
	"created_at",
	"updated_at",
}

// DB is the minimal database interface Store depends on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements reminder.Repository on Postgres. All mutations are
// compare-and-swap statements keyed on (correlation_token, status) so two
// racing writers settle at the database, not in process memory.
type Store struct {
	db    DB
	nowFn func() time.Time
}

func NewStore(db DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// Connect opens a pgxpool against the DSN and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// WithNow overrides the clock for tests.
func (s *Store) WithNow(nowFn func() time.Time) *Store {
	s.nowFn = nowFn
	return s
}

func activeStatuses() []string {
	return []string{
		string(core.StatusPending),
		string(core.StatusDispatched),
		string(core.StatusAwaitingResponse),
		string(core.StatusEscalated),
	}
}

func terminalStatuses() []string {
	return []string{
		string(core.StatusResolved),
		string(core.StatusTimedOut),
		string(core.StatusFailed),
	}
}

func (s *Store) Create(
	ctx context.Context,
	taskID, assigneeID string,
	ch core.ChannelType,
	maxAttempts int,
) (*reminder.State, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning create tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// Serialize concurrent creates for the same task on its active rows.
	query, args, err := squirrel.Select("correlation_token").
		From("reminder_states").
		Where(squirrel.Eq{"task_id": taskID, "status": activeStatuses()}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building active check: %w", err)
	}
	var existing core.ID
	err = pgxscan.Get(ctx, tx, &existing, query, args...)
	switch {
	case err == nil:
		return nil, reminder.ErrDuplicateActive
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("checking active reminder: %w", err)
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
	query, args, err = squirrel.Insert("reminder_states").
		Columns(
			"correlation_token", "task_id", "assignee_id", "status", "channel",
			"attempt_count", "max_attempts", "created_at", "updated_at",
		).
		Values(
			rec.CorrelationToken, rec.TaskID, rec.AssigneeID, rec.Status, rec.Channel,
			rec.AttemptCount, rec.MaxAttempts, rec.CreatedAt, rec.UpdatedAt,
		).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting reminder: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing create: %w", err)
	}
	return rec, nil
}

func (s *Store) GetByToken(ctx context.Context, token core.ID) (*reminder.State, error) {
	query, args, err := squirrel.Select(reminderColumns...).
		From("reminder_states").
		Where(squirrel.Eq{"correlation_token": token}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}
	var rec reminder.State
	if err := pgxscan.Get(ctx, s.db, &rec, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reminder.ErrNotFound
		}
		return nil, fmt.Errorf("scanning reminder: %w", err)
	}
	return &rec, nil
}

func (s *Store) GetActiveByTask(ctx context.Context, taskID string) (*reminder.State, error) {
	query, args, err := squirrel.Select(reminderColumns...).
		From("reminder_states").
		Where(squirrel.Eq{"task_id": taskID, "status": activeStatuses()}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building active query: %w", err)
	}
	var rec reminder.State
	if err := pgxscan.Get(ctx, s.db, &rec, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reminder.ErrNotFound
		}
		return nil, fmt.Errorf("scanning active reminder: %w", err)
	}
	return &rec, nil
}

func (s *Store) Transition(
	ctx context.Context,
	token core.ID,
	expected, next core.StatusType,
	patch *reminder.Patch,
) (*reminder.State, error) {
	if !reminder.CanTransition(expected, next) {
		return nil, reminder.ErrInvalidTransition
	}
	ub := squirrel.Update("reminder_states").
		Set("status", next).
		Set("updated_at", s.nowFn()).
		Where(squirrel.Eq{"correlation_token": token, "status": expected}).
		Suffix("RETURNING " + strings.Join(reminderColumns, ", ")).
		PlaceholderFormat(squirrel.Dollar)
	ub = applyPatch(ub, patch)
	query, args, err := ub.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building transition: %w", err)
	}
	var rec reminder.State
	if err := pgxscan.Get(ctx, s.db, &rec, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyMiss(ctx, token)
		}
		return nil, fmt.Errorf("applying transition: %w", err)
	}
	return &rec, nil
}

// classifyMiss separates a vanished record from a compare-and-swap loss.
func (s *Store) classifyMiss(ctx context.Context, token core.ID) error {
	if _, err := s.GetByToken(ctx, token); err != nil {
		return err
	}
	return reminder.ErrStaleTransition
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*reminder.State, error) {
	query, args, err := squirrel.Select(reminderColumns...).
		From("reminder_states").
		Where(squirrel.Eq{"status": core.StatusAwaitingResponse}).
		Where(squirrel.LtOrEq{"deadline_at": now}).
		OrderBy("deadline_at ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building expired query: %w", err)
	}
	var out []*reminder.State
	if err := pgxscan.Select(ctx, s.db, &out, query, args...); err != nil {
		return nil, fmt.Errorf("scanning expired reminders: %w", err)
	}
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, status core.StatusType) ([]*reminder.State, error) {
	query, args, err := squirrel.Select(reminderColumns...).
		From("reminder_states").
		Where(squirrel.Eq{"status": status}).
		OrderBy("updated_at ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building status query: %w", err)
	}
	var out []*reminder.State
	if err := pgxscan.Select(ctx, s.db, &out, query, args...); err != nil {
		return nil, fmt.Errorf("scanning reminders: %w", err)
	}
	return out, nil
}

func (s *Store) PruneSettled(ctx context.Context, olderThan time.Time) (int, error) {
	query, args, err := squirrel.Delete("reminder_states").
		Where(squirrel.Eq{"status": terminalStatuses()}).
		Where(squirrel.Lt{"updated_at": olderThan}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building prune: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pruning settled reminders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func applyPatch(ub squirrel.UpdateBuilder, patch *reminder.Patch) squirrel.UpdateBuilder {
	if patch == nil {
		return ub
	}
	if patch.Channel != nil {
		ub = ub.Set("channel", *patch.Channel)
	}
	if patch.AttemptCount != nil {
		ub = ub.Set("attempt_count", *patch.AttemptCount)
	}
	if patch.DispatchedAt != nil {
		ub = ub.Set("dispatched_at", *patch.DispatchedAt)
	}
	if patch.DeadlineAt != nil {
		ub = ub.Set("deadline_at", *patch.DeadlineAt)
	}
	if patch.RawResponse != nil {
		ub = ub.Set("raw_response", *patch.RawResponse)
	}
	if patch.ResolvedStatus != nil {
		ub = ub.Set("resolved_status", *patch.ResolvedStatus)
	}
	if patch.LastError != nil {
		ub = ub.Set("last_error", *patch.LastError)
	}
	return ub
}
