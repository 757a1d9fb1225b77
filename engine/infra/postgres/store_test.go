package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/infra/postgres"
	"github.com/taskping/taskping/engine/reminder"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stateColumns = []string{
	"correlation_token", "task_id", "assignee_id", "status", "channel",
	"attempt_count", "max_attempts", "dispatched_at", "deadline_at",
	"raw_response", "resolved_status", "last_error", "created_at", "updated_at",
}

func stateRow(pool pgxmock.PgxPoolIface, token core.ID, status core.StatusType) *pgxmock.Rows {
	now := time.Now()
	var nilTime *time.Time
	var nilStr *string
	var nilOutcome *core.Outcome
	return pool.NewRows(stateColumns).
		AddRow(
			token, "T1", "alice", status, core.ChannelTelegram,
			1, 3, nilTime, nilTime, nilStr, nilOutcome, nilStr, now, now,
		)
}

func TestStore_Create(t *testing.T) {
	t.Run("Should insert a pending record inside a transaction", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		pool.ExpectBegin()
		pool.ExpectQuery("SELECT correlation_token FROM reminder_states").
			WithArgs("PENDING", "DISPATCHED", "AWAITING_RESPONSE", "ESCALATED", "T1").
			WillReturnError(pgx.ErrNoRows)
		pool.ExpectExec("INSERT INTO reminder_states").
			WithArgs(
				pgxmock.AnyArg(), "T1", "alice", core.StatusPending, core.ChannelTelegram,
				0, 3, pgxmock.AnyArg(), pgxmock.AnyArg(),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		pool.ExpectCommit()
		pool.ExpectRollback()
		rec, err := store.Create(context.Background(), "T1", "alice", core.ChannelTelegram, 3)
		require.NoError(t, err)
		assert.Equal(t, core.StatusPending, rec.Status)
		assert.False(t, rec.CorrelationToken.IsZero())
		assert.NoError(t, pool.ExpectationsWereMet())
	})
	t.Run("Should reject a second active reminder for the same task", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		existing := core.MustNewID()
		pool.ExpectBegin()
		pool.ExpectQuery("SELECT correlation_token FROM reminder_states").
			WithArgs("PENDING", "DISPATCHED", "AWAITING_RESPONSE", "ESCALATED", "T1").
			WillReturnRows(pool.NewRows([]string{"correlation_token"}).AddRow(existing))
		pool.ExpectRollback()
		_, err = store.Create(context.Background(), "T1", "alice", core.ChannelTelegram, 3)
		assert.ErrorIs(t, err, reminder.ErrDuplicateActive)
		assert.NoError(t, pool.ExpectationsWereMet())
	})
}

func TestStore_GetByToken(t *testing.T) {
	t.Run("Should scan the record", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		token := core.MustNewID()
		pool.ExpectQuery("SELECT (.+) FROM reminder_states WHERE correlation_token = \\$1").
			WithArgs(token).
			WillReturnRows(stateRow(pool, token, core.StatusAwaitingResponse))
		rec, err := store.GetByToken(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, token, rec.CorrelationToken)
		assert.Equal(t, core.StatusAwaitingResponse, rec.Status)
		assert.NoError(t, pool.ExpectationsWereMet())
	})
	t.Run("Should map no rows to not found", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		token := core.MustNewID()
		pool.ExpectQuery("SELECT (.+) FROM reminder_states").
			WithArgs(token).
			WillReturnError(pgx.ErrNoRows)
		_, err = store.GetByToken(context.Background(), token)
		assert.ErrorIs(t, err, reminder.ErrNotFound)
	})
}

func TestStore_Transition(t *testing.T) {
	t.Run("Should compare-and-swap on token and expected status", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		token := core.MustNewID()
		attempts := 1
		pool.ExpectQuery("UPDATE reminder_states SET (.+) WHERE correlation_token = \\$\\d+ AND status = \\$\\d+ RETURNING").
			WithArgs(
				core.StatusDispatched, pgxmock.AnyArg(), attempts,
				token, core.StatusPending,
			).
			WillReturnRows(stateRow(pool, token, core.StatusDispatched))
		rec, err := store.Transition(
			context.Background(), token,
			core.StatusPending, core.StatusDispatched,
			&reminder.Patch{AttemptCount: &attempts},
		)
		require.NoError(t, err)
		assert.Equal(t, core.StatusDispatched, rec.Status)
		assert.NoError(t, pool.ExpectationsWereMet())
	})
	t.Run("Should report a stale transition when the row moved on", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		token := core.MustNewID()
		pool.ExpectQuery("UPDATE reminder_states").
			WithArgs(core.StatusTimedOut, pgxmock.AnyArg(), token, core.StatusAwaitingResponse).
			WillReturnError(pgx.ErrNoRows)
		pool.ExpectQuery("SELECT (.+) FROM reminder_states").
			WithArgs(token).
			WillReturnRows(stateRow(pool, token, core.StatusResolved))
		_, err = store.Transition(
			context.Background(), token,
			core.StatusAwaitingResponse, core.StatusTimedOut, nil,
		)
		assert.ErrorIs(t, err, reminder.ErrStaleTransition)
	})
	t.Run("Should report not found when the row vanished", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		token := core.MustNewID()
		pool.ExpectQuery("UPDATE reminder_states").
			WithArgs(core.StatusTimedOut, pgxmock.AnyArg(), token, core.StatusAwaitingResponse).
			WillReturnError(pgx.ErrNoRows)
		pool.ExpectQuery("SELECT (.+) FROM reminder_states").
			WithArgs(token).
			WillReturnError(pgx.ErrNoRows)
		_, err = store.Transition(
			context.Background(), token,
			core.StatusAwaitingResponse, core.StatusTimedOut, nil,
		)
		assert.ErrorIs(t, err, reminder.ErrNotFound)
	})
	t.Run("Should reject forbidden moves before touching the database", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		_, err = store.Transition(
			context.Background(), core.MustNewID(),
			core.StatusResolved, core.StatusDispatched, nil,
		)
		assert.ErrorIs(t, err, reminder.ErrInvalidTransition)
		assert.NoError(t, pool.ExpectationsWereMet())
	})
}

func TestStore_ListExpired(t *testing.T) {
	t.Run("Should select awaiting records past their deadline", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		now := time.Now()
		token := core.MustNewID()
		pool.ExpectQuery("SELECT (.+) FROM reminder_states WHERE status = \\$1 AND deadline_at <= \\$2").
			WithArgs(core.StatusAwaitingResponse, now).
			WillReturnRows(stateRow(pool, token, core.StatusAwaitingResponse))
		out, err := store.ListExpired(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, token, out[0].CorrelationToken)
		assert.NoError(t, pool.ExpectationsWereMet())
	})
}

func TestStore_PruneSettled(t *testing.T) {
	t.Run("Should delete terminal records older than the cutoff", func(t *testing.T) {
		pool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer pool.Close()
		store := postgres.NewStore(pool)
		cutoff := time.Now().Add(-30 * 24 * time.Hour)
		pool.ExpectExec("DELETE FROM reminder_states").
			WithArgs("RESOLVED", "TIMED_OUT", "FAILED", cutoff).
			WillReturnResult(pgxmock.NewResult("DELETE", 4))
		pruned, err := store.PruneSettled(context.Background(), cutoff)
		require.NoError(t, err)
		assert.Equal(t, 4, pruned)
		assert.NoError(t, pool.ExpectationsWereMet())
	})
}
