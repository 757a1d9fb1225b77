package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskping/taskping/engine/audit"
	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/normalizer"
	"github.com/taskping/taskping/engine/reminder"
	"github.com/taskping/taskping/engine/tracker"
	"github.com/taskping/taskping/pkg/logger"

	"github.com/sethvargo/go-retry"
)

// Tracker is the task-tracker surface the engine depends on.
type Tracker interface {
	ListEligibleTasks(ctx context.Context, now time.Time) ([]*tracker.Task, error)
	GetTask(ctx context.Context, taskID string) (*tracker.Task, error)
	UpdateStatus(ctx context.Context, taskID, status, comment string) error
}

// Engine drives every reminder through its lifecycle: dispatch, deadline
// sweep, response resolution and tracker write-back. All state moves go
// through the store's compare-and-swap, so the sweep and the ingestion
// gateway can run concurrently without coordination.
type Engine struct {
	repo     reminder.Repository
	adapters map[core.ChannelType]channel.Adapter
	tracker  Tracker
	audit    audit.Recorder
	norm     *normalizer.Normalizer
	cfg      Config
	nowFn    func() time.Time

	mu       sync.Mutex
	reported map[core.ID]struct{}
}

func New(
	repo reminder.Repository,
	adapters []channel.Adapter,
	trackerAPI Tracker,
	recorder audit.Recorder,
	norm *normalizer.Normalizer,
	cfg Config,
) *Engine {
	byType := make(map[core.ChannelType]channel.Adapter, len(adapters))
	for _, ad := range adapters {
		byType[ad.Type()] = ad
	}
	if cfg.StatusMapping == nil {
		cfg.StatusMapping = DefaultStatusMapping()
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Engine{
		repo:     repo,
		adapters: byType,
		tracker:  trackerAPI,
		audit:    recorder,
		norm:     norm,
		cfg:      cfg,
		nowFn:    time.Now,
		reported: make(map[core.ID]struct{}),
	}
}

// WithNow overrides the clock for tests.
func (e *Engine) WithNow(nowFn func() time.Time) *Engine {
	e.nowFn = nowFn
	return e
}

// -----------------------------------------------------------------------------
// Dispatch Cycle
// -----------------------------------------------------------------------------

// RunDispatchCycle opens reminders for every eligible tracker task and sends
// the first notification. A task that already carries a live reminder is a
// no-op.
func (e *Engine) RunDispatchCycle(ctx context.Context) error {
	log := logger.FromContext(ctx)
	now := e.nowFn()
	e.redriveDeferred(ctx)
	tasks, err := e.tracker.ListEligibleTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("listing eligible tasks: %w", err)
	}
	for _, task := range tasks {
		plan := e.cfg.channelsFor(task.AssigneeID)
		if len(plan) == 0 {
			log.Warn("no channels configured for assignee", "assignee_id", task.AssigneeID)
			continue
		}
		rec, err := e.repo.Create(ctx, task.ID, task.AssigneeID, plan[0], e.cfg.MaxAttempts)
		if errors.Is(err, reminder.ErrDuplicateActive) {
			log.Debug("reminder already active for task", "task_id", task.ID)
			continue
		}
		if err != nil {
			log.Error("failed to open reminder", "task_id", task.ID, "error", err)
			continue
		}
		if err := e.dispatch(ctx, rec, task); err != nil {
			log.Error("dispatch failed",
				"task_id", task.ID,
				"token", rec.CorrelationToken,
				"error", err,
			)
		}
	}
	e.reportFailures(ctx)
	return nil
}

// redriveDeferred re-dispatches reminders parked by the working-hours gate.
// A deferred dispatch leaves its record in Pending or Escalated, and nothing
// else moves those states forward between cycles.
func (e *Engine) redriveDeferred(ctx context.Context) {
	log := logger.FromContext(ctx)
	for _, status := range []core.StatusType{core.StatusPending, core.StatusEscalated} {
		recs, err := e.repo.ListByStatus(ctx, status)
		if err != nil {
			log.Error("listing deferred reminders", "status", status, "error", err)
			continue
		}
		for _, rec := range recs {
			task, terr := e.tracker.GetTask(ctx, rec.TaskID)
			if terr != nil {
				task = nil
			}
			if err := e.dispatch(ctx, rec, task); err != nil {
				log.Error("deferred dispatch failed",
					"task_id", rec.TaskID,
					"token", rec.CorrelationToken,
					"error", err,
				)
			}
		}
	}
}

// dispatch walks the escalation plan starting at rec.Channel. The record is
// reserved to Dispatched before the blocking send so a crashed send never
// double-notifies after restart.
func (e *Engine) dispatch(ctx context.Context, rec *reminder.State, task *tracker.Task) error {
	log := logger.FromContext(ctx)
	for {
		if rec.AttemptsExhausted() {
			msg := "attempts exhausted"
			_, err := e.transition(ctx, rec, rec.Status, core.StatusFailed,
				&reminder.Patch{LastError: &msg}, msg)
			return err
		}
		ch, deferred, ok := e.selectChannel(rec)
		if deferred {
			log.Info("dispatch deferred outside working hours",
				"task_id", rec.TaskID, "token", rec.CorrelationToken)
			return nil
		}
		if !ok {
			msg := "no usable channel"
			_, err := e.transition(ctx, rec, rec.Status, core.StatusFailed,
				&reminder.Patch{LastError: &msg}, msg)
			if err != nil {
				return err
			}
			return core.NewError(nil, "NO_USABLE_CHANNEL", map[string]any{
				"task_id":     rec.TaskID,
				"assignee_id": rec.AssigneeID,
			})
		}

		attempts := rec.AttemptCount + 1
		now := e.nowFn()
		reserved, err := e.transition(ctx, rec, rec.Status, core.StatusDispatched,
			&reminder.Patch{Channel: &ch, AttemptCount: &attempts, DispatchedAt: &now},
			"dispatching via "+string(ch))
		if err != nil {
			return err
		}

		receipt, sendErr := e.adapters[ch].Send(ctx, reserved, e.buildMessage(reserved, task))
		if sendErr == nil {
			deadline := e.nowFn().Add(e.cfg.ResponseWindow)
			_, err := e.transition(ctx, reserved, core.StatusDispatched, core.StatusAwaitingResponse,
				&reminder.Patch{DeadlineAt: &deadline}, "sent, awaiting response")
			if err != nil {
				return err
			}
			log.Info("reminder dispatched",
				"task_id", reserved.TaskID,
				"token", reserved.CorrelationToken,
				"channel", ch,
				"provider_id", receipt.ProviderID,
				"attempt", attempts,
			)
			return nil
		}

		errStr := sendErr.Error()
		if !channel.IsTransient(sendErr) {
			_, terr := e.transition(ctx, reserved, core.StatusDispatched, core.StatusFailed,
				&reminder.Patch{LastError: &errStr}, "permanent send failure")
			if terr != nil {
				return terr
			}
			return core.NewError(sendErr, "SEND_FAILED", map[string]any{
				"task_id": rec.TaskID,
				"channel": string(ch),
			})
		}

		// The next channel is persisted with the escalation so a deferred
		// dispatch can resume from the right plan position later.
		patch := &reminder.Patch{LastError: &errStr}
		next, hasNext := e.nextChannel(reserved)
		if hasNext {
			patch.Channel = &next
		}
		escalated, err := e.transition(ctx, reserved, core.StatusDispatched, core.StatusEscalated,
			patch, "transient send failure")
		if err != nil {
			return err
		}
		if !hasNext {
			msg := "no channel left after transient failure"
			_, terr := e.transition(ctx, escalated, core.StatusEscalated, core.StatusFailed,
				&reminder.Patch{LastError: &msg}, msg)
			if terr != nil {
				return terr
			}
			return sendErr
		}
		rec = escalated
	}
}

// -----------------------------------------------------------------------------
// Deadline Sweep
// -----------------------------------------------------------------------------

// RunSweep escalates or settles every reminder whose response window
// elapsed. Each record is claimed with a compare-and-swap, so a response
// landing mid-sweep wins and the sweep backs off that record.
func (e *Engine) RunSweep(ctx context.Context, now time.Time) error {
	log := logger.FromContext(ctx)
	expired, err := e.repo.ListExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("listing expired reminders: %w", err)
	}
	for _, rec := range expired {
		task, terr := e.tracker.GetTask(ctx, rec.TaskID)
		if terr != nil {
			log.Warn("could not refresh task before escalation",
				"task_id", rec.TaskID, "error", terr)
			task = nil
		}
		if task != nil && task.Closed() {
			// Closed directly in the tracker: settle without write-back.
			outcome := core.OutcomeDone
			_, _ = e.transition(ctx, rec, core.StatusAwaitingResponse, core.StatusResolved,
				&reminder.Patch{ResolvedStatus: &outcome}, "task closed in tracker")
			continue
		}
		if rec.AttemptsExhausted() {
			_, _ = e.transition(ctx, rec, core.StatusAwaitingResponse, core.StatusTimedOut,
				nil, "response window expired, attempts exhausted")
			continue
		}
		var patch *reminder.Patch
		next, hasNext := e.nextChannel(rec)
		if hasNext {
			patch = &reminder.Patch{Channel: &next}
		}
		escalated, err := e.transition(ctx, rec, core.StatusAwaitingResponse, core.StatusEscalated,
			patch, "response window expired")
		if err != nil {
			// Lost the race to an inbound response.
			continue
		}
		if !hasNext {
			msg := "no channel left to escalate to"
			_, _ = e.transition(ctx, escalated, core.StatusEscalated, core.StatusFailed,
				&reminder.Patch{LastError: &msg}, msg)
			continue
		}
		if err := e.dispatch(ctx, escalated, task); err != nil {
			log.Error("escalation dispatch failed",
				"task_id", escalated.TaskID,
				"token", escalated.CorrelationToken,
				"error", err,
			)
		}
	}
	e.reportFailures(ctx)
	return nil
}

// -----------------------------------------------------------------------------
// Resolution
// -----------------------------------------------------------------------------

// Resolve settles a reminder from an inbound response: normalize, write the
// tracker status back, then claim the record. The tracker update is
// set-if-different, so a racing duplicate delivery cannot double-apply.
func (e *Engine) Resolve(ctx context.Context, token core.ID, in normalizer.Input) (core.Outcome, error) {
	log := logger.FromContext(ctx)
	rec, err := e.repo.GetByToken(ctx, token)
	if err != nil {
		return "", err
	}
	if rec.Status != core.StatusAwaitingResponse {
		return "", reminder.ErrStaleTransition
	}
	outcome := e.norm.Normalize(ctx, in)
	raw := in.Text
	if in.Kind == normalizer.KindButtonAction {
		raw = in.ActionID
	}
	if !outcome.Actionable() {
		// The record keeps waiting; the next recognizable reply still counts.
		log.Info("unrecognized response, reminder stays open",
			"task_id", rec.TaskID, "token", token, "raw", raw)
		return core.OutcomeUnrecognized, nil
	}

	if err := e.writeBack(ctx, rec, outcome, raw); err != nil {
		errStr := err.Error()
		if _, terr := e.transition(ctx, rec, core.StatusAwaitingResponse, core.StatusFailed,
			&reminder.Patch{RawResponse: &raw, LastError: &errStr},
			"tracker write-back failed"); terr != nil {
			return outcome, terr
		}
		return outcome, core.NewError(err, "WRITE_BACK_FAILED", map[string]any{
			"task_id": rec.TaskID,
		})
	}

	if _, err := e.transition(ctx, rec, core.StatusAwaitingResponse, core.StatusResolved,
		&reminder.Patch{RawResponse: &raw, ResolvedStatus: &outcome},
		"resolved by assignee response"); err != nil {
		return outcome, err
	}
	log.Info("reminder resolved",
		"task_id", rec.TaskID, "token", token, "outcome", outcome)
	return outcome, nil
}

// writeBack pushes the outcome into the tracker with bounded exponential
// backoff.
func (e *Engine) writeBack(ctx context.Context, rec *reminder.State, outcome core.Outcome, raw string) error {
	status, ok := e.cfg.StatusMapping[outcome]
	if !ok {
		return fmt.Errorf("no tracker status mapped for outcome %s", outcome)
	}
	comment := fmt.Sprintf("taskping: assignee replied %q via %s", raw, rec.Channel)
	backoff := retry.WithMaxRetries(e.cfg.WriteBackRetries, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.tracker.UpdateStatus(ctx, rec.TaskID, status, comment); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

// Prune drops terminal records older than the retention window.
func (e *Engine) Prune(ctx context.Context, retention time.Duration) (int, error) {
	pruned, err := e.repo.PruneSettled(ctx, e.nowFn().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning settled reminders: %w", err)
	}
	if pruned > 0 {
		logger.FromContext(ctx).Info("pruned settled reminders", "count", pruned)
	}
	return pruned, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// selectChannel finds the first usable channel at or after rec.Channel in
// the assignee's plan. deferred means the only remaining candidate is
// gated by working hours right now and the dispatch should wait.
func (e *Engine) selectChannel(rec *reminder.State) (core.ChannelType, bool, bool) {
	plan := e.cfg.channelsFor(rec.AssigneeID)
	idx := channelIndex(plan, rec.Channel)
	if idx < 0 {
		idx = 0
	}
	for _, ch := range plan[idx:] {
		ad, ok := e.adapters[ch]
		if !ok || !ad.Usable(rec.AssigneeID) {
			continue
		}
		if channel.Intrusive(ch) && !e.cfg.Hours.Open(e.nowFn()) {
			return "", true, false
		}
		return ch, false, true
	}
	return "", false, false
}

// nextChannel returns the plan entry after rec.Channel.
func (e *Engine) nextChannel(rec *reminder.State) (core.ChannelType, bool) {
	plan := e.cfg.channelsFor(rec.AssigneeID)
	idx := channelIndex(plan, rec.Channel)
	if idx < 0 || idx+1 >= len(plan) {
		return "", false
	}
	return plan[idx+1], true
}

func (e *Engine) buildMessage(rec *reminder.State, task *tracker.Task) channel.Message {
	name := rec.TaskID
	body := fmt.Sprintf("Task %s is due. What is its status?", rec.TaskID)
	if task != nil {
		name = task.Name
		body = fmt.Sprintf("Task %q is due. What is its status?", task.Name)
		if task.URL != "" {
			body += "\n" + task.URL
		}
	}
	return channel.Message{
		Subject: "Reminder: " + name,
		Body:    body,
		Actions: []channel.Action{
			{ID: "done", Label: "Done"},
			{ID: "in_progress", Label: "In progress"},
			{ID: "blocked", Label: "Blocked"},
		},
		Token: rec.CorrelationToken,
	}
}

// transition applies one CAS move and records it in the audit log.
func (e *Engine) transition(
	ctx context.Context,
	rec *reminder.State,
	from, to core.StatusType,
	patch *reminder.Patch,
	reason string,
) (*reminder.State, error) {
	updated, err := e.repo.Transition(ctx, rec.CorrelationToken, from, to, patch)
	if err != nil {
		if errors.Is(err, reminder.ErrStaleTransition) {
			logger.FromContext(ctx).Debug("lost transition race",
				"token", rec.CorrelationToken, "from", from, "to", to)
		}
		return nil, err
	}
	if aerr := e.audit.Record(ctx, audit.Entry{
		Timestamp: e.nowFn(),
		Token:     rec.CorrelationToken,
		TaskID:    rec.TaskID,
		From:      from,
		To:        to,
		Reason:    reason,
	}); aerr != nil {
		logger.FromContext(ctx).Warn("audit record failed", "error", aerr)
	}
	return updated, nil
}

// reportFailures surfaces records stuck in Failed so an operator can act.
// Each record is reported once; records pruned by retention drop out of the
// seen set so it cannot grow unbounded.
func (e *Engine) reportFailures(ctx context.Context) {
	failed, err := e.repo.ListByStatus(ctx, core.StatusFailed)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	current := make(map[core.ID]struct{}, len(failed))
	fresh := make([]string, 0, len(failed))
	for _, rec := range failed {
		current[rec.CorrelationToken] = struct{}{}
		if _, seen := e.reported[rec.CorrelationToken]; !seen {
			fresh = append(fresh, rec.TaskID)
		}
	}
	e.reported = current
	if len(fresh) == 0 {
		return
	}
	logger.FromContext(ctx).Warn("reminders entered failed state",
		"count", len(fresh), "task_ids", fresh)
}
