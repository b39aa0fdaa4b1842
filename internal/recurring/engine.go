// Package recurring owns recurring task templates: their schedules, the
// tasks they spawn, and the run history behind them.
package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawcontrol/internal/bus"
	clawotel "github.com/basket/clawcontrol/internal/otel"
	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/schedule"
)

// ErrNotFound mirrors the store sentinel for callers of this package.
var ErrNotFound = persistence.ErrNotFound

// MutationHook runs after a template mutation commits. The mirror uses
// it to dispatch a push; deletedJobIDs carries correlation ids removed
// by a delete so the matching remote jobs get dropped.
type MutationHook func(deletedJobIDs []string)

type Engine struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *clawotel.Metrics

	afterMutation MutationHook // may be nil
}

func NewEngine(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, metrics *clawotel.Metrics) *Engine {
	if metrics == nil {
		metrics = clawotel.NopMetrics()
	}
	return &Engine{store: store, bus: eventBus, logger: logger, metrics: metrics}
}

// SetMutationHook installs the post-commit hook. Called once at wiring
// time, before any traffic.
func (e *Engine) SetMutationHook(hook MutationHook) {
	e.afterMutation = hook
}

func (e *Engine) mutated(deletedJobIDs []string) {
	if e.afterMutation != nil {
		e.afterMutation(deletedJobIDs)
	}
}

// computeNextRun recalculates next_run_at from the current wall clock,
// logging when the schedule shape forced the next-day fallback.
func (e *Engine) computeNextRun(r *persistence.RecurringTask, now time.Time) {
	next, fellBack := schedule.NextRun(r.ScheduleType, r.ScheduleValue, r.ScheduleTime, now)
	if fellBack {
		e.logger.Warn("schedule parse fallback",
			"recurring_id", r.ID, "schedule_type", r.ScheduleType,
			"schedule_value", r.ScheduleValue, "next_run_at", next)
	}
	r.NextRunAt = &next
}

type CreateInput struct {
	Title         string
	Description   string
	Priority      string
	Tags          []string
	AssigneeID    string
	ScheduleType  string
	ScheduleValue string
	ScheduleTime  string
	RemoteJobID   string
	RemoteSource  string
	// NextRunAt overrides the local computation when the remote side
	// already knows the next fire instant.
	NextRunAt *time.Time
	LastRunAt *time.Time
	IsActive  *bool
}

func (e *Engine) Create(ctx context.Context, in CreateInput) (*persistence.RecurringTask, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	switch in.ScheduleType {
	case schedule.KindDaily, schedule.KindWeekly, schedule.KindHourly, schedule.KindCron:
	default:
		return nil, fmt.Errorf("unknown schedule type %q", in.ScheduleType)
	}
	if in.Priority == "" {
		in.Priority = "NORMAL"
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	rec := &persistence.RecurringTask{
		Title:         in.Title,
		Description:   in.Description,
		Priority:      in.Priority,
		Tags:          in.Tags,
		AssigneeID:    in.AssigneeID,
		ScheduleType:  in.ScheduleType,
		ScheduleValue: in.ScheduleValue,
		ScheduleTime:  in.ScheduleTime,
		IsActive:      active,
		LastRunAt:     in.LastRunAt,
		NextRunAt:     in.NextRunAt,
		RemoteJobID:   in.RemoteJobID,
		RemoteSource:  in.RemoteSource,
	}
	if rec.NextRunAt == nil {
		e.computeNextRun(rec, time.Now())
	}

	log := &persistence.ActivityLogEntry{
		ActivityType: persistence.LogRecurringCreated,
		Description:  in.Title,
	}
	if err := e.store.InsertRecurring(ctx, rec, log); err != nil {
		return nil, err
	}

	e.bus.Publish(bus.TopicRecurringCreated, bus.RecurringEvent{RecurringID: rec.ID, Title: rec.Title})
	e.mutated(nil)
	return rec, nil
}

// UpdatePatch carries optional template updates. Nil means "leave as is".
type UpdatePatch struct {
	Title         *string
	Description   *string
	Priority      *string
	Tags          *[]string
	AssigneeID    *string
	ScheduleType  *string
	ScheduleValue *string
	ScheduleTime  *string
	IsActive      *bool
}

// Update applies a patch. Any schedule-field change recomputes
// next_run_at from the current wall clock. Deactivation retracts the
// template's still-open spawned tasks, in the same commit as the field
// edits carried by the patch.
func (e *Engine) Update(ctx context.Context, id string, patch UpdatePatch) (*persistence.RecurringTask, []string, error) {
	rec, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	wasActive := rec.IsActive

	scheduleChanged := false
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Priority != nil {
		rec.Priority = *patch.Priority
	}
	if patch.Tags != nil {
		rec.Tags = *patch.Tags
	}
	if patch.AssigneeID != nil {
		rec.AssigneeID = *patch.AssigneeID
	}
	if patch.ScheduleType != nil && *patch.ScheduleType != rec.ScheduleType {
		switch *patch.ScheduleType {
		case schedule.KindDaily, schedule.KindWeekly, schedule.KindHourly, schedule.KindCron:
		default:
			return nil, nil, fmt.Errorf("unknown schedule type %q", *patch.ScheduleType)
		}
		rec.ScheduleType = *patch.ScheduleType
		scheduleChanged = true
	}
	if patch.ScheduleValue != nil && *patch.ScheduleValue != rec.ScheduleValue {
		rec.ScheduleValue = *patch.ScheduleValue
		scheduleChanged = true
	}
	if patch.ScheduleTime != nil && *patch.ScheduleTime != rec.ScheduleTime {
		rec.ScheduleTime = *patch.ScheduleTime
		scheduleChanged = true
	}
	if patch.IsActive != nil {
		rec.IsActive = *patch.IsActive
	}
	if scheduleChanged {
		e.computeNextRun(rec, time.Now())
	}

	if wasActive && !rec.IsActive {
		deletedTasks, err := e.store.UpdateRecurringAndRetract(ctx, *rec)
		if err != nil {
			return nil, nil, err
		}
		for _, taskID := range deletedTasks {
			e.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: taskID})
		}
		e.bus.Publish(bus.TopicRecurringUpdated, bus.RecurringEvent{RecurringID: rec.ID, Title: rec.Title})
		e.logger.Info("recurring task deactivated", "recurring_id", id, "retracted_tasks", len(deletedTasks))
		e.mutated(nil)
		return rec, deletedTasks, nil
	}

	if err := e.store.UpdateRecurring(ctx, *rec); err != nil {
		return nil, nil, err
	}
	e.bus.Publish(bus.TopicRecurringUpdated, bus.RecurringEvent{RecurringID: rec.ID, Title: rec.Title})
	e.mutated(nil)
	return rec, nil, nil
}

// Trigger spawns one task from the template, records the run, and
// advances the template's bookkeeping, all in one commit. Concurrent
// triggers are not deduplicated here; the scheduler serializes them.
func (e *Engine) Trigger(ctx context.Context, id string) (*persistence.Task, error) {
	rec, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	status := persistence.TaskStatusInbox
	if rec.AssigneeID != "" {
		status = persistence.TaskStatusAssigned
	}
	spawned := &persistence.Task{
		Title:       rec.Title,
		Description: rec.Description,
		Status:      status,
		Priority:    rec.Priority,
		Tags:        rec.Tags,
		AssigneeID:  rec.AssigneeID,
	}

	ranAt := now.UTC()
	rec.LastRunAt = &ranAt
	rec.RunCount++
	e.computeNextRun(rec, now)

	log := &persistence.ActivityLogEntry{
		ActivityType: persistence.LogRecurringRun,
		AgentID:      rec.AssigneeID,
		Description:  rec.Title,
	}
	if err := e.store.ApplyTrigger(ctx, *rec, spawned, ranAt, log); err != nil {
		return nil, err
	}
	log.TaskID = spawned.ID

	e.metrics.TasksSpawned.Add(ctx, 1, metric.WithAttributes(clawotel.AttrRecurringID.String(rec.ID)))
	e.bus.Publish(bus.TopicRecurringRun, bus.RecurringRunEvent{RecurringID: rec.ID, TaskID: spawned.ID})
	e.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: spawned.ID, Title: spawned.Title, Status: string(spawned.Status)})
	e.logger.Info("recurring task triggered",
		"recurring_id", rec.ID, "task_id", spawned.ID,
		"run_count", rec.RunCount, "next_run_at", rec.NextRunAt)
	e.mutated(nil)
	return spawned, nil
}

// SetActive toggles the template. Deactivation retracts still-open
// spawned tasks along with their run rows; completed work survives.
// Returns the ids of the retracted tasks.
func (e *Engine) SetActive(ctx context.Context, id string, active bool) ([]string, error) {
	rec, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return nil, err
	}
	if active {
		if !rec.IsActive {
			rec.IsActive = true
			// Reactivation needs a fresh fire instant.
			e.computeNextRun(rec, time.Now())
			if err := e.store.UpdateRecurring(ctx, *rec); err != nil {
				return nil, err
			}
			e.bus.Publish(bus.TopicRecurringUpdated, bus.RecurringEvent{RecurringID: rec.ID, Title: rec.Title})
			e.mutated(nil)
		}
		return nil, nil
	}

	deletedTasks, err := e.store.RetractSpawned(ctx, id, false, nil)
	if err != nil {
		return nil, err
	}
	for _, taskID := range deletedTasks {
		e.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: taskID})
	}
	e.bus.Publish(bus.TopicRecurringUpdated, bus.RecurringEvent{RecurringID: rec.ID, Title: rec.Title})
	e.logger.Info("recurring task deactivated", "recurring_id", id, "retracted_tasks", len(deletedTasks))
	e.mutated(nil)
	return deletedTasks, nil
}

// Delete removes the template, its run history, and its still-open
// spawned tasks. The template's correlation id is handed to the mutation
// hook so the mirror can drop the matching remote job.
func (e *Engine) Delete(ctx context.Context, id string) error {
	rec, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return err
	}
	log := &persistence.ActivityLogEntry{
		ActivityType: persistence.LogRecurringDeleted,
		Description:  rec.Title,
	}
	deletedTasks, err := e.store.RetractSpawned(ctx, id, true, log)
	if err != nil {
		return err
	}

	for _, taskID := range deletedTasks {
		e.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: taskID})
	}
	e.bus.Publish(bus.TopicRecurringDeleted, bus.RecurringEvent{RecurringID: rec.ID, Title: rec.Title})

	var deletedJobs []string
	if rec.RemoteJobID != "" {
		deletedJobs = []string{rec.RemoteJobID}
	}
	e.logger.Info("recurring task deleted",
		"recurring_id", id, "retracted_tasks", len(deletedTasks), "remote_job_id", rec.RemoteJobID)
	e.mutated(deletedJobs)
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (*persistence.RecurringTask, error) {
	return e.store.GetRecurring(ctx, id)
}

func (e *Engine) List(ctx context.Context) ([]persistence.RecurringTask, error) {
	return e.store.ListRecurring(ctx)
}

func (e *Engine) Runs(ctx context.Context, id string) ([]persistence.RecurringRun, error) {
	if _, err := e.store.GetRecurring(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, id)
}

// Describe returns the human-readable schedule for presentation.
func (e *Engine) Describe(r persistence.RecurringTask) string {
	return schedule.Describe(r.ScheduleType, r.ScheduleValue, r.ScheduleTime)
}
