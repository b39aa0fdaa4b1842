package recurring_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawcontrol/internal/bus"
	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/recurring"
)

func newEngine(t *testing.T) (*recurring.Engine, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawcontrol.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return recurring.NewEngine(store, bus.New(), logger, nil), store
}

func TestEngine_CreateComputesNextRun(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, recurring.CreateInput{
		Title: "Nightly digest", ScheduleType: "daily", ScheduleTime: "09:00",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.NextRunAt == nil {
		t.Fatal("next_run_at must be computed on creation")
	}
	if !rec.IsActive {
		t.Fatal("templates default to active")
	}
	if rec.NextRunAt.Before(time.Now().Add(-time.Minute)) {
		t.Fatalf("next_run_at in the past: %v", rec.NextRunAt)
	}
}

func TestEngine_CreateRejectsUnknownScheduleType(t *testing.T) {
	eng, _ := newEngine(t)
	if _, err := eng.Create(context.Background(), recurring.CreateInput{
		Title: "x", ScheduleType: "fortnightly",
	}); err == nil {
		t.Fatal("expected schedule type error")
	}
}

func TestEngine_UpdateScheduleFieldRecomputes(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, recurring.CreateInput{
		Title: "x", ScheduleType: "hourly", ScheduleValue: "1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := *rec.NextRunAt

	interval := "6"
	updated, _, err := eng.Update(ctx, rec.ID, recurring.UpdatePatch{ScheduleValue: &interval})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(before) {
		t.Fatalf("schedule change must recompute next_run_at: before=%v after=%v", before, updated.NextRunAt)
	}

	// Non-schedule patch leaves next_run_at alone.
	title := "renamed"
	after, _, err := eng.Update(ctx, rec.ID, recurring.UpdatePatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !after.NextRunAt.Equal(*updated.NextRunAt) {
		t.Fatalf("title patch must not recompute next_run_at")
	}
}

func TestEngine_TriggerSpawnsAndAdvances(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, recurring.CreateInput{
		Title: "Standup", Description: "post the notes", ScheduleType: "daily",
		ScheduleTime: "09:00", AssigneeID: "scribe", Tags: []string{"ops"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	spawned, err := eng.Trigger(ctx, rec.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if spawned.Status != persistence.TaskStatusAssigned {
		t.Fatalf("assigned template spawns ASSIGNED, got %s", spawned.Status)
	}
	if spawned.Title != "Standup" || spawned.AssigneeID != "scribe" || len(spawned.Tags) != 1 {
		t.Fatalf("template fields not copied: %+v", spawned)
	}

	got, err := eng.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 1 || got.LastRunAt == nil {
		t.Fatalf("trigger bookkeeping missing: %+v", got)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(*got.LastRunAt) {
		t.Fatalf("next_run_at not advanced: %+v", got)
	}

	runs, err := eng.Runs(ctx, rec.ID)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != spawned.ID {
		t.Fatalf("run row missing: %+v", runs)
	}

	// Unassigned templates spawn into INBOX.
	rec2, err := eng.Create(ctx, recurring.CreateInput{Title: "Sweep", ScheduleType: "hourly", ScheduleValue: "2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	spawned2, err := eng.Trigger(ctx, rec2.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if spawned2.Status != persistence.TaskStatusInbox {
		t.Fatalf("unassigned template spawns INBOX, got %s", spawned2.Status)
	}
	_ = store
}

func TestEngine_DeactivateRetractsOpenWork(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, recurring.CreateInput{
		Title: "Patrol", ScheduleType: "hourly", ScheduleValue: "1", AssigneeID: "ops",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	openTask, err := eng.Trigger(ctx, rec.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	doneTask, err := eng.Trigger(ctx, rec.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	finished := *doneTask
	finished.Status = persistence.TaskStatusDone
	if err := store.UpdateTask(ctx, finished, persistence.TaskSideEffects{}); err != nil {
		t.Fatalf("finish task: %v", err)
	}

	deleted, err := eng.SetActive(ctx, rec.ID, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != openTask.ID {
		t.Fatalf("only the open spawn should be retracted, got %v", deleted)
	}
	if _, err := store.GetTask(ctx, doneTask.ID); err != nil {
		t.Fatalf("completed work must survive: %v", err)
	}
	got, err := eng.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsActive {
		t.Fatal("template should be inactive")
	}
}

func TestEngine_ReactivateRecomputesNextRun(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, recurring.CreateInput{Title: "x", ScheduleType: "hourly", ScheduleValue: "1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.SetActive(ctx, rec.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := eng.SetActive(ctx, rec.ID, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	got, err := eng.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsActive || got.NextRunAt == nil {
		t.Fatalf("reactivation must restore an upcoming fire instant: %+v", got)
	}
}

func TestEngine_DeleteSurfacesCorrelationIDs(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()

	var hookDeleted [][]string
	eng.SetMutationHook(func(deletedJobIDs []string) {
		hookDeleted = append(hookDeleted, deletedJobIDs)
	})

	rec, err := eng.Create(ctx, recurring.CreateInput{
		Title: "Mirror job", ScheduleType: "cron", ScheduleValue: "0 9 * * *",
		RemoteJobID: "job-42", RemoteSource: "hub",
		Tags: []string{"openclaw", "ocid:job-42"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	spawned, err := eng.Trigger(ctx, rec.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if err := eng.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := eng.Get(ctx, rec.ID); !errors.Is(err, recurring.ErrNotFound) {
		t.Fatalf("template should be gone: %v", err)
	}
	if _, err := store.GetTask(ctx, spawned.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("open spawn should be gone: %v", err)
	}

	last := hookDeleted[len(hookDeleted)-1]
	if len(last) != 1 || last[0] != "job-42" {
		t.Fatalf("delete must surface the removed correlation id, got %v", last)
	}
}

func TestEngine_UpdateDeactivateKeepsFieldEdits(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, recurring.CreateInput{
		Title: "old title", ScheduleType: "hourly", ScheduleValue: "1", AssigneeID: "ops",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	openTask, err := eng.Trigger(ctx, rec.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	title := "new title"
	inactive := false
	updated, deleted, err := eng.Update(ctx, rec.ID, recurring.UpdatePatch{
		Title: &title, IsActive: &inactive,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "new title" {
		t.Fatalf("title edit dropped: got %q want %q", updated.Title, "new title")
	}
	if updated.IsActive {
		t.Fatal("template should be inactive")
	}
	if len(deleted) != 1 || deleted[0] != openTask.ID {
		t.Fatalf("open spawn should be retracted, got %v", deleted)
	}

	got, err := eng.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "new title" || got.IsActive {
		t.Fatalf("edits must land in the same commit as deactivation: %+v", got)
	}
	if _, err := store.GetTask(ctx, openTask.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("retracted spawn should be gone: %v", err)
	}
}
