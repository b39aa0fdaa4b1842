package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/clawcontrol/internal/persistence"
)

func insertTemplate(t *testing.T, store *persistence.Store, r *persistence.RecurringTask) {
	t.Helper()
	if err := store.InsertRecurring(context.Background(), r, nil); err != nil {
		t.Fatalf("insert recurring: %v", err)
	}
}

func TestRecurring_InsertAndLookup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	next := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	rec := &persistence.RecurringTask{
		Title:        "Daily standup notes",
		Priority:     "NORMAL",
		Tags:         []string{"openclaw", "ocid:abc123"},
		AssigneeID:   "scribe",
		ScheduleType: "daily",
		ScheduleTime: "09:00",
		IsActive:     true,
		NextRunAt:    &next,
		RemoteJobID:  "abc123",
		RemoteSource: "hub",
	}
	insertTemplate(t, store, rec)

	byID, err := store.GetRecurring(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if byID.RemoteJobID != "abc123" || byID.RemoteSource != "hub" {
		t.Fatalf("correlation fields lost: %+v", byID)
	}
	if byID.NextRunAt == nil || !byID.NextRunAt.Equal(next) {
		t.Fatalf("next_run_at mismatch: %v", byID.NextRunAt)
	}

	byJob, err := store.GetRecurringByRemoteJob(ctx, "abc123")
	if err != nil {
		t.Fatalf("get by remote job: %v", err)
	}
	if byJob.ID != rec.ID {
		t.Fatalf("remote job lookup returned wrong row: %s", byJob.ID)
	}

	byTitle, err := store.GetRecurringByTitle(ctx, "Daily standup notes")
	if err != nil {
		t.Fatalf("get by title: %v", err)
	}
	if byTitle.ID != rec.ID {
		t.Fatalf("title lookup returned wrong row: %s", byTitle.ID)
	}

	if _, err := store.GetRecurringByRemoteJob(ctx, ""); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("empty correlation id must not match: %v", err)
	}
}

func TestRecurring_RemoteJobIDUnique(t *testing.T) {
	store, _ := openTestStore(t)

	insertTemplate(t, store, &persistence.RecurringTask{
		Title: "a", Priority: "NORMAL", ScheduleType: "daily", IsActive: true, RemoteJobID: "dup",
	})
	err := store.InsertRecurring(context.Background(), &persistence.RecurringTask{
		Title: "b", Priority: "NORMAL", ScheduleType: "daily", IsActive: true, RemoteJobID: "dup",
	}, nil)
	if err == nil {
		t.Fatal("duplicate remote_job_id must be rejected")
	}

	// Blank correlation ids do not collide.
	insertTemplate(t, store, &persistence.RecurringTask{
		Title: "c", Priority: "NORMAL", ScheduleType: "daily", IsActive: true,
	})
	insertTemplate(t, store, &persistence.RecurringTask{
		Title: "d", Priority: "NORMAL", ScheduleType: "daily", IsActive: true,
	})
}

func TestRecurring_ListDue(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	insertTemplate(t, store, &persistence.RecurringTask{
		Title: "due", Priority: "NORMAL", ScheduleType: "hourly", ScheduleValue: "1",
		IsActive: true, NextRunAt: &past,
	})
	insertTemplate(t, store, &persistence.RecurringTask{
		Title: "later", Priority: "NORMAL", ScheduleType: "hourly", ScheduleValue: "1",
		IsActive: true, NextRunAt: &future,
	})
	insertTemplate(t, store, &persistence.RecurringTask{
		Title: "paused", Priority: "NORMAL", ScheduleType: "hourly", ScheduleValue: "1",
		IsActive: false, NextRunAt: &past,
	})

	due, err := store.ListDueRecurring(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].Title != "due" {
		t.Fatalf("expected only the due active template, got %+v", due)
	}
}

func TestRecurring_ApplyTriggerCommitsAllRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(24 * time.Hour)

	rec := &persistence.RecurringTask{
		Title: "Nightly digest", Priority: "NORMAL", ScheduleType: "daily",
		ScheduleTime: "09:00", IsActive: true, AssigneeID: "scribe",
		Tags: []string{"digest"},
	}
	insertTemplate(t, store, rec)

	rec.LastRunAt = &now
	rec.NextRunAt = &next
	rec.RunCount = 1
	spawned := &persistence.Task{
		Title: rec.Title, Status: persistence.TaskStatusAssigned,
		Priority: rec.Priority, Tags: rec.Tags, AssigneeID: rec.AssigneeID,
	}
	if err := store.ApplyTrigger(ctx, *rec, spawned, now, &persistence.ActivityLogEntry{
		ActivityType: persistence.LogRecurringRun, TaskID: spawned.ID,
	}); err != nil {
		t.Fatalf("apply trigger: %v", err)
	}

	task, err := store.GetTask(ctx, spawned.ID)
	if err != nil {
		t.Fatalf("spawned task: %v", err)
	}
	if task.Status != persistence.TaskStatusAssigned || task.AssigneeID != "scribe" {
		t.Fatalf("spawned task mismatch: %+v", task)
	}

	runs, err := store.ListRuns(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != spawned.ID || runs[0].Outcome != "success" {
		t.Fatalf("run row mismatch: %+v", runs)
	}

	got, err := store.GetRecurring(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if got.RunCount != 1 || got.LastRunAt == nil || got.NextRunAt == nil {
		t.Fatalf("bookkeeping not advanced: %+v", got)
	}
}

func TestRecurring_RetractSpawnedKeepsDoneWork(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &persistence.RecurringTask{
		Title: "Cleanup", Priority: "NORMAL", ScheduleType: "hourly",
		ScheduleValue: "1", IsActive: true, AssigneeID: "ops",
	}
	insertTemplate(t, store, rec)

	// One finished spawn, one still open.
	doneTask := &persistence.Task{Title: "Cleanup", Status: persistence.TaskStatusDone, Priority: "NORMAL", AssigneeID: "ops"}
	if err := store.ApplyTrigger(ctx, *rec, doneTask, now, nil); err != nil {
		t.Fatalf("trigger 1: %v", err)
	}
	openTask := &persistence.Task{Title: "Cleanup", Status: persistence.TaskStatusAssigned, Priority: "NORMAL", AssigneeID: "ops"}
	if err := store.ApplyTrigger(ctx, *rec, openTask, now, nil); err != nil {
		t.Fatalf("trigger 2: %v", err)
	}

	deleted, err := store.RetractSpawned(ctx, rec.ID, false, nil)
	if err != nil {
		t.Fatalf("retract: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != openTask.ID {
		t.Fatalf("expected only the open task retracted, got %v", deleted)
	}

	if _, err := store.GetTask(ctx, doneTask.ID); err != nil {
		t.Fatalf("done task must survive: %v", err)
	}
	if _, err := store.GetTask(ctx, openTask.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("open task should be gone: %v", err)
	}

	got, err := store.GetRecurring(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if got.IsActive {
		t.Fatal("template should be deactivated")
	}

	runs, err := store.ListRuns(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != doneTask.ID {
		t.Fatalf("only the done run should remain, got %+v", runs)
	}
}

func TestRecurring_DeleteRemovesTemplateAndHistory(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &persistence.RecurringTask{
		Title: "Sync report", Priority: "NORMAL", ScheduleType: "cron",
		ScheduleValue: "0 9 * * *", IsActive: true, RemoteJobID: "job-9",
	}
	insertTemplate(t, store, rec)

	spawned := &persistence.Task{Title: "Sync report", Status: persistence.TaskStatusInbox, Priority: "NORMAL"}
	if err := store.ApplyTrigger(ctx, *rec, spawned, now, nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	deleted, err := store.RetractSpawned(ctx, rec.ID, true, nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != spawned.ID {
		t.Fatalf("expected spawned task retracted, got %v", deleted)
	}

	if _, err := store.GetRecurring(ctx, rec.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("template should be gone: %v", err)
	}
	runs, err := store.ListRuns(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("run history should be gone, got %+v", runs)
	}
}
