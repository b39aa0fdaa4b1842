package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawcontrol/internal/bus"
	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/workflow"
)

type fakeNotifier struct {
	mu        sync.Mutex
	assigned  []string // task ids
	reviewed  []string // reviewer ids notified
	rejected  []string // feedback texts
	completed []string // task ids
}

func (f *fakeNotifier) TaskAssigned(t persistence.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, t.ID)
}

func (f *fakeNotifier) ReviewRequested(t persistence.Task, submittedBy string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewed = append(f.reviewed, t.Reviewer)
}

func (f *fakeNotifier) TaskRejected(t persistence.Task, feedback, rejectedBy string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, feedback)
}

func (f *fakeNotifier) TaskCompleted(t persistence.Task, leadID, completedBy string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, t.ID)
}

func newService(t *testing.T, rules map[string]string) (*workflow.Service, *fakeNotifier, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawcontrol.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.New()
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lead := func(context.Context) string { return "main" }
	svc := workflow.NewService(store, eventBus, notifier, logger, lead, rules, nil, nil)
	return svc, notifier, eventBus
}

func waitEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func TestCreate_AssignmentRulesPickAssignee(t *testing.T) {
	svc, _, _ := newService(t, map[string]string{"Backend": "dev"})
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "API cleanup", Tags: []string{"backend"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.AssigneeID != "dev" {
		t.Fatalf("rule match should assign dev, got %q", task.AssigneeID)
	}
	if task.Status != persistence.TaskStatusAssigned {
		t.Fatalf("assigned task should start ASSIGNED, got %s", task.Status)
	}

	inbox, err := svc.Create(ctx, workflow.CreateInput{Title: "Untagged"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inbox.Status != persistence.TaskStatusInbox || inbox.AssigneeID != "" {
		t.Fatalf("unassigned task should start INBOX, got %+v", inbox)
	}
}

func TestRecordActivity_FirstAssigneeActivityStartsProgress(t *testing.T) {
	svc, _, eventBus := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicStatusChanged)
	defer eventBus.Unsubscribe(sub)

	_, got, err := svc.RecordActivity(ctx, task.ID, "dev", "starting on the migration")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("first assignee activity should start progress, got %s", got.Status)
	}

	ev := waitEvent(t, sub)
	change := ev.Payload.(bus.StatusChangedEvent)
	if change.OldStatus != "ASSIGNED" || change.NewStatus != "IN_PROGRESS" || !change.Auto {
		t.Fatalf("unexpected status event %+v", change)
	}

	// Second plain activity: no further transition.
	_, got, err = svc.RecordActivity(ctx, task.ID, "dev", "still going")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("second activity must not transition, got %s", got.Status)
	}
}

func TestRecordActivity_NonAssigneeDoesNotStartProgress(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, got, err := svc.RecordActivity(ctx, task.ID, "ops", "looks fine to me")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if got.Status != persistence.TaskStatusAssigned {
		t.Fatalf("non-assignee activity must not transition, got %s", got.Status)
	}
}

func TestRecordActivity_CompletionKeywordSendsToReview(t *testing.T) {
	svc, notifier, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.RecordActivity(ctx, task.ID, "dev", "starting"); err != nil {
		t.Fatalf("activity: %v", err)
	}

	_, got, err := svc.RecordActivity(ctx, task.ID, "dev", "Ready for Review, see PR")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if got.Status != persistence.TaskStatusReview {
		t.Fatalf("completion keyword should move to REVIEW, got %s", got.Status)
	}
	if got.Reviewer != "main" {
		t.Fatalf("default reviewer should be the lead, got %q", got.Reviewer)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.reviewed) != 1 || notifier.reviewed[0] != "main" {
		t.Fatalf("reviewer should be notified, got %v", notifier.reviewed)
	}
}

func TestRecordActivity_KeywordIgnoredOutsideProgress(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	// INBOX task, author is nobody's assignee.
	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, got, err := svc.RecordActivity(ctx, task.ID, "dev", "done thinking about it")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if got.Status != persistence.TaskStatusInbox {
		t.Fatalf("keyword outside IN_PROGRESS must not transition, got %s", got.Status)
	}
}

func TestApprove_OnlyFromReview(t *testing.T) {
	svc, notifier, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Approve(ctx, task.ID, "main"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("approve outside REVIEW: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := svc.SendToReview(ctx, task.ID, "", "dev"); err != nil {
		t.Fatalf("send to review: %v", err)
	}
	got, err := svc.Approve(ctx, task.ID, "main")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != persistence.TaskStatusDone || got.Reviewer != "" {
		t.Fatalf("approve should finish and clear reviewer, got %+v", got)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.completed) != 1 {
		t.Fatalf("lead should be notified of completion, got %v", notifier.completed)
	}
}

func TestReject_RecordsLeadFeedbackComment(t *testing.T) {
	svc, notifier, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Reject(ctx, task.ID, "nope", "main"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("reject outside REVIEW: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := svc.SendToReview(ctx, task.ID, "main", "dev"); err != nil {
		t.Fatalf("send to review: %v", err)
	}
	got, err := svc.Reject(ctx, task.ID, "tests are missing", "main")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress || got.Reviewer != "" {
		t.Fatalf("reject should send back and clear reviewer, got %+v", got)
	}

	comments, err := svc.Comments(ctx, task.ID)
	if err != nil {
		t.Fatalf("comments: %v", err)
	}
	if len(comments) != 1 || comments[0].AgentID != "main" || comments[0].Content != "tests are missing" {
		t.Fatalf("expected lead-authored feedback comment, got %+v", comments)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.rejected) != 1 || notifier.rejected[0] != "tests are missing" {
		t.Fatalf("assignee should get the feedback, got %v", notifier.rejected)
	}
}

func TestComplete_Guards(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.Complete(ctx, task.ID, "dev")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != persistence.TaskStatusReview {
		t.Fatalf("complete should send to review, got %s", got.Status)
	}

	if _, err := svc.Complete(ctx, task.ID, "dev"); !errors.Is(err, workflow.ErrAlreadyInReview) {
		t.Fatalf("expected ErrAlreadyInReview, got %v", err)
	}

	if _, err := svc.Approve(ctx, task.ID, "main"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.Complete(ctx, task.ID, "dev"); !errors.Is(err, workflow.ErrAlreadyDone) {
		t.Fatalf("expected ErrAlreadyDone, got %v", err)
	}
}

func TestUpdate_AssigneePromotesInbox(t *testing.T) {
	svc, notifier, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.Assign(ctx, task.ID, "dev")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != persistence.TaskStatusAssigned || got.AssigneeID != "dev" {
		t.Fatalf("assign should promote INBOX, got %+v", got)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.assigned) != 1 {
		t.Fatalf("assignee should be notified, got %v", notifier.assigned)
	}
}

func TestUpdate_RejectsUnknownStatus(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bogus := persistence.TaskStatus("SHIPPED")
	if _, err := svc.Update(ctx, task.ID, workflow.UpdatePatch{Status: &bogus}); !errors.Is(err, workflow.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestDelete_MissingTaskReturnsErrNotFound(t *testing.T) {
	svc, _, _ := newService(t, nil)
	if err := svc.Delete(context.Background(), "ghost"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCustomCompletionKeywords(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawcontrol.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := workflow.NewService(store, bus.New(), &fakeNotifier{}, logger,
		func(context.Context) string { return "main" }, nil, []string{"shipit"}, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.RecordActivity(ctx, task.ID, "dev", "starting"); err != nil {
		t.Fatalf("activity: %v", err)
	}

	// The stock keyword list is replaced, not extended.
	_, got, err := svc.RecordActivity(ctx, task.ID, "dev", "all done here")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("default keywords should be inactive, got %s", got.Status)
	}

	_, got, err = svc.RecordActivity(ctx, task.ID, "dev", "SHIPIT")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if got.Status != persistence.TaskStatusReview {
		t.Fatalf("custom keyword should fire, got %s", got.Status)
	}
}

func TestUpdate_StatusDonePatchNotifiesCompletion(t *testing.T) {
	svc, notifier, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := persistence.TaskStatusDone
	if _, err := svc.Update(ctx, task.ID, workflow.UpdatePatch{Status: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}
	notifier.mu.Lock()
	completed := len(notifier.completed)
	notifier.mu.Unlock()
	if completed != 1 {
		t.Fatalf("DONE patch should notify completion once, got %d", completed)
	}

	// Patching an already-finished task again stays quiet.
	if _, err := svc.Update(ctx, task.ID, workflow.UpdatePatch{Status: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.completed) != 1 {
		t.Fatalf("repeated DONE patch must not re-notify, got %d", len(notifier.completed))
	}
}

func TestUpdate_StatusAssignedPatchRenotifiesAssignee(t *testing.T) {
	svc, notifier, _ := newService(t, nil)
	ctx := context.Background()

	task, err := svc.Create(ctx, workflow.CreateInput{Title: "t", AssigneeID: "dev"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// First assignee activity moves the task to IN_PROGRESS.
	if _, _, err := svc.RecordActivity(ctx, task.ID, "dev", "starting"); err != nil {
		t.Fatalf("record activity: %v", err)
	}

	assigned := persistence.TaskStatusAssigned
	if _, err := svc.Update(ctx, task.ID, workflow.UpdatePatch{Status: &assigned}); err != nil {
		t.Fatalf("update: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	// Once from creation, once from handing the task back to ASSIGNED.
	if len(notifier.assigned) != 2 {
		t.Fatalf("ASSIGNED status patch should ping the assignee, got %v", notifier.assigned)
	}
}
