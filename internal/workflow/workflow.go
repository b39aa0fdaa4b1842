// Package workflow owns the review lifecycle of tasks. Status and
// reviewer move only through the operations here; anything else reads.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawcontrol/internal/bus"
	clawotel "github.com/basket/clawcontrol/internal/otel"
	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/shared"
)

var (
	// ErrNotFound is surfaced when an operation references a missing task.
	ErrNotFound = persistence.ErrNotFound
	// ErrInvalidTransition rejects a review action outside REVIEW.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyDone rejects completing a task that is already DONE.
	ErrAlreadyDone = errors.New("task already done")
	// ErrAlreadyInReview rejects completing a task already in REVIEW.
	ErrAlreadyInReview = errors.New("task already in review")
	// ErrUnknownStatus rejects a status outside the board's set.
	ErrUnknownStatus = errors.New("unknown task status")
)

// DefaultCompletionKeywords trigger the IN_PROGRESS -> REVIEW
// auto-transition when an activity message contains one of them.
var DefaultCompletionKeywords = []string{
	"completed", "done", "finished", "complete",
	"task complete", "marking done", "marking complete",
	"✅ done", "✅ complete",
	"ready for review", "awaiting review", "submitted for review",
}

// LeadResolver returns the id of the lead agent, used as the default
// reviewer and as the author of feedback comments.
type LeadResolver func(ctx context.Context) string

// AgentNotifier is the messaging collaborator. Best-effort: the service
// never checks delivery.
type AgentNotifier interface {
	TaskAssigned(t persistence.Task)
	ReviewRequested(t persistence.Task, submittedBy string)
	TaskRejected(t persistence.Task, feedback, rejectedBy string)
	TaskCompleted(t persistence.Task, leadID, completedBy string)
}

type Service struct {
	store    *persistence.Store
	bus      *bus.Bus
	notifier AgentNotifier
	logger   *slog.Logger
	lead     LeadResolver
	metrics  *clawotel.Metrics

	rules    map[string]string // lowercased tag -> agent id
	keywords []string          // lowercased completion keywords
}

func NewService(store *persistence.Store, eventBus *bus.Bus, notifier AgentNotifier, logger *slog.Logger, lead LeadResolver, assignmentRules map[string]string, completionKeywords []string, metrics *clawotel.Metrics) *Service {
	rules := make(map[string]string, len(assignmentRules))
	for tag, agentID := range assignmentRules {
		rules[strings.ToLower(strings.TrimSpace(tag))] = agentID
	}
	keywords := completionKeywords
	if len(keywords) == 0 {
		keywords = DefaultCompletionKeywords
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	if metrics == nil {
		metrics = clawotel.NopMetrics()
	}
	return &Service{
		store:    store,
		bus:      eventBus,
		notifier: notifier,
		logger:   logger,
		lead:     lead,
		metrics:  metrics,
		rules:    rules,
		keywords: lowered,
	}
}

// assigneeForTags returns the first assignment-rule match, in tag order.
func (s *Service) assigneeForTags(tags []string) string {
	for _, tag := range tags {
		if agentID, ok := s.rules[strings.ToLower(strings.TrimSpace(tag))]; ok {
			return agentID
		}
	}
	return ""
}

// matchesCompletion reports whether the case-folded message contains a
// completion keyword.
func (s *Service) matchesCompletion(message string) bool {
	folded := strings.ToLower(message)
	for _, k := range s.keywords {
		if strings.Contains(folded, k) {
			return true
		}
	}
	return false
}

type CreateInput struct {
	Title       string
	Description string
	Priority    string
	Tags        []string
	AssigneeID  string
}

// Create inserts a new task. With an assignee (explicit or via the
// assignment rules) it starts ASSIGNED, otherwise INBOX.
func (s *Service) Create(ctx context.Context, in CreateInput) (*persistence.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	if in.Priority == "" {
		in.Priority = "NORMAL"
	}
	assignee := in.AssigneeID
	if assignee == "" {
		assignee = s.assigneeForTags(in.Tags)
	}
	status := persistence.TaskStatusInbox
	if assignee != "" {
		status = persistence.TaskStatusAssigned
	}

	task := &persistence.Task{
		Title:       in.Title,
		Description: in.Description,
		Status:      status,
		Priority:    in.Priority,
		Tags:        in.Tags,
		AssigneeID:  assignee,
	}
	log := &persistence.ActivityLogEntry{
		ActivityType: persistence.LogTaskCreated,
		AgentID:      assignee,
		Description:  in.Title,
	}
	if err := s.store.InsertTask(ctx, task, log); err != nil {
		return nil, err
	}
	log.TaskID = task.ID

	s.publishTask(bus.TopicTaskCreated, *task)
	s.publishLog(*log)
	s.notifier.TaskAssigned(*task)
	s.logger.Info("task created",
		"task_id", task.ID, "status", task.Status, "assignee", task.AssigneeID,
		"trace_id", shared.TraceID(ctx))
	return task, nil
}

// UpdatePatch carries optional field updates. Nil means "leave as is".
type UpdatePatch struct {
	Title       *string
	Description *string
	Status      *persistence.TaskStatus
	Priority    *string
	Tags        *[]string
	AssigneeID  *string
	Reviewer    *string
}

// Update applies a field patch. Setting an assignee on an INBOX task
// promotes it to ASSIGNED.
func (s *Service) Update(ctx context.Context, taskID string, patch UpdatePatch) (*persistence.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	oldStatus := task.Status
	oldAssignee := task.AssigneeID

	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.Tags != nil {
		task.Tags = *patch.Tags
	}
	if patch.AssigneeID != nil {
		task.AssigneeID = *patch.AssigneeID
	}
	if patch.Reviewer != nil {
		task.Reviewer = *patch.Reviewer
	}
	if patch.Status != nil {
		if !persistence.ValidTaskStatus(*patch.Status) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStatus, *patch.Status)
		}
		task.Status = *patch.Status
	}
	if task.AssigneeID != "" && task.Status == persistence.TaskStatusInbox {
		task.Status = persistence.TaskStatusAssigned
	}

	fx := persistence.TaskSideEffects{}
	if task.Status != oldStatus {
		fx.Log = &persistence.ActivityLogEntry{
			ActivityType: persistence.LogStatusChanged,
			AgentID:      task.AssigneeID,
			TaskID:       task.ID,
			Description:  fmt.Sprintf("%s -> %s", oldStatus, task.Status),
		}
	}
	if err := s.store.UpdateTask(ctx, *task, fx); err != nil {
		return nil, err
	}

	s.publishTask(bus.TopicTaskUpdated, *task)
	if task.Status != oldStatus {
		s.publishStatusChange(*task, oldStatus, false)
		s.publishLog(*fx.Log)
	}
	statusSetTo := func(status persistence.TaskStatus) bool {
		return patch.Status != nil && *patch.Status == status
	}
	if task.AssigneeID != "" &&
		(task.AssigneeID != oldAssignee || statusSetTo(persistence.TaskStatusAssigned)) {
		s.notifier.TaskAssigned(*task)
	}
	if statusSetTo(persistence.TaskStatusDone) && oldStatus != persistence.TaskStatusDone {
		s.notifier.TaskCompleted(*task, s.lead(ctx), task.AssigneeID)
	}
	return task, nil
}

// Assign sets the assignee, promoting INBOX to ASSIGNED.
func (s *Service) Assign(ctx context.Context, taskID, agentID string) (*persistence.Task, error) {
	return s.Update(ctx, taskID, UpdatePatch{AssigneeID: &agentID})
}

// RecordActivity appends a work-log entry and evaluates the two
// auto-transition rules. At most one rule fires per call.
func (s *Service) RecordActivity(ctx context.Context, taskID, authorID, message string) (*persistence.ActivityEntry, *persistence.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	oldStatus := task.Status

	if task.Status == persistence.TaskStatusAssigned && authorID != "" && authorID == task.AssigneeID {
		prior, err := s.store.HasActivityFrom(ctx, taskID, authorID)
		if err != nil {
			return nil, nil, err
		}
		if !prior {
			task.Status = persistence.TaskStatusInProgress
		}
	}
	// Evaluated against the post-rule-1 status. The call still produces a
	// single net transition, published as oldStatus -> final.
	if task.Status == persistence.TaskStatusInProgress && s.matchesCompletion(message) {
		task.Status = persistence.TaskStatusReview
		if task.Reviewer == "" {
			task.Reviewer = s.lead(ctx)
		}
	}

	entry := &persistence.ActivityEntry{TaskID: taskID, AuthorID: authorID, Message: message}
	fx := persistence.TaskSideEffects{Activity: entry}
	if task.Status != oldStatus {
		fx.Log = &persistence.ActivityLogEntry{
			ActivityType: persistence.LogStatusChanged,
			AgentID:      authorID,
			TaskID:       taskID,
			Description:  fmt.Sprintf("%s -> %s", oldStatus, task.Status),
		}
	}
	if err := s.store.UpdateTask(ctx, *task, fx); err != nil {
		return nil, nil, err
	}

	s.bus.Publish(bus.TopicTaskActivity, bus.TaskActivityEvent{
		TaskID:     taskID,
		ActivityID: fmt.Sprintf("%d", entry.ID),
		AuthorID:   authorID,
		Message:    message,
	})
	if task.Status != oldStatus {
		s.publishStatusChange(*task, oldStatus, true)
		s.publishLog(*fx.Log)
		s.logger.Info("auto transition",
			"task_id", taskID, "from", oldStatus, "to", task.Status, "author", authorID)
	}
	if task.Status == persistence.TaskStatusReview && oldStatus != persistence.TaskStatusReview {
		s.notifier.ReviewRequested(*task, authorID)
	}
	return entry, task, nil
}

// SendToReview forces REVIEW from any status. An empty reviewer falls
// back to the lead agent.
func (s *Service) SendToReview(ctx context.Context, taskID, reviewer, submittedBy string) (*persistence.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.sendToReview(ctx, task, reviewer, submittedBy)
}

func (s *Service) sendToReview(ctx context.Context, task *persistence.Task, reviewer, submittedBy string) (*persistence.Task, error) {
	oldStatus := task.Status
	if reviewer == "" {
		reviewer = s.lead(ctx)
	}
	task.Status = persistence.TaskStatusReview
	task.Reviewer = reviewer

	fx := persistence.TaskSideEffects{
		Log: &persistence.ActivityLogEntry{
			ActivityType: persistence.LogSentToReview,
			AgentID:      submittedBy,
			TaskID:       task.ID,
			Description:  fmt.Sprintf("review requested from %s", reviewer),
		},
	}
	if err := s.store.UpdateTask(ctx, *task, fx); err != nil {
		return nil, err
	}

	s.publishReview(task.ID, "send_to_review", task.Status)
	if task.Status != oldStatus {
		s.publishStatusChange(*task, oldStatus, false)
	}
	s.publishLog(*fx.Log)
	s.notifier.ReviewRequested(*task, submittedBy)
	return task, nil
}

// Approve moves a REVIEW task to DONE and clears the reviewer.
func (s *Service) Approve(ctx context.Context, taskID, approvedBy string) (*persistence.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != persistence.TaskStatusReview {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, task.Status)
	}
	oldStatus := task.Status
	task.Status = persistence.TaskStatusDone
	task.Reviewer = ""

	fx := persistence.TaskSideEffects{
		Log: &persistence.ActivityLogEntry{
			ActivityType: persistence.LogTaskApproved,
			AgentID:      approvedBy,
			TaskID:       task.ID,
			Description:  task.Title,
		},
	}
	if err := s.store.UpdateTask(ctx, *task, fx); err != nil {
		return nil, err
	}

	s.publishReview(task.ID, "approve", task.Status)
	s.publishStatusChange(*task, oldStatus, false)
	s.publishLog(*fx.Log)
	s.notifier.TaskCompleted(*task, s.lead(ctx), task.AssigneeID)
	return task, nil
}

// Reject sends a REVIEW task back to IN_PROGRESS. Feedback becomes a
// comment authored by the lead agent.
func (s *Service) Reject(ctx context.Context, taskID, feedback, rejectedBy string) (*persistence.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != persistence.TaskStatusReview {
		return nil, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, task.Status)
	}
	oldStatus := task.Status
	task.Status = persistence.TaskStatusInProgress
	task.Reviewer = ""

	fx := persistence.TaskSideEffects{
		Log: &persistence.ActivityLogEntry{
			ActivityType: persistence.LogTaskRejected,
			AgentID:      rejectedBy,
			TaskID:       task.ID,
			Description:  task.Title,
		},
	}
	if strings.TrimSpace(feedback) != "" {
		fx.Comment = &persistence.Comment{
			TaskID:  task.ID,
			AgentID: s.lead(ctx),
			Content: feedback,
		}
	}
	if err := s.store.UpdateTask(ctx, *task, fx); err != nil {
		return nil, err
	}

	s.publishReview(task.ID, "reject", task.Status)
	s.publishStatusChange(*task, oldStatus, false)
	s.publishLog(*fx.Log)
	s.notifier.TaskRejected(*task, feedback, rejectedBy)
	return task, nil
}

// Complete is SendToReview with idempotence guards: DONE and REVIEW
// tasks are rejected instead of silently re-queued.
func (s *Service) Complete(ctx context.Context, taskID, completedBy string) (*persistence.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case persistence.TaskStatusDone:
		return nil, ErrAlreadyDone
	case persistence.TaskStatusReview:
		return nil, ErrAlreadyInReview
	}
	return s.sendToReview(ctx, task, task.Reviewer, completedBy)
}

// Delete removes the task with its activity and comments, all or nothing.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	log := &persistence.ActivityLogEntry{
		ActivityType: persistence.LogTaskDeleted,
		TaskID:       taskID,
		Description:  task.Title,
	}
	if err := s.store.DeleteTask(ctx, taskID, log); err != nil {
		return err
	}
	s.publishTask(bus.TopicTaskDeleted, *task)
	s.publishLog(*log)
	return nil
}

// AddComment appends a standalone comment to a task.
func (s *Service) AddComment(ctx context.Context, taskID, agentID, content string) (*persistence.Comment, error) {
	c := &persistence.Comment{TaskID: taskID, AgentID: agentID, Content: content}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) List(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

func (s *Service) Activity(ctx context.Context, taskID string) ([]persistence.ActivityEntry, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListActivity(ctx, taskID)
}

func (s *Service) Comments(ctx context.Context, taskID string) ([]persistence.Comment, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, taskID)
}

func (s *Service) publishTask(topic string, t persistence.Task) {
	s.bus.Publish(topic, bus.TaskEvent{TaskID: t.ID, Title: t.Title, Status: string(t.Status)})
}

func (s *Service) publishStatusChange(t persistence.Task, old persistence.TaskStatus, auto bool) {
	s.metrics.Transitions.Add(context.Background(), 1,
		metric.WithAttributes(clawotel.AttrStatus.String(string(t.Status))))
	s.bus.Publish(bus.TopicStatusChanged, bus.StatusChangedEvent{
		TaskID:    t.ID,
		OldStatus: string(old),
		NewStatus: string(t.Status),
		Auto:      auto,
	})
}

func (s *Service) publishReview(taskID, action string, status persistence.TaskStatus) {
	s.bus.Publish(bus.TopicTaskReviewed, bus.TaskReviewedEvent{
		TaskID: taskID,
		Action: action,
		Status: string(status),
	})
}

func (s *Service) publishLog(e persistence.ActivityLogEntry) {
	s.bus.Publish(bus.TopicActivityLog, bus.ActivityLogEvent{
		ActivityType: e.ActivityType,
		AgentID:      e.AgentID,
		TaskID:       e.TaskID,
		Description:  e.Description,
	})
}
