package bus

// Task board event topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskUpdated   = "task.updated"
	TopicTaskDeleted   = "task.deleted"
	TopicTaskActivity  = "task.activity"
	TopicTaskReviewed  = "task.reviewed"
	TopicStatusChanged = "task.status_changed"
)

// Recurring template event topics.
const (
	TopicRecurringCreated = "recurring.created"
	TopicRecurringUpdated = "recurring.updated"
	TopicRecurringDeleted = "recurring.deleted"
	TopicRecurringRun     = "recurring.run"
)

// Board-level topics.
const (
	TopicActivityLog = "board.activity"
	TopicChatMessage = "board.chat"
	TopicAgentStatus = "agent.status"
)

// TaskEvent is published when a task is created, updated, or deleted.
type TaskEvent struct {
	TaskID string `json:"id"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// StatusChangedEvent is published when a task's status changes.
type StatusChangedEvent struct {
	TaskID    string `json:"id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	// Auto marks an activity-driven transition rather than an explicit one.
	Auto bool `json:"auto,omitempty"`
}

// TaskActivityEvent is published when an activity entry is appended.
type TaskActivityEvent struct {
	TaskID     string `json:"task_id"`
	ActivityID string `json:"activity_id"`
	AuthorID   string `json:"agent_id"`
	Message    string `json:"message"`
}

// TaskReviewedEvent is published after a review action.
type TaskReviewedEvent struct {
	TaskID string `json:"id"`
	Action string `json:"action"` // "send_to_review", "approve", or "reject"
	Status string `json:"status"`
}

// RecurringEvent is published when a recurring template changes.
type RecurringEvent struct {
	RecurringID string `json:"id"`
	Title       string `json:"title,omitempty"`
}

// RecurringRunEvent is published when a template trigger spawns a task.
type RecurringRunEvent struct {
	RecurringID string `json:"recurring_id"`
	TaskID      string `json:"task_id"`
}

// ActivityLogEvent is published for board-level audit entries.
type ActivityLogEvent struct {
	ActivityType string `json:"activity_type"`
	AgentID      string `json:"agent_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Description  string `json:"description"`
}

// ChatMessageEvent is published when a chat message is posted.
type ChatMessageEvent struct {
	MessageID string `json:"id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
}

// AgentStatusEvent is published when an agent's status changes.
type AgentStatusEvent struct {
	AgentID string `json:"id"`
	Status  string `json:"status"`
}
