package notify

import (
	"fmt"

	"github.com/basket/clawcontrol/internal/persistence"
)

func truncate(s string, max int) string {
	if s == "" {
		return "No description"
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func assignmentMessage(t persistence.Task, baseURL string) string {
	return fmt.Sprintf(`%s: %s

## Task ID: %s

## Description
%s

## Log Activity
curl -X POST %s/api/tasks/%s/activity -H "Content-Type: application/json" -d '{"agent_id": "%s", "message": "YOUR_UPDATE"}'

## When Complete
Post an activity with 'completed' or 'done' in the message - the board will auto-transition to REVIEW.`,
		t.Status, t.Title, t.ID, truncate(t.Description, 500), baseURL, t.ID, t.AssigneeID)
}

func reviewRequestMessage(t persistence.Task, submittedBy, baseURL string) string {
	if submittedBy == "" {
		submittedBy = t.AssigneeID
	}
	if submittedBy == "" {
		submittedBy = "Unknown"
	}
	return fmt.Sprintf(`📋 Task ready for review: %s

**Submitted by:** %s
**Task ID:** %s
**Description:** %s

**Review Required:** Please review this task and either approve or reject it with feedback.

View task: %s/api/tasks/%s`,
		t.Title, submittedBy, t.ID, truncate(t.Description, 300), baseURL, t.ID)
}

func rejectionMessage(t persistence.Task, feedback, rejectedBy, baseURL string) string {
	if rejectedBy == "" {
		rejectedBy = "Reviewer"
	}
	if feedback == "" {
		feedback = "No feedback provided"
	}
	return fmt.Sprintf(`🔄 Task sent back for changes: %s

**Rejected by:** %s
**Task ID:** %s
**Feedback:** %s

Please address the feedback and resubmit when ready.

**Log activity:**
curl -X POST %s/api/tasks/%s/activity -H "Content-Type: application/json" -d '{"agent_id": "%s", "message": "YOUR_UPDATE"}'`,
		t.Title, rejectedBy, t.ID, feedback, baseURL, t.ID, t.AssigneeID)
}

func completionMessage(t persistence.Task, completedBy, baseURL string) string {
	if completedBy == "" {
		completedBy = t.AssigneeID
	}
	if completedBy == "" {
		completedBy = "Unknown"
	}
	return fmt.Sprintf(`✅ Task completed: %s

**Completed by:** %s
**Task ID:** %s
**Description:** %s

View board: %s`,
		t.Title, completedBy, t.ID, truncate(t.Description, 300), baseURL)
}
