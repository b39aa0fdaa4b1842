// Package notify delivers best-effort messages to agents through the
// openclaw CLI (local, fire-and-forget) or a remote agent gateway
// (synchronous, bounded timeout). Delivery failures are logged, never
// surfaced to the operation that produced the notification.
package notify

import (
	"context"
	"log/slog"
	"os"
	"os/exec"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawcontrol/internal/config"
	clawotel "github.com/basket/clawcontrol/internal/otel"
	"github.com/basket/clawcontrol/internal/persistence"
)

// Dispatcher hands a message to a local agent. Swapped out in tests.
type Dispatcher func(agentID, message string) error

type Notifier struct {
	logger   *slog.Logger
	remotes  []config.RemoteEntry
	baseURL  string
	dispatch Dispatcher
	metrics  *clawotel.Metrics
}

func New(logger *slog.Logger, remotes []config.RemoteEntry, baseURL string, metrics *clawotel.Metrics) *Notifier {
	if metrics == nil {
		metrics = clawotel.NopMetrics()
	}
	n := &Notifier{
		logger:  logger,
		remotes: remotes,
		baseURL: baseURL,
		metrics: metrics,
	}
	n.dispatch = n.dispatchCLI
	return n
}

// SetDispatcher overrides local delivery. Test hook.
func (n *Notifier) SetDispatcher(d Dispatcher) {
	n.dispatch = d
}

func (n *Notifier) dispatchCLI(agentID, message string) error {
	cmd := exec.Command("openclaw", "agent", "--agent", agentID, "--message", message)
	home, err := os.UserHomeDir()
	if err == nil {
		cmd.Dir = home
	}
	return cmd.Start()
}

// send delivers asynchronously and swallows failures.
func (n *Notifier) send(agentID, message, kind, taskID string) {
	if agentID == "" {
		return
	}
	go func() {
		if err := n.dispatch(agentID, message); err != nil {
			n.metrics.NotifyFailures.Add(context.Background(), 1,
				metric.WithAttributes(clawotel.AttrAgentID.String(agentID)))
			n.logger.Warn("notification delivery failed",
				"kind", kind, "agent_id", agentID, "task_id", taskID, "error", err)
			return
		}
		n.logger.Debug("notification dispatched", "kind", kind, "agent_id", agentID, "task_id", taskID)
	}()
}

// TaskAssigned tells the assignee about newly assigned work. Only fires
// while the task is ASSIGNED or IN_PROGRESS.
func (n *Notifier) TaskAssigned(t persistence.Task) {
	if t.AssigneeID == "" {
		return
	}
	if t.Status != persistence.TaskStatusAssigned && t.Status != persistence.TaskStatusInProgress {
		return
	}
	n.send(t.AssigneeID, assignmentMessage(t, n.baseURL), "assignment", t.ID)
}

// ReviewRequested tells the reviewer a task is waiting on them.
func (n *Notifier) ReviewRequested(t persistence.Task, submittedBy string) {
	reviewer := t.Reviewer
	if reviewer == "" {
		reviewer = "main"
	}
	n.send(reviewer, reviewRequestMessage(t, submittedBy, n.baseURL), "review_request", t.ID)
}

// TaskRejected tells the assignee their work was sent back.
func (n *Notifier) TaskRejected(t persistence.Task, feedback, rejectedBy string) {
	if t.AssigneeID == "" {
		return
	}
	n.send(t.AssigneeID, rejectionMessage(t, feedback, rejectedBy, n.baseURL), "rejection", t.ID)
}

// TaskCompleted tells the lead agent a task reached DONE.
func (n *Notifier) TaskCompleted(t persistence.Task, leadID, completedBy string) {
	if leadID == "" {
		leadID = "main"
	}
	n.send(leadID, completionMessage(t, completedBy, n.baseURL), "completion", t.ID)
}

// SendToAgent relays a free-text message. Remote agents get a synchronous
// round-trip with the reply returned; local agents get fire-and-forget
// CLI delivery and an empty reply.
func (n *Notifier) SendToAgent(ctx context.Context, agentID, message string) (string, error) {
	for _, r := range n.remotes {
		if r.ID != agentID {
			continue
		}
		token := r.ResolveToken()
		if token == "" {
			n.logger.Warn("remote agent token not configured", "agent_id", agentID)
			return "", ErrNoCredential
		}
		return sendRemote(ctx, r.APIURL, token, message)
	}
	n.send(agentID, message, "chat", "")
	return "", nil
}
