package notify_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawcontrol/internal/config"
	"github.com/basket/clawcontrol/internal/notify"
	"github.com/basket/clawcontrol/internal/persistence"
)

type capturingDispatcher struct {
	mu       sync.Mutex
	agentIDs []string
	messages []string
	done     chan struct{}
}

func newCapturingDispatcher(expect int) *capturingDispatcher {
	return &capturingDispatcher{done: make(chan struct{}, expect)}
}

func (c *capturingDispatcher) dispatch(agentID, message string) error {
	c.mu.Lock()
	c.agentIDs = append(c.agentIDs, agentID)
	c.messages = append(c.messages, message)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *capturingDispatcher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_TaskAssignedOnlyForActiveStatuses(t *testing.T) {
	disp := newCapturingDispatcher(1)
	n := notify.New(testLogger(), nil, "http://localhost:18890", nil)
	n.SetDispatcher(disp.dispatch)

	// DONE task: no notification.
	n.TaskAssigned(persistence.Task{ID: "t1", Title: "x", Status: persistence.TaskStatusDone, AssigneeID: "dev"})
	// No assignee: no notification.
	n.TaskAssigned(persistence.Task{ID: "t2", Title: "x", Status: persistence.TaskStatusAssigned})

	n.TaskAssigned(persistence.Task{
		ID: "t3", Title: "Fix flaky test", Status: persistence.TaskStatusAssigned,
		AssigneeID: "dev", Description: "see CI run",
	})
	disp.wait(t)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.agentIDs) != 1 || disp.agentIDs[0] != "dev" {
		t.Fatalf("expected one dispatch to dev, got %v", disp.agentIDs)
	}
	msg := disp.messages[0]
	if !strings.Contains(msg, "Fix flaky test") || !strings.Contains(msg, "t3") {
		t.Fatalf("assignment message missing task fields: %q", msg)
	}
	if !strings.Contains(msg, "auto-transition to REVIEW") {
		t.Fatalf("assignment message missing completion hint: %q", msg)
	}
}

func TestNotifier_ReviewRequestDefaultsToMain(t *testing.T) {
	disp := newCapturingDispatcher(1)
	n := notify.New(testLogger(), nil, "http://localhost:18890", nil)
	n.SetDispatcher(disp.dispatch)

	n.ReviewRequested(persistence.Task{ID: "t1", Title: "Audit", AssigneeID: "dev"}, "")
	disp.wait(t)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.agentIDs[0] != "main" {
		t.Fatalf("expected fallback reviewer main, got %q", disp.agentIDs[0])
	}
	if !strings.Contains(disp.messages[0], "Submitted by:** dev") {
		t.Fatalf("review message missing submitter: %q", disp.messages[0])
	}
}

func TestNotifier_RejectionIncludesFeedback(t *testing.T) {
	disp := newCapturingDispatcher(1)
	n := notify.New(testLogger(), nil, "http://localhost:18890", nil)
	n.SetDispatcher(disp.dispatch)

	n.TaskRejected(persistence.Task{ID: "t1", Title: "Audit", AssigneeID: "dev"}, "missing edge cases", "main")
	disp.wait(t)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.agentIDs[0] != "dev" {
		t.Fatalf("rejection goes to assignee, got %q", disp.agentIDs[0])
	}
	if !strings.Contains(disp.messages[0], "missing edge cases") {
		t.Fatalf("feedback missing: %q", disp.messages[0])
	}
}

func TestNotifier_SendToAgentLocal(t *testing.T) {
	disp := newCapturingDispatcher(1)
	n := notify.New(testLogger(), nil, "http://localhost:18890", nil)
	n.SetDispatcher(disp.dispatch)

	reply, err := n.SendToAgent(context.Background(), "dev", "status?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "" {
		t.Fatalf("local send is fire-and-forget, got reply %q", reply)
	}
	disp.wait(t)
}

func TestNotifier_SendToAgentRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": "all green"}`))
	}))
	defer srv.Close()

	remotes := []config.RemoteEntry{{ID: "edge", Name: "Edge", APIURL: srv.URL, GatewayToken: "sekrit"}}
	n := notify.New(testLogger(), remotes, "http://localhost:18890", nil)

	reply, err := n.SendToAgent(context.Background(), "edge", "status?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "all green" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestNotifier_SendToAgentRemoteMissingToken(t *testing.T) {
	remotes := []config.RemoteEntry{{ID: "edge", Name: "Edge", APIURL: "http://example.invalid"}}
	n := notify.New(testLogger(), remotes, "http://localhost:18890", nil)

	_, err := n.SendToAgent(context.Background(), "edge", "status?")
	if err == nil {
		t.Fatal("expected credential error")
	}
}
