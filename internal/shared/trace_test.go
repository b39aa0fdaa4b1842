package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty context trace id: got %q, want -", got)
	}

	id := NewTraceID()
	if id == "" {
		t.Fatal("NewTraceID returned empty string")
	}
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("trace id mismatch: got %q, want %q", got, id)
	}
}

func TestAgentAndTaskIDs(t *testing.T) {
	ctx := context.Background()
	if AgentID(ctx) != "" || TaskID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithAgentID(ctx, "felix")
	ctx = WithTaskID(ctx, "task-42")
	if got := AgentID(ctx); got != "felix" {
		t.Fatalf("agent id: got %q", got)
	}
	if got := TaskID(ctx); got != "task-42" {
		t.Fatalf("task id: got %q", got)
	}
}
