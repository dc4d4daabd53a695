package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithPluginID(ctx, "billing")
	ctx = WithTenantID(ctx, "acme")
	ctx = WithActor(ctx, "alice")

	tc := FromContext(ctx)
	want := TraceContext{TraceID: "trace-1", RequestID: "req-1", PluginID: "billing", TenantID: "acme", Actor: "alice"}
	if *tc != want {
		t.Errorf("Expected %+v, got %+v", want, *tc)
	}
}

func TestGetters_EmptyContext(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetPluginID(ctx) != "" || GetTenantID(ctx) != "" || GetActor(ctx) != "" {
		t.Error("Expected empty values on a bare context")
	}
}

func TestNewContext(t *testing.T) {
	tc := &TraceContext{TraceID: "trace-2", TenantID: "globex"}
	ctx := NewContext(context.Background(), tc)

	if GetTraceID(ctx) != "trace-2" {
		t.Errorf("Expected trace ID trace-2, got %s", GetTraceID(ctx))
	}
	if GetTenantID(ctx) != "globex" {
		t.Errorf("Expected tenant globex, got %s", GetTenantID(ctx))
	}
	if GetPluginID(ctx) != "" {
		t.Error("Unset fields should stay empty")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	if GetTraceID(ctx) == "" {
		t.Error("NewRequestContext did not set a trace ID")
	}
}

func TestStartSpan_KeepsExistingTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "fixed")
	ctx, span := StartSpan(ctx, "test", "op")
	defer span.End()

	if GetTraceID(ctx) != "fixed" {
		t.Errorf("Expected trace ID to be kept, got %s", GetTraceID(ctx))
	}
}
