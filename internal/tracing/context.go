package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the administrative request ID
	RequestIDKey ContextKey = "request_id"
	// PluginIDKey is the context key for the plugin a call concerns
	PluginIDKey ContextKey = "plugin_id"
	// TenantIDKey is the context key for the tenant a call concerns
	TenantIDKey ContextKey = "tenant_id"
	// ActorKey is the context key for the acting principal
	ActorKey ContextKey = "actor"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RequestID string
	PluginID  string
	TenantID  string
	Actor     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithPluginID adds a plugin ID to the context
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, PluginIDKey, pluginID)
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithActor adds the acting principal to the context
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return value(ctx, TraceIDKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return value(ctx, RequestIDKey) }

// GetPluginID retrieves the plugin ID from the context
func GetPluginID(ctx context.Context) string { return value(ctx, PluginIDKey) }

// GetTenantID retrieves the tenant ID from the context
func GetTenantID(ctx context.Context) string { return value(ctx, TenantIDKey) }

// GetActor retrieves the acting principal from the context
func GetActor(ctx context.Context) string { return value(ctx, ActorKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RequestID: GetRequestID(ctx),
		PluginID:  GetPluginID(ctx),
		TenantID:  GetTenantID(ctx),
		Actor:     GetActor(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.PluginID != "" {
		ctx = WithPluginID(ctx, tc.PluginID)
	}
	if tc.TenantID != "" {
		ctx = WithTenantID(ctx, tc.TenantID)
	}
	if tc.Actor != "" {
		ctx = WithActor(ctx, tc.Actor)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
