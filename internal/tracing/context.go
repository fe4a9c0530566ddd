package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey    ContextKey = "trace_id"
	AgentIDKey    ContextKey = "agent_id"
	InstanceIDKey ContextKey = "instance_id"
	ReportIDKey   ContextKey = "report_id"
)

// TraceContext holds the ids carried through one report's processing.
type TraceContext struct {
	TraceID    string
	AgentID    string
	InstanceID string
	ReportID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, instanceID)
}

func WithReportID(ctx context.Context, reportID string) context.Context {
	return context.WithValue(ctx, ReportIDKey, reportID)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetAgentID(ctx context.Context) string {
	return stringValue(ctx, AgentIDKey)
}

func GetInstanceID(ctx context.Context) string {
	return stringValue(ctx, InstanceIDKey)
}

func GetReportID(ctx context.Context) string {
	return stringValue(ctx, ReportIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		AgentID:    GetAgentID(ctx),
		InstanceID: GetInstanceID(ctx),
		ReportID:   GetReportID(ctx),
	}
}

// NewContext copies the non-empty ids of tc into ctx.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.InstanceID != "" {
		ctx = WithInstanceID(ctx, tc.InstanceID)
	}
	if tc.ReportID != "" {
		ctx = WithReportID(ctx, tc.ReportID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewReportContext tags ctx with the ids of an incoming report, keeping an
// existing trace id.
func NewReportContext(ctx context.Context, agentID, instanceID, reportID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithAgentID(ctx, agentID)
	ctx = WithInstanceID(ctx, instanceID)
	return WithReportID(ctx, reportID)
}
