package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// DetachForLane returns a context without the cancellation of ctx that keeps
// its ids and its span as parent. Work handed to an agent lane outlives the
// HTTP request that queued it.
func DetachForLane(ctx context.Context) context.Context {
	detached := NewContext(context.Background(), FromContext(ctx))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		detached = trace.ContextWithSpanContext(detached, sc)
	}
	return detached
}

// LoggerFromContext returns base tagged with the ids carried by ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.AgentID == "" && tc.InstanceID == "" && tc.ReportID == "" {
		return base
	}

	lc := base.With()
	for _, f := range []struct{ key, value string }{
		{string(TraceIDKey), tc.TraceID},
		{string(AgentIDKey), tc.AgentID},
		{string(InstanceIDKey), tc.InstanceID},
		{string(ReportIDKey), tc.ReportID},
	} {
		if f.value != "" {
			lc = lc.Str(f.key, f.value)
		}
	}
	return lc.Logger()
}
