// Package reqctx gathers environment-provided request metadata (HTTP
// method, path, host, user agent, remote address, request id) when the
// process is serving a request, plus trace correlation when an
// OpenTelemetry span is active. Framework adapters (ginmw, echomw)
// populate the *Context this package reads.
package reqctx

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey struct{}

// Context is the request metadata a framework adapter captures.
type Context struct {
	Method     string
	Path       string
	Host       string
	UserAgent  string
	RemoteAddr string
	RequestID  string

	// Query, Form and Session are optional, caller-supplied raw views;
	// pkg/capture redacts them before attaching them to the
	// exception-as-variables tree under $GET/$POST/$SESSION-equivalent
	// keys.
	Query   map[string]interface{}
	Form    map[string]interface{}
	Session map[string]interface{}
}

// WithContext returns a copy of ctx carrying rc, for framework
// adapters to call once per request.
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the *Context stashed by a framework adapter, or
// nil if none is present (the process is not serving a request).
func FromContext(ctx context.Context) *Context {
	rc, _ := ctx.Value(contextKey{}).(*Context)
	return rc
}

// Gather builds the requestContext mapping onto ExceptionRecord's
// carries, or nil when ctx carries no request metadata.
func Gather(ctx context.Context) map[string]interface{} {
	rc := FromContext(ctx)
	if rc == nil {
		return nil
	}

	out := map[string]interface{}{
		"method":      rc.Method,
		"path":        rc.Path,
		"host":        rc.Host,
		"user_agent":  rc.UserAgent,
		"remote_addr": rc.RemoteAddr,
		"request_id":  rc.RequestID,
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		out["trace_id"] = span.SpanContext().TraceID().String()
		out["span_id"] = span.SpanContext().SpanID().String()
	}

	return out
}

// GatherRequestData returns the query/form/session views a framework
// adapter captured, unredacted, keyed "query"/"form"/"session".
// Redaction and size capping happen where these views are reflected
// into variable.Nodes (pkg/capture), not here. Returns nil when
// ctx carries no request metadata or none of the three views were
// populated.
func GatherRequestData(ctx context.Context) map[string]map[string]interface{} {
	rc := FromContext(ctx)
	if rc == nil {
		return nil
	}

	out := make(map[string]map[string]interface{}, 3)
	if len(rc.Query) > 0 {
		out["query"] = rc.Query
	}
	if len(rc.Form) > 0 {
		out["form"] = rc.Form
	}
	if len(rc.Session) > 0 {
		out["session"] = rc.Session
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
