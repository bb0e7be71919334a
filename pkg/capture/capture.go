package capture

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/aivorynet/agent-go/internal/logging"
	"github.com/aivorynet/agent-go/internal/telemetry"
	"github.com/aivorynet/agent-go/pkg/fingerprint"
	"github.com/aivorynet/agent-go/pkg/redact"
	"github.com/aivorynet/agent-go/pkg/reqctx"
	"github.com/aivorynet/agent-go/pkg/stackwalk"
	"github.com/aivorynet/agent-go/pkg/variable"
)

// maxFingerprints is the bound on CapturedFingerprints before it is
// cleared, per spec.md §3/§4.5 step 1.
const maxFingerprints = 1000

// maxChainDepth bounds previous/cause recursion independent of
// maxVariableDepth, as a backstop against pathological cycles.
const maxChainDepth = 20

// maxWrappedErrors caps how many entries of a multi-error Unwrap() []error
// chain get reflected.
const maxWrappedErrors = 10

// reservedFieldNames are exception-own properties spec.md §4.5 says to
// skip when walking a throwable's declared fields, matched
// case-insensitively against Go struct field names.
var reservedFieldNames = map[string]bool{
	"message":  true,
	"code":     true,
	"file":     true,
	"line":     true,
	"trace":    true,
	"previous": true,
}

// fingerprintSet is CapturedFingerprints: a bounded, non-persistent set
// of hashes, cleared once it exceeds maxFingerprints entries.
type fingerprintSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newFingerprintSet() *fingerprintSet {
	return &fingerprintSet{seen: make(map[string]struct{})}
}

// seenOrAdd reports whether fp was already present. If the set has
// grown past maxFingerprints it is cleared before the new entry is
// recorded, matching spec.md §4.5 step 1 exactly.
func (s *fingerprintSet) seenOrAdd(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[fp]; ok {
		return true
	}
	if len(s.seen) > maxFingerprints {
		s.seen = make(map[string]struct{})
	}
	s.seen[fp] = struct{}{}
	return false
}

// Capturer builds ExceptionRecords from live errors and panics: it
// fingerprints and deduplicates, walks the stack, reflects the error's
// own fields and wrapped-error chain, redacts sensitive context, and
// hands the result to a Sender. It is the Go realization of spec.md
// §2's "ExceptionCapture" component.
type Capturer struct {
	sender   Sender
	maxDepth int
	sampler  func() bool
	redactor *redact.Redactor

	fingerprints *fingerprintSet
	telemetry    *telemetry.Collectors
}

// New builds a Capturer. sampler gates CaptureMessage's sampling rate
// (spec.md §4.5's error-hook sampling); CaptureError/CapturePanic are
// never sampled, only deduplicated. tel may be nil.
func New(sender Sender, maxDepth int, sampler func() bool, tel *telemetry.Collectors) *Capturer {
	return &Capturer{
		sender:       sender,
		maxDepth:     maxDepth,
		sampler:      sampler,
		redactor:     redact.New(),
		fingerprints: newFingerprintSet(),
		telemetry:    tel,
	}
}

// Capture builds and sends an ExceptionRecord for err, deduplicating by
// fingerprint (spec.md §4.5 step 1). ctx supplies request-context
// correlation (pkg/reqctx); extra is additional custom context (e.g. the
// façade's merged customContext ∪ user) attached to RequestContext
// after redaction. Returns (nil, false) when the capture was suppressed
// (duplicate fingerprint, or an internal failure that must never
// propagate to the host).
func (c *Capturer) Capture(err error, severity Severity, ctx context.Context, extra map[string]interface{}) (record *ExceptionRecord, sent bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithComponent("capture").Debug().Interface("panic", r).Msg("recovered from internal capture failure")
			record, sent = nil, false
		}
	}()

	frames := c.walkFromCaller()
	exceptionType := typeNameOf(err)
	fp := fingerprint.Fingerprint(exceptionType, frames)

	if c.fingerprints.seenOrAdd(fp) {
		if c.telemetry != nil {
			c.telemetry.ExceptionsDeduplicated.Inc()
		}
		return nil, false
	}

	rec := c.buildRecord(err, exceptionType, severity, frames, ctx, extra)
	c.sender.SendException(rec.AsPayload())
	if c.telemetry != nil {
		c.telemetry.ExceptionsCaptured.Inc()
	}
	return rec, true
}

// CaptureMessage captures a manual, non-exception message subject to
// Config.SamplingRate (spec.md §4.5's error-hook sampling path) — not
// deduplicated by fingerprint, since it has no throwable identity.
func (c *Capturer) CaptureMessage(msg string, severity Severity, ctx context.Context, extra map[string]interface{}) (record *ExceptionRecord, sent bool) {
	if c.sampler != nil && !c.sampler() {
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			logging.WithComponent("capture").Debug().Interface("panic", r).Msg("recovered from internal capture failure")
			record, sent = nil, false
		}
	}()

	err := errors.New(msg)
	frames := c.walkFromCaller()
	rec := c.buildRecord(err, typeNameOf(err), severity, frames, ctx, extra)
	c.sender.SendException(rec.AsPayload())
	if c.telemetry != nil {
		c.telemetry.ExceptionsCaptured.Inc()
	}
	return rec, true
}

// CaptureSnapshot takes a manual, point-in-time snapshot under the
// given label — spec.md §3's SnapshotRecord is explicitly "breakpoint
// or manual"; breakpoint hits go through pkg/breakpoint.Registry.Hit,
// this is the manual path. Never sampled or deduplicated: the caller
// chose this moment explicitly.
func (c *Capturer) CaptureSnapshot(label string, ctx context.Context, extra map[string]interface{}) (record *SnapshotRecord, sent bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithComponent("capture").Debug().Interface("panic", r).Msg("recovered from internal capture failure")
			record, sent = nil, false
		}
	}()

	frames := c.walkFromCaller()
	var innermost stackwalk.Frame
	if len(frames) > 0 {
		innermost = frames[0]
	}

	rec := &SnapshotRecord{
		Message:        label,
		FilePath:       innermost.FilePath,
		LineNumber:     innermost.LineNumber,
		MethodName:     innermost.MethodName,
		ClassName:      innermost.ClassName,
		Runtime:        "go",
		RuntimeVersion: runtime.Version(),
		StackTrace:     frames,
		LocalVariables: snapshotAsVariables(label, innermost, c.maxDepth, ctx),
		RequestContext: c.buildRequestContext(ctx, extra),
	}

	c.sender.SendSnapshot(rec.AsPayload())
	return rec, true
}

func snapshotAsVariables(label string, site stackwalk.Frame, maxDepth int, ctx context.Context) map[string]variable.Node {
	out := make(map[string]variable.Node)
	out["message"] = variable.ReflectWithLimit("message", label, 0, maxDepth, 500)
	out["file"] = variable.Reflect("file", site.FilePath, 0, maxDepth)
	out["line"] = variable.Reflect("line", site.LineNumber, 0, maxDepth)
	attachRequestData(out, ctx, maxDepth)
	return out
}

// walkFromCaller walks the stack starting above Capture/CaptureMessage's
// own frame, landing on the application call site.
func (c *Capturer) walkFromCaller() []stackwalk.Frame {
	pcs := stackwalk.Capture(3, 32)
	return stackwalk.Walk(pcs, nil, c.maxDepth)
}

func (c *Capturer) buildRecord(err error, exceptionType string, severity Severity, frames []stackwalk.Frame, ctx context.Context, extra map[string]interface{}) *ExceptionRecord {
	var innermost stackwalk.Frame
	if len(frames) > 0 {
		innermost = frames[0]
	}

	return &ExceptionRecord{
		ExceptionType:  exceptionType,
		Message:        err.Error(),
		FilePath:       innermost.FilePath,
		LineNumber:     innermost.LineNumber,
		MethodName:     innermost.MethodName,
		ClassName:      innermost.ClassName,
		Severity:       severity,
		Runtime:        "go",
		RuntimeVersion: runtime.Version(),
		StackTrace:     frames,
		LocalVariables: exceptionAsVariables(err, innermost, c.maxDepth, ctx),
		RequestContext: c.buildRequestContext(ctx, extra),
	}
}

// buildRequestContext merges pkg/reqctx's gathered metadata with any
// caller-supplied extra context, redacting the result. Returns nil
// when neither source has anything to contribute.
func (c *Capturer) buildRequestContext(ctx context.Context, extra map[string]interface{}) map[string]interface{} {
	var gathered map[string]interface{}
	if ctx != nil {
		gathered = reqctx.Gather(ctx)
	}
	if gathered == nil && len(extra) == 0 {
		return nil
	}

	merged := make(map[string]interface{}, len(gathered)+len(extra))
	for k, v := range gathered {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return c.redactor.Redact(merged)
}

// Guard runs fn under a deferred recover, the idiomatic Go realization
// of spec.md's "install an uncaught-exception hook": on panic it first
// captures a critical ExceptionRecord, then invokes onPanic (the
// previously-installed hook, possibly nil, chained after the agent's
// own capture), then re-panics so any outer recover still observes
// the original panic — captures never suspend execution.
func (c *Capturer) Guard(onPanic func(recovered interface{}), ctx context.Context, extra map[string]interface{}, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.Capture(PanicToError(r), SeverityCritical, ctx, extra)
			if onPanic != nil {
				onPanic(r)
			}
			panic(r)
		}
	}()
	fn()
}

// PanicToError normalizes a recovered panic value into an error, for
// callers (such as the agent façade's deferred CapturePanic) that must
// call recover() directly rather than through Guard.
func PanicToError(r interface{}) error {
	switch v := r.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	default:
		return fmt.Errorf("%v", v)
	}
}

// exceptionAsVariables builds the LocalVariables tree per spec.md
// §4.5 step 3: keyed message/code/file/line, exported struct fields
// under prop:<name>, a previous/wrapped_errors chain, and — when ctx
// carries a *reqctx.Context — sanitized $GET/$POST/$SESSION-equivalent
// query/form/session views.
func exceptionAsVariables(err error, site stackwalk.Frame, maxDepth int, ctx context.Context) map[string]variable.Node {
	out := make(map[string]variable.Node)
	out["message"] = variable.ReflectWithLimit("message", err.Error(), 0, maxDepth, 500)
	out["code"] = codeNode(err, maxDepth)
	out["file"] = variable.Reflect("file", site.FilePath, 0, maxDepth)
	out["line"] = variable.Reflect("line", site.LineNumber, 0, maxDepth)

	reflectFieldsInto(err, out, maxDepth, 0)
	attachChain(err, out, maxDepth, 1)
	attachRequestData(out, ctx, maxDepth)

	return out
}

// Child caps for the $GET/$POST/$SESSION-equivalent views spec.md
// §4.5 step 3 attaches to the exception's variable tree.
const (
	maxQueryFields   = 20
	maxFormFields    = 20
	maxSessionFields = 10
)

// attachRequestData folds the query/form/session views pkg/reqctx
// gathered for the in-flight request into out, one variable.Node per
// view, keyed by view name, redacted via pkg/redact and capped via
// variable.ReflectContainer.
func attachRequestData(out map[string]variable.Node, ctx context.Context, maxDepth int) {
	if ctx == nil {
		return
	}
	for name, values := range reqctx.GatherRequestData(ctx) {
		out[name] = variable.ReflectContainer(name, redact.Redact(values), 0, maxDepth, 200, requestDataChildCap(name))
	}
}

func requestDataChildCap(view string) int {
	switch view {
	case "form":
		return maxFormFields
	case "session":
		return maxSessionFields
	default:
		return maxQueryFields
	}
}

// codeNode realizes spec.md's exception "code" property via the Go
// idiom of an optional Code() accessor; errors that implement neither
// form report 0.
func codeNode(err error, maxDepth int) variable.Node {
	if c, ok := err.(interface{ Code() int }); ok {
		return variable.Reflect("code", c.Code(), 0, maxDepth)
	}
	if c, ok := err.(interface{ Code() string }); ok {
		return variable.Reflect("code", c.Code(), 0, maxDepth)
	}
	return variable.Reflect("code", 0, 0, maxDepth)
}

// reflectFieldsInto walks err's exported struct fields (dereferencing a
// single pointer level) into out, prefixed prop:<name>, skipping the
// reserved names spec.md §4.5 step 3 names.
func reflectFieldsInto(err error, out map[string]variable.Node, maxDepth, depth int) {
	v := reflect.ValueOf(err)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if reservedFieldNames[strings.ToLower(field.Name)] {
			continue
		}
		fv := v.Field(i)
		if !fv.CanInterface() {
			continue
		}
		key := "prop:" + field.Name
		out[key] = variable.Reflect(key, fv.Interface(), depth, maxDepth)
	}
}

// attachChain follows the Go wrapped-error conventions — Unwrap() error,
// Unwrap() []error, and the pkg/errors-style Cause() error — recursing
// under "previous" (single cause) or "wrapped_errors" (multi-cause),
// mirroring spec.md's previous/cause chain walk.
func attachChain(err error, out map[string]variable.Node, maxDepth, depth int) {
	if depth > maxChainDepth {
		return
	}

	if u, ok := err.(interface{ Unwrap() error }); ok {
		if inner := u.Unwrap(); inner != nil {
			out["previous"] = chainNode(inner, maxDepth, depth)
			return
		}
	}

	if mu, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := mu.Unwrap(); len(errs) > 0 {
			keep := len(errs)
			if keep > maxWrappedErrors {
				keep = maxWrappedErrors
			}
			children := make(map[string]variable.Node, keep)
			for i, e := range errs {
				if i >= maxWrappedErrors {
					break
				}
				key := fmt.Sprintf("arg%d", i)
				children[key] = chainNode(e, maxDepth, depth)
			}
			out["wrapped_errors"] = variable.Node{
				Name:     "wrapped_errors",
				Type:     "[]error",
				Value:    fmt.Sprintf("Array(%d)", len(errs)),
				Children: children,
			}
			return
		}
	}

	if c, ok := err.(interface{ Cause() error }); ok {
		if cause := c.Cause(); cause != nil {
			out["previous"] = chainNode(cause, maxDepth, depth)
		}
	}
}

// chainNode builds one "previous"/wrapped-error entry: type name, a
// 200-byte-capped message, and the inner error's own fields/chain
// recursed at depth+1.
func chainNode(err error, maxDepth, depth int) variable.Node {
	children := make(map[string]variable.Node)
	children["message"] = variable.ReflectWithLimit("message", err.Error(), depth, maxDepth, 500)
	children["code"] = codeNode(err, maxDepth)
	reflectFieldsInto(err, children, maxDepth, depth)
	attachChain(err, children, maxDepth, depth+1)

	valueNode := variable.Reflect("previous", err.Error(), depth, maxDepth)

	return variable.Node{
		Name:        "previous",
		Type:        typeNameOf(err),
		Value:       valueNode.Value,
		IsTruncated: valueNode.IsTruncated,
		Children:    children,
	}
}

func typeNameOf(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	if t.Kind() == reflect.Ptr {
		return t.Elem().String()
	}
	return t.String()
}
