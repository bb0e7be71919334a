package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aivorynet/agent-go/pkg/reqctx"
)

type fakeSender struct {
	exceptions []map[string]interface{}
	snapshots  []map[string]interface{}
}

func (f *fakeSender) SendException(payload map[string]interface{}) {
	f.exceptions = append(f.exceptions, payload)
}

func (f *fakeSender) SendSnapshot(payload map[string]interface{}) {
	f.snapshots = append(f.snapshots, payload)
}

type codedError struct {
	StatusCode int
	Detail     string
}

func (e *codedError) Error() string { return e.Detail }
func (e *codedError) Code() int     { return e.StatusCode }

func TestCaptureSendsAndDeduplicatesByFingerprint(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	err := errors.New("boom")
	_, sent := c.Capture(err, SeverityError, nil, nil)
	if !sent {
		t.Fatal("expected first capture of a distinct fingerprint to be sent")
	}

	_, sentAgain := c.Capture(err, SeverityError, nil, nil)
	if sentAgain {
		t.Fatal("expected second capture from the same call site to be deduplicated")
	}

	if len(sender.exceptions) != 1 {
		t.Fatalf("expected exactly one exception sent, got %d", len(sender.exceptions))
	}
}

func TestCaptureMessageIsNotDeduplicated(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	c.CaptureMessage("first", SeverityInfo, nil, nil)
	c.CaptureMessage("first", SeverityInfo, nil, nil)

	if len(sender.exceptions) != 2 {
		t.Fatalf("expected CaptureMessage to bypass fingerprint dedup, got %d sends", len(sender.exceptions))
	}
}

func TestCaptureMessageRespectsSampler(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, func() bool { return false }, nil)

	_, sent := c.CaptureMessage("dropped", SeverityInfo, nil, nil)
	if sent {
		t.Fatal("expected sampler returning false to suppress the capture")
	}
	if len(sender.exceptions) != 0 {
		t.Fatalf("expected no sends when sampled out, got %d", len(sender.exceptions))
	}
}

func TestCaptureRecordsCodeFromAccessor(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	rec, sent := c.Capture(&codedError{StatusCode: 404, Detail: "not found"}, SeverityError, nil, nil)
	if !sent {
		t.Fatal("expected capture to send")
	}
	codeNode, ok := rec.LocalVariables["code"]
	if !ok {
		t.Fatal("expected a code entry in LocalVariables")
	}
	if codeNode.Value != "404" {
		t.Fatalf("expected code value 404, got %q", codeNode.Value)
	}
}

type reservedFieldError struct {
	Message string
	Extra   string
}

func (e *reservedFieldError) Error() string { return e.Message }

func TestCaptureReflectsExportedFieldsUnderPropPrefix(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	rec, _ := c.Capture(&codedError{StatusCode: 500, Detail: "oops"}, SeverityError, nil, nil)
	if _, ok := rec.LocalVariables["prop:StatusCode"]; !ok {
		t.Fatal("expected exported non-reserved field under prop: prefix")
	}
}

func TestCaptureSkipsReservedFieldNames(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	rec, _ := c.Capture(&reservedFieldError{Message: "dup", Extra: "kept"}, SeverityError, nil, nil)
	if _, ok := rec.LocalVariables["prop:Message"]; ok {
		t.Fatal("expected the Message field to be skipped: it collides with the top-level message key")
	}
	if _, ok := rec.LocalVariables["prop:Extra"]; !ok {
		t.Fatal("expected the non-reserved Extra field to be walked")
	}
}

type wrappingError struct {
	inner error
}

func (e *wrappingError) Error() string { return "wrapped: " + e.inner.Error() }
func (e *wrappingError) Unwrap() error { return e.inner }

func TestCaptureWalksSingleCauseChain(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	inner := errors.New("root cause")
	outer := &wrappingError{inner: inner}

	rec, _ := c.Capture(outer, SeverityError, nil, nil)
	prev, ok := rec.LocalVariables["previous"]
	if !ok {
		t.Fatal("expected a previous entry for an Unwrap() error chain")
	}
	msgNode, ok := prev.Children["message"]
	if !ok || msgNode.Value != "root cause" {
		t.Fatalf("expected previous.message == %q, got %+v", "root cause", msgNode)
	}
}

type multiWrapError struct {
	errs []error
}

func (e *multiWrapError) Error() string  { return "multiple errors" }
func (e *multiWrapError) Unwrap() []error { return e.errs }

func TestCaptureWalksMultiErrorChain(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	outer := &multiWrapError{errs: []error{errors.New("a"), errors.New("b")}}

	rec, _ := c.Capture(outer, SeverityError, nil, nil)
	wrapped, ok := rec.LocalVariables["wrapped_errors"]
	if !ok {
		t.Fatal("expected a wrapped_errors entry for an Unwrap() []error chain")
	}
	if len(wrapped.Children) != 2 {
		t.Fatalf("expected 2 wrapped children, got %d", len(wrapped.Children))
	}
}

func TestCaptureRedactsRequestContextExtra(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	rec, _ := c.Capture(errors.New("boom"), SeverityError, nil, map[string]interface{}{
		"password": "hunter2",
		"note":     "keep me",
	})
	if rec.RequestContext["password"] != "[REDACTED]" {
		t.Fatalf("expected password redacted in request context, got %v", rec.RequestContext["password"])
	}
	if rec.RequestContext["note"] != "keep me" {
		t.Fatalf("expected unrelated key preserved, got %v", rec.RequestContext["note"])
	}
}

func TestCaptureAttachesRequestDataToLocalVariables(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	rc := &reqctx.Context{
		Method:  "POST",
		Query:   map[string]interface{}{"page": "2"},
		Form:    map[string]interface{}{"email": "a@example.com"},
		Session: map[string]interface{}{"user_id": "42"},
	}
	ctx := reqctx.WithContext(context.Background(), rc)

	rec, sent := c.Capture(errors.New("boom"), SeverityError, ctx, nil)
	if !sent {
		t.Fatal("expected capture to send")
	}

	query, ok := rec.LocalVariables["query"]
	if !ok || query.Children["page"].Value != "2" {
		t.Fatalf("expected a query view with page=2, got %+v", rec.LocalVariables["query"])
	}
	form, ok := rec.LocalVariables["form"]
	if !ok || form.Children["email"].Value != "a@example.com" {
		t.Fatalf("expected a form view with email, got %+v", rec.LocalVariables["form"])
	}
	session, ok := rec.LocalVariables["session"]
	if !ok || session.Children["user_id"].Value != "42" {
		t.Fatalf("expected a session view with user_id, got %+v", rec.LocalVariables["session"])
	}
}

func TestCaptureOmitsRequestDataOutsideARequest(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	rec, _ := c.Capture(errors.New("boom"), SeverityError, context.Background(), nil)
	if _, ok := rec.LocalVariables["query"]; ok {
		t.Fatal("expected no query view outside a request")
	}
}

func TestCaptureSnapshotSendsViaSendSnapshot(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	rec, sent := c.CaptureSnapshot("checkpoint reached", nil, nil)
	if !sent {
		t.Fatal("expected CaptureSnapshot to send")
	}
	if rec.Message != "checkpoint reached" {
		t.Fatalf("expected the label as Message, got %q", rec.Message)
	}
	if len(sender.snapshots) != 1 {
		t.Fatalf("expected exactly one snapshot sent, got %d", len(sender.snapshots))
	}
	if len(sender.exceptions) != 0 {
		t.Fatalf("expected CaptureSnapshot not to use SendException, got %d", len(sender.exceptions))
	}
}

func TestGuardRecoversCapturesAndRepanics(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 10, nil, nil)

	var chainedCalled bool
	var repanicked interface{}

	func() {
		defer func() {
			repanicked = recover()
		}()
		c.Guard(func(r interface{}) { chainedCalled = true }, nil, nil, func() {
			panic("kaboom")
		})
	}()

	if !chainedCalled {
		t.Fatal("expected the chained onPanic callback to run")
	}
	if repanicked != "kaboom" {
		t.Fatalf("expected Guard to re-panic with the original value, got %v", repanicked)
	}
	if len(sender.exceptions) != 1 {
		t.Fatalf("expected Guard to capture exactly one exception, got %d", len(sender.exceptions))
	}
}

func TestPanicToErrorNormalizesValueKinds(t *testing.T) {
	if err := PanicToError(errors.New("e")); err.Error() != "e" {
		t.Fatalf("expected error passthrough, got %v", err)
	}
	if err := PanicToError("boom"); err.Error() != "boom" {
		t.Fatalf("expected string panic wrapped verbatim, got %v", err)
	}
	if err := PanicToError(42); err.Error() != fmt.Sprintf("%v", 42) {
		t.Fatalf("expected non-error/non-string panic formatted via %%v, got %v", err)
	}
}
