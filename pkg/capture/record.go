// Package capture builds ExceptionRecords and SnapshotRecords from live
// errors and panics: computing a stable fingerprint, walking the call
// stack, reflecting the error's own fields and any wrapped-error chain,
// redacting sensitive context, and handing the result to a Sender.
package capture

import (
	"github.com/aivorynet/agent-go/pkg/stackwalk"
	"github.com/aivorynet/agent-go/pkg/variable"
)

// Severity is the four-way classification of a captured exception.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ExceptionRecord is the payload shipped over the transport as an
// "exception" envelope.
type ExceptionRecord struct {
	ExceptionType  string                   `json:"exception_type"`
	Message        string                   `json:"message"`
	FilePath       string                   `json:"file_path,omitempty"`
	LineNumber     int                      `json:"line_number"`
	MethodName     string                   `json:"method_name,omitempty"`
	ClassName      string                   `json:"class_name,omitempty"`
	Severity       Severity                 `json:"severity"`
	Runtime        string                   `json:"runtime"`
	RuntimeVersion string                   `json:"runtime_version"`
	StackTrace     []stackwalk.Frame        `json:"stack_trace"`
	LocalVariables map[string]variable.Node `json:"local_variables,omitempty"`
	RequestContext map[string]interface{}   `json:"request_context,omitempty"`
}

// SnapshotRecord is a breakpoint or manual-capture snapshot: the same
// shape as ExceptionRecord minus the exception-specific fields, plus
// the breakpoint that triggered it.
type SnapshotRecord struct {
	BreakpointID   string                   `json:"breakpoint_id,omitempty"`
	Message        string                   `json:"message"`
	FilePath       string                   `json:"file_path,omitempty"`
	LineNumber     int                      `json:"line_number"`
	MethodName     string                   `json:"method_name,omitempty"`
	ClassName      string                   `json:"class_name,omitempty"`
	Runtime        string                   `json:"runtime"`
	RuntimeVersion string                   `json:"runtime_version"`
	StackTrace     []stackwalk.Frame        `json:"stack_trace"`
	LocalVariables map[string]variable.Node `json:"local_variables,omitempty"`
	RequestContext map[string]interface{}   `json:"request_context,omitempty"`
}

// Sender is what a Capturer needs from pkg/transport — a weak
// reference; Capturer never owns the transport's lifecycle.
type Sender interface {
	SendException(payload map[string]interface{})
	SendSnapshot(payload map[string]interface{})
}

// AsPayload flattens an ExceptionRecord into the map shape Sender
// expects, since the transport layer deals in map[string]interface{}
// envelopes rather than typed records.
func (r *ExceptionRecord) AsPayload() map[string]interface{} {
	return map[string]interface{}{
		"exception_type":  r.ExceptionType,
		"message":         r.Message,
		"file_path":       r.FilePath,
		"line_number":     r.LineNumber,
		"method_name":     r.MethodName,
		"class_name":      r.ClassName,
		"severity":        string(r.Severity),
		"runtime":         r.Runtime,
		"runtime_version": r.RuntimeVersion,
		"stack_trace":     r.StackTrace,
		"local_variables": r.LocalVariables,
		"request_context": r.RequestContext,
	}
}

// AsPayload flattens a SnapshotRecord the same way.
func (r *SnapshotRecord) AsPayload() map[string]interface{} {
	return map[string]interface{}{
		"breakpoint_id":   r.BreakpointID,
		"message":         r.Message,
		"file_path":       r.FilePath,
		"line_number":     r.LineNumber,
		"method_name":     r.MethodName,
		"class_name":      r.ClassName,
		"runtime":         r.Runtime,
		"runtime_version": r.RuntimeVersion,
		"stack_trace":     r.StackTrace,
		"local_variables": r.LocalVariables,
		"request_context": r.RequestContext,
	}
}
