// Package stackwalk converts a runtime call-stack snapshot into an
// ordered sequence of Frames, optionally attaching reflected argument
// values supplied by the caller (Go exposes no reflectable per-frame
// locals the way a reflective interpreter would).
package stackwalk

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/aivorynet/agent-go/pkg/variable"
)

// KV is a named value a caller threads through for reflection at a
// particular frame — the mechanism breakpoint.Hit uses to carry its
// caller's locals, since runtime.Callers exposes no argument state.
type KV struct {
	Name  string
	Value interface{}
}

// Frame is a single entry in a captured call stack.
type Frame struct {
	ClassName      string                   `json:"class_name,omitempty"`
	MethodName     string                   `json:"method_name,omitempty"`
	FilePath       string                   `json:"file_path,omitempty"`
	FileName       string                   `json:"file_name,omitempty"`
	LineNumber     int                      `json:"line_number"`
	ColumnNumber   int                      `json:"column_number"`
	IsNative       bool                     `json:"is_native"`
	LocalVariables map[string]variable.Node `json:"local_variables,omitempty"`
}

var goroot = runtime.GOROOT()

// Capture collects up to maxFrames program counters, skipping the
// first skip frames: skip 0 starts at Capture's own frame, skip 1 at
// its caller. Pair with Walk to produce Frames.
func Capture(skip, maxFrames int) []uintptr {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+1, pcs)
	return pcs[:n]
}

// Walk turns program counters into Frames in innermost-first order.
// If args is non-empty, each entry is reflected (bounded by maxDepth)
// and attached as the local variables of the *innermost* frame only —
// the one place Go naturally has reflectable values at a capture site.
func Walk(pcs []uintptr, args []KV, maxDepth int) []Frame {
	frames := make([]Frame, 0, len(pcs))
	iter := runtime.CallersFrames(pcs)

	first := true
	for {
		rf, more := iter.Next()

		f := Frame{
			MethodName:   extractMethodName(rf.Function),
			ClassName:    extractClassName(rf.Function),
			FilePath:     rf.File,
			FileName:     fileName(rf.File),
			LineNumber:   rf.Line,
			ColumnNumber: 0,
			IsNative:     isNative(rf.File),
		}

		if first && len(args) > 0 && maxDepth > 0 {
			f.LocalVariables = reflectArgs(args, maxDepth)
		}
		first = false

		frames = append(frames, f)

		if !more {
			break
		}
	}

	return frames
}

// WalkSkippingBreakpointFrames is Walk with the breakpoint-specific
// rule: the first two frames (the walker's own frame, and the Hit entry
// point) are dropped before argument reflection is attached.
func WalkSkippingBreakpointFrames(pcs []uintptr, args []KV, maxDepth int) []Frame {
	all := Walk(pcs, nil, maxDepth)
	if len(all) <= 2 {
		return all
	}
	trimmed := all[2:]
	if len(args) > 0 && maxDepth > 0 {
		trimmed[0].LocalVariables = reflectArgs(args, maxDepth)
	}
	return trimmed
}

// maxReflectedArgs caps breakpoint-hit argument reflection to the first ten args.
const maxReflectedArgs = 10

func reflectArgs(args []KV, maxDepth int) map[string]variable.Node {
	out := make(map[string]variable.Node, len(args))
	for i, kv := range args {
		if i >= maxReflectedArgs {
			break
		}
		name := kv.Name
		if name == "" {
			name = argPositionalName(i)
		}
		out[name] = variable.Reflect(name, kv.Value, 0, maxDepth)
	}
	return out
}

func argPositionalName(i int) string {
	return "arg" + strconv.Itoa(i)
}

func isNative(file string) bool {
	if file == "" {
		return true
	}
	return strings.HasPrefix(file, goroot) || strings.Contains(file, "/pkg/mod/")
}

func fileName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

// extractMethodName turns "github.com/foo/bar.(*Type).Method" into "Method",
// and "github.com/foo/bar.Func" into "Func".
func extractMethodName(full string) string {
	last := lastSlashSegment(full)
	if idx := strings.LastIndex(last, "."); idx >= 0 {
		return last[idx+1:]
	}
	return last
}

// extractClassName turns "github.com/foo/bar.(*Type).Method" into "bar.(*Type)",
// and returns "" for plain functions with no receiver.
func extractClassName(full string) string {
	last := lastSlashSegment(full)
	firstDot := strings.Index(last, ".")
	if firstDot < 0 {
		return ""
	}
	pkg := last[:firstDot]
	rest := last[firstDot+1:]
	lastDot := strings.LastIndex(rest, ".")
	if lastDot < 0 {
		// No receiver, just "pkg.Func" — no class name.
		return ""
	}
	return pkg + "." + rest[:lastDot]
}

func lastSlashSegment(full string) string {
	if idx := strings.LastIndex(full, "/"); idx >= 0 {
		return full[idx+1:]
	}
	return full
}
