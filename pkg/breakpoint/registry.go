package breakpoint

import (
	"sync"
	"time"

	"github.com/aivorynet/agent-go/internal/logging"
	"github.com/aivorynet/agent-go/pkg/stackwalk"
)

// maxHitsCeiling clamps an inbound set_breakpoint command's max_hits
// to the range [1, 50].
const maxHitsCeiling = 50

// Sender is what Registry needs from pkg/transport to deliver a
// breakpoint_hit envelope; *transport.Transport satisfies it.
type Sender interface {
	SendBreakpointHit(breakpointID string, payload map[string]interface{})
}

// Registry holds the set of active breakpoints and rate-limits hits
// across all of them.
type Registry struct {
	sender   Sender
	maxDepth int

	mu      sync.RWMutex
	entries map[string]*Entry

	limiter *rateLimiter
}

// NewRegistry builds an empty Registry. maxDepth bounds argument
// reflection on Hit, mirroring Config.MaxVariableDepth.
func NewRegistry(sender Sender, maxDepth int) *Registry {
	return &Registry{
		sender:   sender,
		maxDepth: maxDepth,
		entries:  make(map[string]*Entry),
		limiter:  newRateLimiter(),
	}
}

// Set registers (or replaces) a breakpoint.
func (r *Registry) Set(id, filePath string, lineNumber int, condition string, maxHits int) {
	if maxHits < 1 {
		maxHits = 1
	}
	if maxHits > maxHitsCeiling {
		maxHits = maxHitsCeiling
	}

	r.mu.Lock()
	r.entries[id] = &Entry{
		ID:         id,
		FilePath:   filePath,
		LineNumber: lineNumber,
		Condition:  condition,
		MaxHits:    maxHits,
		CreatedAt:  time.Now(),
	}
	r.mu.Unlock()

	logging.WithComponent("breakpoint").Debug().Str("id", id).Str("file", filePath).Int("line", lineNumber).Msg("breakpoint set")
}

// Remove deregisters a breakpoint. No-op if it doesn't exist.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	logging.WithComponent("breakpoint").Debug().Str("id", id).Msg("breakpoint removed")
}

// Hit records a breakpoint hit: no-op unless the breakpoint is
// registered, under its max-hit ceiling, and within the rate-limiter
// window; otherwise it walks the stack (dropping the top two frames),
// reflects up to the first ten args, and emits breakpoint_hit.
func (r *Registry) Hit(id string, args ...stackwalk.KV) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if entry.HitCount >= entry.MaxHits {
		r.mu.Unlock()
		return
	}
	if !r.limiter.allow() {
		r.mu.Unlock()
		logging.WithComponent("breakpoint").Debug().Str("id", id).Msg("rate limit reached, dropping hit")
		return
	}
	entry.HitCount++
	hitCount := entry.HitCount
	filePath := entry.FilePath
	lineNumber := entry.LineNumber
	r.mu.Unlock()

	pcs := stackwalk.Capture(0, 64)
	frames := stackwalk.WalkSkippingBreakpointFrames(pcs, args, r.maxDepth)

	var localVariables interface{}
	if len(frames) > 0 {
		localVariables = frames[0].LocalVariables
	}

	payload := map[string]interface{}{
		"captured_at":     time.Now().UnixMilli(),
		"file_path":       filePath,
		"line_number":     lineNumber,
		"stack_trace":     frames,
		"local_variables": localVariables,
		"hit_count":       hitCount,
	}

	r.sender.SendBreakpointHit(id, payload)
}

// HandleCommand applies an inbound set/remove command, tolerant of the
// file/file_path and line/line_number payload key aliases.
func (r *Registry) HandleCommand(command string, payload map[string]interface{}) {
	switch command {
	case "set":
		id, _ := payload["id"].(string)

		filePath, _ := payload["file_path"].(string)
		if filePath == "" {
			filePath, _ = payload["file"].(string)
		}

		lineNumber := 0
		if ln, ok := payload["line_number"].(float64); ok {
			lineNumber = int(ln)
		} else if ln, ok := payload["line"].(float64); ok {
			lineNumber = int(ln)
		}

		condition, _ := payload["condition"].(string)

		maxHits := 1
		if mh, ok := payload["max_hits"].(float64); ok {
			maxHits = int(mh)
		}

		r.Set(id, filePath, lineNumber, condition, maxHits)

	case "remove":
		id, _ := payload["id"].(string)
		r.Remove(id)
	}
}
