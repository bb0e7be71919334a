// Package fingerprint derives a stable identity hash for an exception
// from its type and the top of its stack trace, used to deduplicate
// repeated captures of structurally identical exceptions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/aivorynet/agent-go/pkg/stackwalk"
)

// topFrames is the number of leading frames mixed into
// the fingerprint.
const topFrames = 3

// Fingerprint computes sha256(type ‖ ":" ‖ f0.class+"::"+f0.method ‖
// ":" ‖ f1… ‖ ":" ‖ f2…) over exactly the top three frames of the
// trace. Missing class/method contribute empty strings. Traces
// shorter than three frames are padded with empty frame parts so the
// function is total.
func Fingerprint(exceptionType string, frames []stackwalk.Frame) string {
	parts := make([]string, 0, topFrames+1)
	parts = append(parts, exceptionType)

	for i := 0; i < topFrames; i++ {
		if i < len(frames) {
			parts = append(parts, framePart(frames[i]))
		} else {
			parts = append(parts, "")
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

func framePart(f stackwalk.Frame) string {
	return f.ClassName + "::" + f.MethodName
}
