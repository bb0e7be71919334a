// Package redact recursively rewrites a mapping, replacing values
// whose key name matches any sensitive pattern with the literal
// "[REDACTED]". The matching approach (a single precompiled regular
// expression over key names) mirrors the pattern the Rollbar Go
// client uses for its default ScrubFields regex.
package redact

import "regexp"

const redactedValue = "[REDACTED]"

// sensitiveKeys is the full list of sensitive key substrings, joined into a single
// case-insensitive alternation.
var sensitiveKeys = regexp.MustCompile(`(?i)(password|passwd|secret|token|api_key|apikey|auth|authorization|credit_card|creditcard|cvv|ssn|private_key|privatekey)`)

// Redactor holds the compiled pattern; the zero value is ready to use.
type Redactor struct {
	pattern *regexp.Regexp
}

// New returns a Redactor using the default sensitive-key pattern.
func New() *Redactor {
	return &Redactor{pattern: sensitiveKeys}
}

// WithPattern returns a Redactor matching a caller-supplied pattern
// instead of the default list, for hosts that need additional keys.
func WithPattern(pattern *regexp.Regexp) *Redactor {
	return &Redactor{pattern: pattern}
}

// Redact returns a copy of v with every value whose key matches the
// sensitive pattern replaced by "[REDACTED]"; matching keys are never
// descended into, even when their value is itself a container.
func (r *Redactor) Redact(v map[string]interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	pattern := r.pattern
	if pattern == nil {
		pattern = sensitiveKeys
	}
	return redactMap(v, pattern)
}

func redactMap(v map[string]interface{}, pattern *regexp.Regexp) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for key, value := range v {
		if pattern.MatchString(key) {
			out[key] = redactedValue
			continue
		}
		out[key] = redactValue(value, pattern)
	}
	return out
}

func redactValue(value interface{}, pattern *regexp.Regexp) interface{} {
	switch t := value.(type) {
	case map[string]interface{}:
		return redactMap(t, pattern)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = redactValue(elem, pattern)
		}
		return out
	default:
		return value
	}
}

// Redact is a package-level convenience using the default pattern.
func Redact(v map[string]interface{}) map[string]interface{} {
	return New().Redact(v)
}
