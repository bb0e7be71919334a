package agent

import "fmt"

// ErrorKind classifies the agent-internal failure modes ConfigError
// reports. Transport's failure modes have their own typed error and
// Kind set in pkg/transport.
type ErrorKind string

const (
	KindConfigInvalid ErrorKind = "ConfigInvalid"
)

// ConfigError reports an invalid Config field, returned by
// Config.Validate and never by any other path.
type ConfigError struct {
	Kind   ErrorKind
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("agent: invalid config: %s", e.Reason)
}

func newConfigError(reason string) *ConfigError {
	return &ConfigError{Kind: KindConfigInvalid, Reason: reason}
}
