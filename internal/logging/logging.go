// Package logging provides the agent's structured logger, grounded on
// the retrieval pack's xg2g logger: a lazily configured, mutex-guarded
// package-level zerolog.Logger rather than a per-component instance.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Debug       bool
	Output      io.Writer // defaults to os.Stderr
	Environment string
}

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	initialized bool
)

// Configure initializes the global logger. Safe to call more than
// once (the agent's Init is itself idempotent, but tests may
// reconfigure between cases).
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	writer := cfg.Output
	if writer == nil {
		writer = os.Stderr
	}

	ctx := zerolog.New(writer).With().Timestamp().Str("service", "aivory-agent")
	if cfg.Environment != "" {
		ctx = ctx.Str("environment", cfg.Environment)
	}
	base = ctx.Logger()
	initialized = true
}

func ensureInitialized() {
	mu.RLock()
	ready := initialized
	mu.RUnlock()
	if !ready {
		Configure(Config{})
	}
}

// L returns the current global logger.
func L() zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with a component name,
// used by each package (capture, transport, breakpoint) to tag its
// log lines.
func WithComponent(component string) zerolog.Logger {
	return L().With().Str("component", component).Logger()
}

// Debugf logs at debug level only; agent-internal
// failures never propagate to the host and are only ever visible via
// this path when Config.Debug is set.
func Debugf(component, msg string, err error) {
	WithComponent(component).Debug().Err(err).Msg(msg)
}
