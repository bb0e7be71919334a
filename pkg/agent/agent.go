package agent

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aivorynet/agent-go/internal/logging"
	"github.com/aivorynet/agent-go/internal/telemetry"
	"github.com/aivorynet/agent-go/pkg/breakpoint"
	"github.com/aivorynet/agent-go/pkg/capture"
	"github.com/aivorynet/agent-go/pkg/stackwalk"
	"github.com/aivorynet/agent-go/pkg/transport"
)

// shutdownGracePeriod bounds how long Shutdown waits for a non-empty
// outbound queue to drain before closing the socket — the Go
// realization of the process-shutdown hook inspecting "the last
// error" before exit (spec.md §4.5's "process-exit hook").
const shutdownGracePeriod = 500 * time.Millisecond

// Agent is the process-wide façade orchestrating Config, the capture
// pipeline, the breakpoint registry, and the transport.
type Agent struct {
	config    *Config
	capturer  *capture.Capturer
	registry  *breakpoint.Registry
	transport *transport.Transport
	telemetry *telemetry.Collectors

	cancel context.CancelFunc

	mu            sync.RWMutex
	started       bool
	customContext map[string]interface{}
	user          map[string]string
}

var (
	globalMu    sync.Mutex
	globalAgent *Agent
)

// Init builds and starts the global agent. Idempotent: a second call
// logs a warning and returns the already-running instance, matching
// spec.md §4.9. Returns nil if Config fails validation.
func Init(options ...ConfigOption) *Agent {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalAgent != nil {
		logging.WithComponent("agent").Warn().Msg("Init called more than once; ignoring")
		return globalAgent
	}

	cfg := NewConfig(options...)
	logging.Configure(logging.Config{Debug: cfg.Debug, Environment: cfg.Environment})

	if err := cfg.Validate(); err != nil {
		logging.WithComponent("agent").Error().Err(err).Msg("agent initialization failed")
		return nil
	}

	a := newAgent(cfg)
	a.start()
	globalAgent = a

	logging.WithComponent("agent").Info().
		Str("agent_id", cfg.AgentID).
		Str("environment", cfg.Environment).
		Msg("agent initialized")

	return a
}

// GetAgent returns the global agent instance, or nil if Init has not
// been (successfully) called.
func GetAgent() *Agent {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalAgent
}

func newAgent(cfg *Config) *Agent {
	tel := telemetry.New()

	tp := transport.New(transport.Config{
		URL:                  cfg.BackendURL,
		APIKey:               cfg.APIKey,
		Environment:          cfg.Environment,
		ApplicationName:      cfg.ApplicationName,
		Hostname:             cfg.Hostname,
		AgentID:              cfg.AgentID,
		RuntimeVersion:       cfg.GetRuntimeInfo().RuntimeVersion,
		AgentVersion:         cfg.AgentVersion,
		Debug:                cfg.Debug,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, nil, tel)

	registry := breakpoint.NewRegistry(tp, cfg.MaxVariableDepth)
	tp.SetBreakpointDispatcher(registry)

	capturer := capture.New(tp, cfg.MaxVariableDepth, cfg.ShouldSample, tel)

	return &Agent{
		config:        cfg,
		capturer:      capturer,
		registry:      registry,
		transport:     tp,
		telemetry:     tel,
		customContext: make(map[string]interface{}),
		user:          make(map[string]string),
	}
}

// start connects the transport in the background and installs the
// shutdown-signal hook. Called once by Init.
func (a *Agent) start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = true
	a.mu.Unlock()

	go a.transport.Run(ctx)
	go a.handleSignals()
}

func (a *Agent) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.Shutdown()
}

// CaptureError captures an error as an unsampled, fingerprint-deduped
// exception (spec.md §4.5). ctx supplies request-context correlation
// (pkg/reqctx); extra is merged over the agent's customContext and
// under the current user, matching the façade's "customContext ∪
// context ∪ {user}" merge order.
func (a *Agent) CaptureError(ctx context.Context, err error, extra ...map[string]interface{}) {
	if a == nil || !a.IsInitialized() {
		return
	}
	a.capturer.Capture(err, capture.SeverityError, ctx, a.mergedContext(extra...))
}

// CaptureMessage captures a manual, sampled, non-exception message at
// the given severity (spec.md §4.5's error-hook sampling path, exposed
// explicitly since Go has no PHP-style error-hook severities to infer
// from).
func (a *Agent) CaptureMessage(ctx context.Context, msg string, severity capture.Severity, extra ...map[string]interface{}) {
	if a == nil || !a.IsInitialized() {
		return
	}
	a.capturer.CaptureMessage(msg, severity, ctx, a.mergedContext(extra...))
}

// CapturePanic must be called directly as a deferred function — Go's
// recover() only works when invoked directly by the deferred call —
// so this is the uncaught-exception hook's realization: `defer
// agent.CapturePanic(ctx)`. On panic it captures a critical
// ExceptionRecord then re-panics, preserving the host's normal crash
// behavior (captures never suspend execution).
func (a *Agent) CapturePanic(ctx context.Context, extra ...map[string]interface{}) {
	if r := recover(); r != nil {
		if a != nil && a.IsInitialized() {
			a.capturer.Capture(capture.PanicToError(r), capture.SeverityCritical, ctx, a.mergedContext(extra...))
		}
		panic(r)
	}
}

// Guard runs fn under recover, capturing a panic and then invoking
// onPanic (the chained, previously-installed hook — may be nil) before
// re-panicking. Use for wrapping a goroutine body or callback where a
// bare `defer CapturePanic()` isn't applicable.
func (a *Agent) Guard(ctx context.Context, onPanic func(interface{}), fn func()) {
	if a == nil || !a.IsInitialized() {
		fn()
		return
	}
	a.capturer.Guard(onPanic, ctx, a.mergedContext(), fn)
}

// SetContext replaces the custom context merged into every capture.
func (a *Agent) SetContext(ctx map[string]interface{}) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.customContext = make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		a.customContext[k] = v
	}
}

// SetUser replaces the current user, attached under the "user" key of
// every capture's context.
func (a *Agent) SetUser(id, email, username string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = make(map[string]string)
	if id != "" {
		a.user["id"] = id
	}
	if email != "" {
		a.user["email"] = email
	}
	if username != "" {
		a.user["username"] = username
	}
}

func (a *Agent) mergedContext(extra ...map[string]interface{}) map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	merged := make(map[string]interface{}, len(a.customContext)+1)
	for k, v := range a.customContext {
		merged[k] = v
	}
	if len(extra) > 0 {
		for k, v := range extra[0] {
			merged[k] = v
		}
	}
	if len(a.user) > 0 {
		merged["user"] = a.user
	}
	return merged
}

// Heartbeat emits a heartbeat envelope. Cadence is the host's
// responsibility (spec.md Design Note (c)); no-op if not initialized.
func (a *Agent) Heartbeat() {
	if a == nil || !a.IsInitialized() {
		return
	}
	a.transport.Heartbeat()
}

// ProcessMessages drains and dispatches at most one inbound envelope.
// Call at whatever cadence the host prefers; no-op if not initialized.
func (a *Agent) ProcessMessages() {
	if a == nil || !a.IsInitialized() {
		return
	}
	a.transport.ProcessMessages()
}

// Breakpoint records a hit against a developer-placed, non-breaking
// breakpoint id; args are reflected as the hit's local variables (up
// to the first ten). No-op if breakpoints are disabled or not
// initialized.
func (a *Agent) Breakpoint(id string, args ...stackwalk.KV) {
	if a == nil || !a.IsInitialized() || !a.config.EnableBreakpoints {
		return
	}
	a.registry.Hit(id, args...)
}

// Snapshot takes a manual, point-in-time snapshot under label — the
// "manual" half of spec.md §3's SnapshotRecord, distinct from a
// breakpoint hit. No-op if not initialized.
func (a *Agent) Snapshot(ctx context.Context, label string, extra ...map[string]interface{}) {
	if a == nil || !a.IsInitialized() {
		return
	}
	a.capturer.CaptureSnapshot(label, ctx, a.mergedContext(extra...))
}

// Config returns the agent's configuration.
func (a *Agent) Config() *Config {
	return a.config
}

// Telemetry exposes the agent's Prometheus collectors so a host can
// merge them into its own registry.
func (a *Agent) Telemetry() *telemetry.Collectors {
	return a.telemetry
}

// IsInitialized reports whether the agent has completed Init and has
// not since been shut down.
func (a *Agent) IsInitialized() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.started
}

// IsConnected reports whether the transport is currently connected and
// authenticated with the collector.
func (a *Agent) IsConnected() bool {
	if a == nil || !a.IsInitialized() {
		return false
	}
	return a.transport.IsConnected()
}

// Shutdown gives the outbound queue a bounded grace period to drain,
// then disconnects the transport and clears the global singleton.
// Cooperative: does not block more than briefly (spec.md §4.9/§5).
func (a *Agent) Shutdown() {
	if a == nil {
		return
	}

	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	deadline := time.Now().Add(shutdownGracePeriod)
	for a.transport.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	a.transport.Shutdown()

	if cancel != nil {
		cancel()
	}

	logging.WithComponent("agent").Info().Msg("agent shut down")

	globalMu.Lock()
	if globalAgent == a {
		globalAgent = nil
	}
	globalMu.Unlock()
}

// Package-level convenience functions delegating to the global agent.

// CaptureError captures an error using the global agent.
func CaptureError(ctx context.Context, err error, extra ...map[string]interface{}) {
	GetAgent().CaptureError(ctx, err, extra...)
}

// CaptureMessage captures a manual message using the global agent.
func CaptureMessage(ctx context.Context, msg string, severity capture.Severity, extra ...map[string]interface{}) {
	GetAgent().CaptureMessage(ctx, msg, severity, extra...)
}

// CapturePanic must be called directly in a deferred statement:
// `defer agent.CapturePanic(ctx)`.
func CapturePanic(ctx context.Context, extra ...map[string]interface{}) {
	if r := recover(); r != nil {
		if a := GetAgent(); a != nil {
			a.capturer.Capture(capture.PanicToError(r), capture.SeverityCritical, ctx, a.mergedContext(extra...))
		}
		panic(r)
	}
}

// SetContext sets custom context using the global agent.
func SetContext(ctx map[string]interface{}) {
	GetAgent().SetContext(ctx)
}

// SetUser sets user information using the global agent.
func SetUser(id, email, username string) {
	GetAgent().SetUser(id, email, username)
}

// Heartbeat emits a heartbeat using the global agent.
func Heartbeat() {
	GetAgent().Heartbeat()
}

// ProcessMessages drains one inbound message using the global agent.
func ProcessMessages() {
	GetAgent().ProcessMessages()
}

// Breakpoint records a breakpoint hit using the global agent.
func Breakpoint(id string, args ...stackwalk.KV) {
	GetAgent().Breakpoint(id, args...)
}

// Snapshot takes a manual snapshot using the global agent.
func Snapshot(ctx context.Context, label string, extra ...map[string]interface{}) {
	GetAgent().Snapshot(ctx, label, extra...)
}

// IsInitialized reports whether the global agent is initialized.
func IsInitialized() bool {
	return GetAgent().IsInitialized()
}

// IsConnected reports whether the global agent's transport is
// connected and authenticated.
func IsConnected() bool {
	return GetAgent().IsConnected()
}

// Shutdown stops the global agent.
func Shutdown() {
	GetAgent().Shutdown()
}
