// Package agent provides the AIVory Monitor Go agent: the process-wide
// façade that wires Config, pkg/capture, pkg/breakpoint, and
// pkg/transport together into the public API applications embed.
package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Config holds immutable runtime parameters, validated once at
// construction (Validate) and never mutated afterward.
type Config struct {
	APIKey            string
	BackendURL        string
	Environment       string
	ApplicationName   string
	SamplingRate      float64
	MaxVariableDepth  int
	Debug             bool
	EnableBreakpoints bool

	HeartbeatIntervalMs  int
	MaxReconnectAttempts int

	Hostname     string
	AgentID      string
	AgentVersion string
}

// NewConfig builds a Config starting from environment defaults (the
// AIVORY_* variables) and applying options over them, mirroring the
// teacher's functional-options pattern.
func NewConfig(options ...ConfigOption) *Config {
	cfg := NewConfigFromEnv()
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// NewConfigFromEnv builds a Config entirely from the AIVORY_* environment
// variables, falling back to the defaults listed in spec.md §6.
func NewConfigFromEnv() *Config {
	cfg := &Config{
		APIKey:               getEnvOrDefault("AIVORY_API_KEY", ""),
		BackendURL:           getEnvOrDefault("AIVORY_BACKEND_URL", "wss://api.aivory.net/ws/monitor/agent"),
		Environment:          getEnvOrDefault("AIVORY_ENVIRONMENT", "production"),
		ApplicationName:      getEnvOrDefault("AIVORY_APP_NAME", ""),
		SamplingRate:         getEnvFloatOrDefault("AIVORY_SAMPLING_RATE", 1.0),
		MaxVariableDepth:     getEnvIntOrDefault("AIVORY_MAX_DEPTH", 10),
		Debug:                getEnvOrDefault("AIVORY_DEBUG", "false") == "true",
		EnableBreakpoints:    getEnvOrDefault("AIVORY_ENABLE_BREAKPOINTS", "true") == "true",
		HeartbeatIntervalMs:  30000,
		MaxReconnectAttempts: 10,
		AgentVersion:         "1.0.0",
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname
	cfg.AgentID = generateAgentID(hostname)

	return cfg
}

// Validate enforces spec.md §4.1's invariants: apiKey ≠ ∅, samplingRate
// ∈ [0,1], maxVariableDepth ∈ [0,10]. Returns a *ConfigError on
// violation, nil otherwise.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return newConfigError("apiKey must not be empty")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return newConfigError(fmt.Sprintf("samplingRate %v must be in [0,1]", c.SamplingRate))
	}
	if c.MaxVariableDepth < 0 || c.MaxVariableDepth > 10 {
		return newConfigError(fmt.Sprintf("maxVariableDepth %d must be in [0,10]", c.MaxVariableDepth))
	}
	return nil
}

// ShouldSample reports whether the current error-hook event should be
// captured, per Config.SamplingRate. Exception/panic captures never
// call this — they are deduplicated by fingerprint instead (spec.md §4.5).
func (c *Config) ShouldSample() bool {
	if c.SamplingRate >= 1.0 {
		return true
	}
	if c.SamplingRate <= 0.0 {
		return false
	}
	var b [8]byte
	rand.Read(b[:])
	r := float64(b[0]) / 256.0
	return r < c.SamplingRate
}

// ConfigOption is a function that modifies Config, applied by NewConfig
// after environment defaults are loaded.
type ConfigOption func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) { c.APIKey = key }
}

// WithBackendURL sets the backend URL.
func WithBackendURL(url string) ConfigOption {
	return func(c *Config) { c.BackendURL = url }
}

// WithEnvironment sets the environment label.
func WithEnvironment(env string) ConfigOption {
	return func(c *Config) { c.Environment = env }
}

// WithApplicationName sets the application name label.
func WithApplicationName(name string) ConfigOption {
	return func(c *Config) { c.ApplicationName = name }
}

// WithSamplingRate sets the error-hook sampling rate.
func WithSamplingRate(rate float64) ConfigOption {
	return func(c *Config) { c.SamplingRate = rate }
}

// WithMaxVariableDepth sets the variable-reflection depth bound.
func WithMaxVariableDepth(depth int) ConfigOption {
	return func(c *Config) { c.MaxVariableDepth = depth }
}

// WithDebug enables verbose internal logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) { c.Debug = debug }
}

// WithEnableBreakpoints enables or disables the breakpoint registry.
func WithEnableBreakpoints(enable bool) ConfigOption {
	return func(c *Config) { c.EnableBreakpoints = enable }
}

// WithHeartbeatIntervalMs sets the heartbeat cadence the host is
// expected to drive (the agent itself runs no internal ticker).
func WithHeartbeatIntervalMs(ms int) ConfigOption {
	return func(c *Config) { c.HeartbeatIntervalMs = ms }
}

// WithMaxReconnectAttempts caps transport reconnection attempts.
func WithMaxReconnectAttempts(n int) ConfigOption {
	return func(c *Config) { c.MaxReconnectAttempts = n }
}

// RuntimeInfo describes the Go runtime the agent is embedded in.
type RuntimeInfo struct {
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
	NumCPU         int    `json:"num_cpu"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// GetRuntimeInfo returns current runtime information.
func (c *Config) GetRuntimeInfo() RuntimeInfo {
	return RuntimeInfo{
		Runtime:        "go",
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		NumGoroutine:   runtime.NumGoroutine(),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// generateAgentID builds "<hostname>-<8hexRandom>-<pid>", per spec.md §6.
// The collector may rename it in the "registered" reply.
func generateAgentID(hostname string) string {
	random := make([]byte, 4)
	rand.Read(random)
	return fmt.Sprintf("%s-%s-%d", hostname, hex.EncodeToString(random), os.Getpid())
}
