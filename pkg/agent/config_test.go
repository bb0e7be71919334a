package agent

import "testing"

func TestValidateRejectsEmptyAPIKey(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when APIKey is empty")
	}
}

func TestValidateAcceptsDefaultsWithAPIKey(t *testing.T) {
	cfg := NewConfig(WithAPIKey("k"))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults plus an API key to validate, got %v", err)
	}
}

func TestValidateRejectsSamplingRateOutOfRange(t *testing.T) {
	for _, rate := range []float64{-0.1, 1.1} {
		cfg := NewConfig(WithAPIKey("k"), WithSamplingRate(rate))
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected samplingRate %v to be rejected", rate)
		}
	}
}

func TestValidateAcceptsSamplingRateBoundaries(t *testing.T) {
	for _, rate := range []float64{0, 1} {
		cfg := NewConfig(WithAPIKey("k"), WithSamplingRate(rate))
		if err := cfg.Validate(); err != nil {
			t.Fatalf("expected samplingRate %v to validate, got %v", rate, err)
		}
	}
}

func TestValidateRejectsMaxVariableDepthOutOfRange(t *testing.T) {
	for _, depth := range []int{-1, 11} {
		cfg := NewConfig(WithAPIKey("k"), WithMaxVariableDepth(depth))
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected maxVariableDepth %d to be rejected", depth)
		}
	}
}

func TestValidateErrorKind(t *testing.T) {
	cfg := NewConfig()
	err := cfg.Validate()
	cfgErr, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cfgErr.Kind != KindConfigInvalid {
		t.Fatalf("expected Kind %v, got %v", KindConfigInvalid, cfgErr.Kind)
	}
}

func TestOptionsOverrideEnvDefaults(t *testing.T) {
	cfg := NewConfig(
		WithAPIKey("k"),
		WithBackendURL("ws://localhost:9999/ws"),
		WithEnvironment("staging"),
		WithApplicationName("demo"),
		WithHeartbeatIntervalMs(5000),
		WithMaxReconnectAttempts(3),
		WithEnableBreakpoints(false),
	)

	if cfg.BackendURL != "ws://localhost:9999/ws" {
		t.Fatalf("expected overridden BackendURL, got %q", cfg.BackendURL)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected overridden Environment, got %q", cfg.Environment)
	}
	if cfg.ApplicationName != "demo" {
		t.Fatalf("expected overridden ApplicationName, got %q", cfg.ApplicationName)
	}
	if cfg.HeartbeatIntervalMs != 5000 {
		t.Fatalf("expected overridden HeartbeatIntervalMs, got %d", cfg.HeartbeatIntervalMs)
	}
	if cfg.MaxReconnectAttempts != 3 {
		t.Fatalf("expected overridden MaxReconnectAttempts, got %d", cfg.MaxReconnectAttempts)
	}
	if cfg.EnableBreakpoints {
		t.Fatal("expected EnableBreakpoints disabled by option")
	}
}

func TestShouldSampleBoundaries(t *testing.T) {
	full := NewConfig(WithAPIKey("k"), WithSamplingRate(1.0))
	if !full.ShouldSample() {
		t.Fatal("expected samplingRate 1.0 to always sample")
	}

	none := NewConfig(WithAPIKey("k"), WithSamplingRate(0.0))
	if none.ShouldSample() {
		t.Fatal("expected samplingRate 0.0 to never sample")
	}
}

func TestGenerateAgentIDIsUnique(t *testing.T) {
	a := generateAgentID("host")
	b := generateAgentID("host")
	if a == b {
		t.Fatal("expected distinct agent ids across calls")
	}
}
