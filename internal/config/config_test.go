package config

import (
	"os"
	"testing"
)

// minimal valid command line: server, gate number and credentials are the
// only required settings.
func baseArgs() []string {
	return []string{
		"gatedial",
		"--sip-server", "sip.example.com",
		"--gate-number", "+4912345678",
		"--sip-username", "gate",
		"--sip-password", "secret",
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"GATEDIAL_SIP_SERVER", "GATEDIAL_SIP_PORT", "GATEDIAL_SIP_TRANSPORT",
		"GATEDIAL_SIP_USERNAME", "GATEDIAL_SIP_PASSWORD", "GATEDIAL_GATE_NUMBER",
		"GATEDIAL_MAX_RINGS", "GATEDIAL_CALL_TIMEOUT", "GATEDIAL_HTTP_PORT",
		"GATEDIAL_DATA_DIR", "GATEDIAL_LOG_LEVEL", "GATEDIAL_LOG_FORMAT",
		"GATEDIAL_REGISTER", "GATEDIAL_LOCAL_SIP_PORT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = baseArgs()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.SIPTransport != defaultSIPTransport {
		t.Errorf("SIPTransport = %q, want %q", cfg.SIPTransport, defaultSIPTransport)
	}
	if !cfg.Register {
		t.Error("Register = false, want true by default")
	}
	if cfg.RegisterExpiry != defaultRegisterExpiry {
		t.Errorf("RegisterExpiry = %d, want %d", cfg.RegisterExpiry, defaultRegisterExpiry)
	}
	if cfg.LocalSIPPort != defaultLocalSIPPort {
		t.Errorf("LocalSIPPort = %d, want %d", cfg.LocalSIPPort, defaultLocalSIPPort)
	}
	if cfg.MaxRings != defaultMaxRings {
		t.Errorf("MaxRings = %d, want %d", cfg.MaxRings, defaultMaxRings)
	}
	if cfg.CallTimeout != defaultCallTimeout {
		t.Errorf("CallTimeout = %d, want %d", cfg.CallTimeout, defaultCallTimeout)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.LogFormat != defaultLogFormat {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, defaultLogFormat)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = baseArgs()
	t.Setenv("GATEDIAL_HTTP_PORT", "9090")
	t.Setenv("GATEDIAL_MAX_RINGS", "3")
	t.Setenv("GATEDIAL_LOG_LEVEL", "debug")
	t.Setenv("GATEDIAL_DATA_DIR", "/tmp/gatedial-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.MaxRings != 3 {
		t.Errorf("MaxRings = %d, want 3", cfg.MaxRings)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.DataDir != "/tmp/gatedial-test" {
		t.Errorf("DataDir = %q, want /tmp/gatedial-test", cfg.DataDir)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = append(baseArgs(), "--http-port", "3000", "--log-level", "warn")
	t.Setenv("GATEDIAL_HTTP_PORT", "9090")
	t.Setenv("GATEDIAL_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateMissingServer(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"gatedial", "--gate-number", "+4912345678", "--register=false"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing sip-server, got nil")
	}
}

func TestValidateMissingGateNumber(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"gatedial", "--sip-server", "sip.example.com", "--register=false"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing gate-number, got nil")
	}
}

func TestValidateRegisterNeedsCredentials(t *testing.T) {
	clearEnv(t)
	os.Args = []string{
		"gatedial",
		"--sip-server", "sip.example.com",
		"--gate-number", "+4912345678",
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for register without credentials, got nil")
	}
}

func TestValidateNoRegisterNeedsNoCredentials(t *testing.T) {
	clearEnv(t)
	os.Args = []string{
		"gatedial",
		"--sip-server", "sip.example.com",
		"--gate-number", "+4912345678",
		"--register=false",
	}
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error for IP-auth trunk config: %v", err)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Args = append(baseArgs(), "--http-port", "99999")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidTransport(t *testing.T) {
	clearEnv(t)
	os.Args = append(baseArgs(), "--sip-transport", "sctp")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid transport, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = append(baseArgs(), "--log-level", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestCallDeadline(t *testing.T) {
	clearEnv(t)
	os.Args = append(baseArgs(), "--call-timeout", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.CallDeadline().Seconds(); got != 10 {
		t.Errorf("CallDeadline = %vs, want 10s", got)
	}
}
