package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the gatedial service.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// SIP account.
	SIPServer      string // SIP server/registrar host
	SIPPort        int    // SIP server port
	SIPTransport   string // udp, tcp or tls
	SIPUsername    string // account username
	SIPPassword    string // account password
	SIPAuthUser    string // auth username when it differs from the account username
	CallerID       string // optional caller-ID display name
	Register       bool   // register before calling (false for trunk-style IP auth)
	RegisterExpiry int    // requested registration expiry in seconds

	// Local endpoint.
	LocalIP      string // local IP override for Contact/SDP (auto-detected if empty)
	LocalSIPPort int    // local SIP listen port

	// Gate target.
	GateNumber  string // PSTN number of the gate device
	MaxRings    int    // hang up after this many observed rings
	CallTimeout int    // overall per-trigger deadline in seconds

	// Service.
	HTTPPort        int
	DataDir         string
	LogLevel        string
	LogFormat       string // "text" or "json"
	APIPasswordHash string // argon2id hash protecting the HTTP API (open if empty)
	JWTSecret       string // hex-encoded 32-byte secret for API token signing
}

// defaults
const (
	defaultSIPPort        = 5060
	defaultSIPTransport   = "udp"
	defaultRegisterExpiry = 300
	defaultLocalSIPPort   = 5080
	defaultMaxRings       = 1
	defaultCallTimeout    = 30
	defaultHTTPPort       = 8080
	defaultDataDir        = "./data"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all gatedial environment variables.
const envPrefix = "GATEDIAL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("gatedial", flag.ContinueOnError)

	fs.StringVar(&cfg.SIPServer, "sip-server", "", "SIP server hostname or IP")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP server port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp, tls)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-username", "", "digest auth username if different from sip-username")
	fs.StringVar(&cfg.CallerID, "caller-id", "", "caller-ID display name")
	fs.BoolVar(&cfg.Register, "register", true, "register with the SIP server before calling")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested registration expiry in seconds")
	fs.StringVar(&cfg.LocalIP, "local-ip", "", "local IP for Contact and SDP (auto-detected if empty)")
	fs.IntVar(&cfg.LocalSIPPort, "local-sip-port", defaultLocalSIPPort, "local SIP listen port")
	fs.StringVar(&cfg.GateNumber, "gate-number", "", "PSTN number of the gate device")
	fs.IntVar(&cfg.MaxRings, "max-rings", defaultMaxRings, "hang up after this many observed rings")
	fs.IntVar(&cfg.CallTimeout, "call-timeout", defaultCallTimeout, "overall call deadline in seconds")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIPasswordHash, "api-password-hash", "", "argon2id hash of the API password (API is unauthenticated if empty)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line, keeping the precedence flags > env > defaults.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"sip-server":        envPrefix + "SIP_SERVER",
		"sip-port":          envPrefix + "SIP_PORT",
		"sip-transport":     envPrefix + "SIP_TRANSPORT",
		"sip-username":      envPrefix + "SIP_USERNAME",
		"sip-password":      envPrefix + "SIP_PASSWORD",
		"sip-auth-username": envPrefix + "SIP_AUTH_USERNAME",
		"caller-id":         envPrefix + "CALLER_ID",
		"register":          envPrefix + "REGISTER",
		"register-expiry":   envPrefix + "REGISTER_EXPIRY",
		"local-ip":          envPrefix + "LOCAL_IP",
		"local-sip-port":    envPrefix + "LOCAL_SIP_PORT",
		"gate-number":       envPrefix + "GATE_NUMBER",
		"max-rings":         envPrefix + "MAX_RINGS",
		"call-timeout":      envPrefix + "CALL_TIMEOUT",
		"http-port":         envPrefix + "HTTP_PORT",
		"data-dir":          envPrefix + "DATA_DIR",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
		"api-password-hash": envPrefix + "API_PASSWORD_HASH",
		"jwt-secret":        envPrefix + "JWT_SECRET",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-server":
			cfg.SIPServer = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-password":
			cfg.SIPPassword = val
		case "sip-auth-username":
			cfg.SIPAuthUser = val
		case "caller-id":
			cfg.CallerID = val
		case "register":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Register = v
			}
		case "register-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterExpiry = v
			}
		case "local-ip":
			cfg.LocalIP = val
		case "local-sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.LocalSIPPort = v
			}
		case "gate-number":
			cfg.GateNumber = val
		case "max-rings":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxRings = v
			}
		case "call-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CallTimeout = v
			}
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "data-dir":
			cfg.DataDir = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "api-password-hash":
			cfg.APIPasswordHash = val
		case "jwt-secret":
			cfg.JWTSecret = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if strings.TrimSpace(c.SIPServer) == "" {
		return fmt.Errorf("sip-server is required")
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.LocalSIPPort < 1 || c.LocalSIPPort > 65535 {
		return fmt.Errorf("local-sip-port must be between 1 and 65535, got %d", c.LocalSIPPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	validTransports := map[string]bool{"udp": true, "tcp": true, "tls": true}
	if !validTransports[c.SIPTransport] {
		return fmt.Errorf("sip-transport must be one of udp, tcp, tls; got %q", c.SIPTransport)
	}

	if strings.TrimSpace(c.GateNumber) == "" {
		return fmt.Errorf("gate-number is required")
	}
	if c.MaxRings < 1 {
		return fmt.Errorf("max-rings must be at least 1, got %d", c.MaxRings)
	}
	if c.CallTimeout < 1 {
		return fmt.Errorf("call-timeout must be at least 1 second, got %d", c.CallTimeout)
	}

	if c.Register {
		if c.SIPUsername == "" {
			return fmt.Errorf("sip-username is required when register is enabled")
		}
		if c.SIPPassword == "" {
			return fmt.Errorf("sip-password is required when register is enabled")
		}
		if c.RegisterExpiry < 60 {
			return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
		}
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	c.LogFormat = strings.ToLower(c.LogFormat)
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}

	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("local-ip %q is not a valid IP address", c.LocalIP)
	}

	return nil
}

// CallDeadline returns the overall per-trigger deadline as a duration.
func (c *Config) CallDeadline() time.Duration {
	return time.Duration(c.CallTimeout) * time.Second
}

// LocalAddr returns the IP address to advertise in Contact headers and SDP.
// If LocalIP is configured it is returned directly; otherwise the machine's
// first non-loopback IPv4 address is used. This is best-effort NAT handling:
// no STUN is performed, the SIP server is expected to reconcile using the
// packet's observed source address. Falls back to "127.0.0.1".
func (c *Config) LocalAddr() string {
	if c.LocalIP != "" {
		return c.LocalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// JWTSecretBytes returns the decoded 32-byte token-signing secret. If no
// secret is configured, it generates a random one for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the chosen format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
