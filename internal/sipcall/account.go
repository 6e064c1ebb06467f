package sipcall

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// AccountConfig describes the SIP account used to reach the gate. It is
// immutable once validated; the caller is expected to hand over a finished
// record (see internal/config for how the daemon assembles one).
type AccountConfig struct {
	Server       string // SIP server/registrar host
	Port         int    // SIP server port
	Transport    string // "udp", "tcp" or "tls"
	Username     string
	Password     string
	AuthUsername string // digest username when it differs from Username
	CallerID     string // optional display name for the From header

	Register       bool // perform REGISTER before calling
	RegisterExpiry int  // requested registration expiry in seconds

	LocalIP   string // address advertised in Contact and SDP
	LocalPort int    // local SIP listen port
}

// Validate checks the account record for the invariants the call engine
// relies on.
func (c AccountConfig) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("sip server host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("sip server port must be between 1 and 65535, got %d", c.Port)
	}
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return fmt.Errorf("local sip port must be between 1 and 65535, got %d", c.LocalPort)
	}
	switch strings.ToLower(c.Transport) {
	case "udp", "tcp", "tls":
	default:
		return fmt.Errorf("transport must be one of udp, tcp, tls; got %q", c.Transport)
	}
	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("local ip %q is not a valid IP address", c.LocalIP)
	}
	if c.Register && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("username and password are required when registration is enabled")
	}
	return nil
}

// serverURI returns the Request-URI for server-directed requests (REGISTER,
// OPTIONS): "sip:host:port".
func (c AccountConfig) serverURI() string {
	return fmt.Sprintf("sip:%s:%d", c.Server, c.Port)
}

// authUser returns the username to present in digest challenges.
func (c AccountConfig) authUser() string {
	if c.AuthUsername != "" {
		return c.AuthUsername
	}
	return c.Username
}

// transportUpper returns the transport in the upper-case form SIP headers use.
func (c AccountConfig) transportUpper() string {
	return strings.ToUpper(c.Transport)
}

// GateTarget describes one gate destination and the hang-up policy for it.
type GateTarget struct {
	// Number is the PSTN number of the gate device.
	Number string

	// MaxRings is the number of observed rings after which the call is
	// voluntarily cancelled. Defaults to 1.
	MaxRings int

	// CallTimeout is the overall deadline for one trigger attempt,
	// enforced independently of SIP transaction timers. Defaults to 30s.
	CallTimeout time.Duration
}

// DefaultCallTimeout is the overall attempt deadline when none is configured.
const DefaultCallTimeout = 30 * time.Second

// withDefaults returns a copy with unset policy fields filled in.
func (t GateTarget) withDefaults() GateTarget {
	if t.MaxRings < 1 {
		t.MaxRings = 1
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = DefaultCallTimeout
	}
	return t
}

// Validate checks the target record.
func (t GateTarget) Validate() error {
	if strings.TrimSpace(t.Number) == "" {
		return fmt.Errorf("gate number must not be empty")
	}
	return nil
}
