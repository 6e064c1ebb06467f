package sipcall

import (
	"testing"
	"time"
)

func validAccount() AccountConfig {
	return AccountConfig{
		Server:         "sip.example.com",
		Port:           5060,
		Transport:      "udp",
		Username:       "gate",
		Password:       "secret",
		Register:       true,
		RegisterExpiry: 300,
		LocalIP:        "192.168.1.10",
		LocalPort:      5080,
	}
}

func TestAccountConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AccountConfig)
		wantErr bool
	}{
		{"valid", func(c *AccountConfig) {}, false},
		{"empty server", func(c *AccountConfig) { c.Server = "" }, true},
		{"bad port", func(c *AccountConfig) { c.Port = 0 }, true},
		{"bad local port", func(c *AccountConfig) { c.LocalPort = 70000 }, true},
		{"bad transport", func(c *AccountConfig) { c.Transport = "sctp" }, true},
		{"bad local ip", func(c *AccountConfig) { c.LocalIP = "not-an-ip" }, true},
		{"register without password", func(c *AccountConfig) { c.Password = "" }, true},
		{"no register no credentials", func(c *AccountConfig) {
			c.Register = false
			c.Username = ""
			c.Password = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validAccount()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAccountConfigHelpers(t *testing.T) {
	cfg := validAccount()

	if got := cfg.serverURI(); got != "sip:sip.example.com:5060" {
		t.Errorf("serverURI() = %q", got)
	}
	if got := cfg.transportUpper(); got != "UDP" {
		t.Errorf("transportUpper() = %q", got)
	}
	if got := cfg.authUser(); got != "gate" {
		t.Errorf("authUser() = %q, want account username", got)
	}

	cfg.AuthUsername = "gate-auth"
	if got := cfg.authUser(); got != "gate-auth" {
		t.Errorf("authUser() = %q, want auth username override", got)
	}
}

func TestGateTargetWithDefaults(t *testing.T) {
	target := GateTarget{Number: "+4912345678"}.withDefaults()

	if target.MaxRings != 1 {
		t.Errorf("MaxRings = %d, want 1", target.MaxRings)
	}
	if target.CallTimeout != DefaultCallTimeout {
		t.Errorf("CallTimeout = %v, want %v", target.CallTimeout, DefaultCallTimeout)
	}

	custom := GateTarget{Number: "123", MaxRings: 3, CallTimeout: 5 * time.Second}.withDefaults()
	if custom.MaxRings != 3 || custom.CallTimeout != 5*time.Second {
		t.Errorf("withDefaults() clobbered explicit values: %+v", custom)
	}
}

func TestGateTargetValidate(t *testing.T) {
	if err := (GateTarget{Number: "+4912345678"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (GateTarget{Number: "  "}).Validate(); err == nil {
		t.Error("expected error for empty number, got nil")
	}
}
