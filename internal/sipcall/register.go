package sipcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// ErrAuthFailed marks registration failures caused by credentials rather
// than the network. It is never retried automatically.
var ErrAuthFailed = errors.New("sip authentication failed")

// refreshFraction is how much of the granted expiry may elapse before a
// cached registration is considered stale (re-register at 80%).
const refreshFraction = 0.8

// Registration is the cached result of a successful REGISTER. It is a
// cache, never a source of truth: dropping it only costs one round-trip.
type Registration struct {
	RegisteredAt time.Time
	Expiry       int // server-granted seconds
}

// ExpiresAt returns when the registration lapses.
func (r Registration) ExpiresAt() time.Time {
	return r.RegisteredAt.Add(time.Duration(r.Expiry) * time.Second)
}

// fresh reports whether the registration is still within its refresh window.
func (r Registration) fresh(now time.Time) bool {
	window := time.Duration(float64(r.Expiry)*refreshFraction) * time.Second
	return now.Before(r.RegisteredAt.Add(window))
}

// Registrar maintains the account's registration with the SIP server.
// Registration is optional: providers doing trunk-style IP auth accept
// unregistered calls and the registrar becomes a no-op.
type Registrar struct {
	cfg    AccountConfig
	client *Client
	logger *slog.Logger

	mu  sync.Mutex
	reg *Registration
}

// NewRegistrar creates a registrar for the account bound to client.
func NewRegistrar(cfg AccountConfig, client *Client, logger *slog.Logger) *Registrar {
	return &Registrar{
		cfg:    cfg,
		client: client,
		logger: logger.With("subsystem", "registrar"),
	}
}

// EnsureRegistered makes sure a valid registration exists before a call.
// A cached registration is reused until 80% of its granted expiry has
// elapsed, so repeated gate triggers don't pay a REGISTER round-trip each
// time. No-op when registration is disabled for the account.
func (r *Registrar) EnsureRegistered(ctx context.Context) error {
	if !r.cfg.Register {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reg != nil && r.reg.fresh(time.Now()) {
		r.logger.Debug("reusing cached registration",
			"expires_at", r.reg.ExpiresAt(),
		)
		return nil
	}

	granted, err := r.sendRegister(ctx, r.cfg.RegisterExpiry)
	if err != nil {
		r.reg = nil
		return err
	}

	r.reg = &Registration{RegisteredAt: time.Now(), Expiry: granted}
	r.logger.Info("registered",
		"server", r.cfg.Server,
		"expires_in", granted,
	)
	return nil
}

// ForceRegister performs a single REGISTER ignoring and bypassing the
// cache. Used for one-shot connectivity tests.
func (r *Registrar) ForceRegister(ctx context.Context) (int, error) {
	return r.sendRegisterLocked(ctx, r.cfg.RegisterExpiry)
}

// Unregister sends a REGISTER with Expires: 0 and drops the cache.
// Best-effort: failures are logged by the caller, the cache is cleared
// regardless.
func (r *Registrar) Unregister(ctx context.Context) error {
	if !r.cfg.Register {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reg = nil
	_, err := r.sendRegister(ctx, 0)
	return err
}

// Status returns whether a live registration is cached and when it lapses.
func (r *Registrar) Status() (registered bool, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reg == nil || !time.Now().Before(r.reg.ExpiresAt()) {
		return false, time.Time{}
	}
	return true, r.reg.ExpiresAt()
}

func (r *Registrar) sendRegisterLocked(ctx context.Context, expiry int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendRegister(ctx, expiry)
}

// sendRegister sends a REGISTER with digest auth handling and returns the
// server-granted expiry. Callers hold r.mu.
func (r *Registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := r.cfg.serverURI()
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(r.cfg.transportUpper())

	// From and To carry the account's address-of-record.
	aor := fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.cfg.Server)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", r.client.LocalContact()))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authzHeader, cred, err := digestCredentials(res,
			req.Method.String(), recipientStr, r.cfg.authUser(), r.cfg.Password)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrAuthFailed, err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}

		// A second challenge means the credentials were not accepted.
		if res.StatusCode == 401 || res.StatusCode == 403 || res.StatusCode == 407 {
			return 0, fmt.Errorf("%w: register rejected with %d %s",
				ErrAuthFailed, res.StatusCode, res.Reason)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Per RFC 3261 §10.2.4 the registrar may shorten the requested expiry.
	// Prefer the Contact expires param, then the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}

	return granted, nil
}

// classifyRegisterError maps a registration failure onto a call outcome.
func classifyRegisterError(err error) Outcome {
	if errors.Is(err, ErrAuthFailed) {
		return OutcomeAuthError
	}
	// 403 on the first REGISTER (no challenge) is also a credential problem.
	if strings.Contains(err.Error(), "status 403") {
		return OutcomeAuthError
	}
	// The registrar never answered before the attempt deadline.
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeTransportError
}
