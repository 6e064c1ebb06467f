package sipcall

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCallInProgress is returned when a trigger arrives while another
// attempt is still running. Attempts are never queued: a second press of
// the button while the gate is already being called is a no-op.
var ErrCallInProgress = errors.New("a gate call is already in progress")

// AttemptRecorder persists finished attempts. Recording failures never
// affect the call outcome.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, number string, result CallResult) error
}

// Controller is the single entry point for triggering the gate. It owns
// the one-call-at-a-time invariant, registration refresh, and result
// persistence.
type Controller struct {
	client    *Client
	registrar *Registrar
	recorder  AttemptRecorder
	notifier  *Notifier
	cfg       AccountConfig
	target    GateTarget
	logger    *slog.Logger

	mu   sync.Mutex // held for the duration of one attempt
	last struct {
		sync.RWMutex
		result *CallResult
	}
}

// NewController wires the call engine together. recorder may be nil.
func NewController(client *Client, registrar *Registrar, recorder AttemptRecorder, cfg AccountConfig, target GateTarget, logger *slog.Logger) *Controller {
	return &Controller{
		client:    client,
		registrar: registrar,
		recorder:  recorder,
		notifier:  NewNotifier(),
		cfg:       cfg,
		target:    target.withDefaults(),
		logger:    logger.With("subsystem", "controller"),
	}
}

// Notifier exposes the lifecycle phase stream.
func (c *Controller) Notifier() *Notifier { return c.notifier }

// Registrar exposes registration state for status reporting.
func (c *Controller) Registrar() *Registrar { return c.registrar }

// LastResult returns the most recent attempt result, if any.
func (c *Controller) LastResult() *CallResult {
	c.last.RLock()
	defer c.last.RUnlock()
	if c.last.result == nil {
		return nil
	}
	r := *c.last.result
	return &r
}

// TriggerGate places one call to the gate and returns its outcome. Only
// one attempt runs at a time; a concurrent trigger fails fast with
// ErrCallInProgress instead of queueing.
func (c *Controller) TriggerGate(ctx context.Context) (CallResult, error) {
	if !c.mu.TryLock() {
		return CallResult{}, ErrCallInProgress
	}
	defer c.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, c.target.CallTimeout)
	defer cancel()

	c.notifier.set(PhaseConnecting)

	var result CallResult
	if err := c.registrar.EnsureRegistered(attemptCtx); err != nil {
		c.logger.Error("registration failed", "error", err)
		result = CallResult{
			Outcome:   classifyRegisterError(err),
			Detail:    err.Error(),
			StartedAt: time.Now(),
		}
	} else {
		attempt := newAttempt(c.client, c.cfg, c.target, c.notifier, c.logger)
		result = attempt.run(attemptCtx)
	}

	if result.Outcome.Triggered() {
		c.notifier.set(PhaseCompleted)
	} else {
		c.notifier.set(PhaseFailed)
	}

	c.remember(result)
	c.record(result)

	c.notifier.set(PhaseIdle)
	return result, nil
}

func (c *Controller) remember(result CallResult) {
	c.last.Lock()
	c.last.result = &result
	c.last.Unlock()
}

// record persists the attempt on a background context so a cancelled
// trigger request cannot lose its own history row.
func (c *Controller) record(result CallResult) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.recorder.RecordAttempt(ctx, c.target.Number, result); err != nil {
		c.logger.Error("failed to record attempt", "error", err)
	}
}
