package sipcall

import (
	"sync"
	"time"
)

// Outcome classifies how a gate call attempt ended. Busy and Opened are the
// two expected success signals: the gate device either returns busy as soon
// as it registers the call, or lets it ring once and we hang up ourselves.
type Outcome string

const (
	// OutcomeOpened means the configured ring count was observed and the
	// call was voluntarily cancelled.
	OutcomeOpened Outcome = "opened"

	// OutcomeBusy means the far end returned 486/600. For a gate device
	// that signals busy once it registers the call, this is success.
	OutcomeBusy Outcome = "busy"

	// OutcomeAnswered means the far end sent 200 OK. Unexpected for a
	// gate (implies a human or voicemail), handled by ACK + immediate BYE
	// and classified as a non-error completion.
	OutcomeAnswered Outcome = "answered"

	// OutcomeRejected means a final failure response other than busy
	// (403, 404, 5xx, ...).
	OutcomeRejected Outcome = "rejected"

	// OutcomeTimeout means the overall deadline elapsed before any
	// terminal state was reached.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeTransportError means the network or the SIP transaction
	// layer gave up (bind failure, retransmission exhaustion).
	OutcomeTransportError Outcome = "transport_error"

	// OutcomeAuthError means registration or digest authentication failed.
	OutcomeAuthError Outcome = "auth_error"
)

// Triggered reports whether the attempt is considered a successful gate
// trigger. Answered counts: the device registered the call even if
// something picked up.
func (o Outcome) Triggered() bool {
	switch o {
	case OutcomeOpened, OutcomeBusy, OutcomeAnswered:
		return true
	}
	return false
}

// CallResult is the immutable record of one trigger attempt.
type CallResult struct {
	AttemptID string        `json:"attempt_id"`
	CallID    string        `json:"call_id,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	SIPStatus int           `json:"sip_status,omitempty"`
	RingCount int           `json:"ring_count"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Phase is the coarse lifecycle state surfaced to observers while an
// attempt is running (and between attempts).
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseCalling    Phase = "calling"
	PhaseRinging    Phase = "ringing"
	PhaseAnswered   Phase = "answered"
	PhaseBusy       Phase = "busy"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// Notifier fans lifecycle phase changes out to subscribers. Callbacks run
// synchronously on the state machine's goroutine and must be fast.
type Notifier struct {
	mu      sync.RWMutex
	current Phase
	subs    []func(Phase)
}

// NewNotifier creates a notifier in the idle phase.
func NewNotifier() *Notifier {
	return &Notifier{current: PhaseIdle}
}

// Subscribe registers a callback invoked on every phase change.
func (n *Notifier) Subscribe(fn func(Phase)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Current returns the most recent phase.
func (n *Notifier) Current() Phase {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

func (n *Notifier) set(p Phase) {
	n.mu.Lock()
	if n.current == p {
		n.mu.Unlock()
		return
	}
	n.current = p
	subs := make([]func(Phase), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}
