package sipcall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/gatedial/gatedial/internal/media"
)

// Attempt lifecycle states. The call is driven as a strict state machine
// so that a late response can never flip a terminal outcome.
const (
	stateIdle       = "idle"
	stateDialing    = "dialing"
	stateRinging    = "ringing"
	stateAnswered   = "answered"
	stateBusy       = "busy"
	stateRejected   = "rejected"
	stateCancelled  = "cancelled"
	stateFailed     = "failed"
	stateTerminated = "terminated"
)

// ringGraceDelay is how long we keep listening after the ring threshold is
// reached before sending CANCEL. A gate device that answers or goes busy
// immediately after ringing still gets its say.
const ringGraceDelay = 500 * time.Millisecond

// cancelWait bounds how long we wait for the 487 after sending CANCEL.
const cancelWait = 2 * time.Second

// byeWait bounds the BYE transaction after an unexpected answer.
const byeWait = 3 * time.Second

// advertisedRTPPort is the audio port placed in the SDP offer. No RTP is
// ever exchanged; the port only has to be syntactically valid.
const advertisedRTPPort = 40000

// attempt drives a single outbound gate call from INVITE to a terminal
// outcome. One attempt is single-use.
type attempt struct {
	client   *Client
	cfg      AccountConfig
	target   GateTarget
	notifier *Notifier
	logger   *slog.Logger

	machine   *fsm.FSM
	attemptID string
	callID    string

	ringCount int
	seen      map[string]bool
}

func newAttempt(client *Client, cfg AccountConfig, target GateTarget, notifier *Notifier, logger *slog.Logger) *attempt {
	a := &attempt{
		client:    client,
		cfg:       cfg,
		target:    target.withDefaults(),
		notifier:  notifier,
		attemptID: uuid.NewString(),
		callID:    uuid.NewString(),
		seen:      make(map[string]bool),
	}
	a.logger = logger.With("subsystem", "call", "attempt_id", a.attemptID, "call_id", a.callID)

	a.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: "dial", Src: []string{stateIdle}, Dst: stateDialing},
			{Name: "ring", Src: []string{stateDialing}, Dst: stateRinging},
			{Name: "busy", Src: []string{stateDialing, stateRinging}, Dst: stateBusy},
			{Name: "answer", Src: []string{stateDialing, stateRinging}, Dst: stateAnswered},
			{Name: "reject", Src: []string{stateDialing, stateRinging}, Dst: stateRejected},
			{Name: "cancel", Src: []string{stateRinging}, Dst: stateCancelled},
			{Name: "fail", Src: []string{stateIdle, stateDialing, stateRinging}, Dst: stateFailed},
			{Name: "terminate", Src: []string{
				stateAnswered, stateBusy, stateRejected, stateCancelled, stateFailed,
			}, Dst: stateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				a.onStateChange(e)
			},
		},
	)
	return a
}

func (a *attempt) onStateChange(e *fsm.Event) {
	a.logger.Debug("call state change", "from", e.Src, "to", e.Dst)
	if p := phaseFor(e.Dst); p != "" {
		a.notifier.set(p)
	}
}

// phaseFor maps machine states onto the coarse observer phases. Terminal
// states are reported by the controller once the result is recorded.
func phaseFor(state string) Phase {
	switch state {
	case stateDialing:
		return PhaseCalling
	case stateRinging:
		return PhaseRinging
	case stateAnswered:
		return PhaseAnswered
	case stateBusy:
		return PhaseBusy
	}
	return ""
}

// event fires a machine transition, logging instead of failing when the
// transition is not allowed from the current state.
func (a *attempt) event(ctx context.Context, name string) {
	if err := a.machine.Event(ctx, name); err != nil {
		a.logger.Debug("state transition skipped",
			"event", name,
			"state", a.machine.Current(),
			"error", err,
		)
	}
}

// run places the call and blocks until a terminal outcome. The context
// carries the overall attempt deadline.
func (a *attempt) run(ctx context.Context) CallResult {
	result := CallResult{
		AttemptID: a.attemptID,
		CallID:    a.callID,
		StartedAt: time.Now(),
	}
	finish := func(outcome Outcome, status int, detail string) CallResult {
		result.Outcome = outcome
		result.SIPStatus = status
		result.Detail = detail
		result.RingCount = a.ringCount
		result.Duration = time.Since(result.StartedAt)
		a.event(context.Background(), "terminate")
		a.logger.Info("call attempt finished",
			"outcome", outcome,
			"sip_status", status,
			"rings", a.ringCount,
			"duration", result.Duration,
		)
		return result
	}

	req, err := a.buildInvite()
	if err != nil {
		a.event(ctx, "fail")
		return finish(OutcomeTransportError, 0, err.Error())
	}

	a.logger.Info("dialing gate",
		"number", a.target.Number,
		"server", a.cfg.Server,
		"max_rings", a.target.MaxRings,
	)

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		a.event(ctx, "fail")
		return finish(OutcomeTransportError, 0, fmt.Sprintf("sending invite: %v", err))
	}
	defer tx.Terminate()

	a.event(ctx, "dial")

	var (
		authTried      bool
		provisional    bool
		cancelSent     bool
		graceC         <-chan time.Time
		cancelTimeoutC <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			// Deadline landed inside the 487 wait. The rings were
			// observed and the CANCEL went out, so the trigger counts.
			if cancelSent {
				a.event(context.Background(), "cancel")
				return finish(OutcomeOpened, 0, "cancelled after ringing, no 487 received")
			}
			// Overall deadline. CANCEL is only legal once a provisional
			// response has been received (RFC 3261 section 9.1).
			if provisional {
				a.sendCancel(req)
			}
			a.event(context.Background(), "fail")
			return finish(OutcomeTimeout, 0, "call timed out without a final response")

		case <-tx.Done():
			if cancelSent {
				// The transaction absorbed the 487 before we read it.
				a.event(context.Background(), "cancel")
				return finish(OutcomeOpened, 487, "cancelled after ringing")
			}
			a.event(context.Background(), "fail")
			detail := "transaction terminated"
			if txErr := tx.Err(); txErr != nil {
				detail = txErr.Error()
			}
			return finish(OutcomeTransportError, 0, detail)

		case <-graceC:
			graceC = nil
			a.sendCancel(req)
			cancelSent = true
			cancelTimeoutC = time.After(cancelWait)

		case <-cancelTimeoutC:
			// No 487 arrived. The CANCEL was sent and the rings were
			// observed, so the trigger still counts.
			a.event(context.Background(), "cancel")
			return finish(OutcomeOpened, 0, "cancelled after ringing, no 487 received")

		case res := <-tx.Responses():
			fp := responseFingerprint(res)
			if a.seen[fp] {
				continue
			}
			a.seen[fp] = true

			a.logger.Debug("invite response",
				"status", res.StatusCode,
				"reason", res.Reason,
			)

			switch {
			case res.StatusCode == 100:
				// Trying. Absorb.

			case res.StatusCode > 100 && res.StatusCode < 200:
				provisional = true
				if cancelSent {
					continue
				}
				a.ringCount++
				a.event(ctx, "ring")
				if a.ringCount >= a.target.MaxRings && graceC == nil {
					graceC = time.After(ringGraceDelay)
				}

			case res.StatusCode == 486 || res.StatusCode == 600:
				// The gate signals busy as soon as it registers the call.
				a.event(ctx, "busy")
				return finish(OutcomeBusy, res.StatusCode, res.Reason)

			case res.StatusCode == 401 || res.StatusCode == 407:
				if authTried {
					a.event(ctx, "fail")
					return finish(OutcomeAuthError, res.StatusCode, "invite credentials rejected")
				}
				authTried = true

				authReq, authTx, err := a.resendWithAuth(ctx, req, res)
				if err != nil {
					a.event(ctx, "fail")
					return finish(OutcomeAuthError, res.StatusCode, err.Error())
				}
				tx.Terminate()
				req, tx = authReq, authTx
				defer tx.Terminate()

			case res.StatusCode >= 200 && res.StatusCode < 300:
				// Unexpected: something answered. Acknowledge the dialog
				// and tear it down immediately. The gate still saw the
				// call, so this counts as a trigger.
				a.event(ctx, "answer")
				a.hangupAnswered(req, res)
				detail := "answered, hung up immediately"
				if cancelSent {
					detail = "answered while cancelling, hung up"
				}
				return finish(OutcomeAnswered, res.StatusCode, detail)

			case res.StatusCode == 487:
				if cancelSent {
					a.event(context.Background(), "cancel")
					return finish(OutcomeOpened, res.StatusCode, "cancelled after ringing")
				}
				a.event(ctx, "reject")
				return finish(OutcomeRejected, res.StatusCode, res.Reason)

			case res.StatusCode >= 300:
				a.event(ctx, "reject")
				return finish(OutcomeRejected, res.StatusCode, res.Reason)
			}
		}
	}
}

// buildInvite constructs the gate INVITE with a minimal SDP audio offer.
func (a *attempt) buildInvite() (*sip.Request, error) {
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", a.target.Number, a.cfg.Server, a.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing gate uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(a.cfg.transportUpper())

	fromUser := a.cfg.Username
	if fromUser == "" {
		fromUser = "gatedial"
	}
	from := &sip.FromHeader{
		DisplayName: a.cfg.CallerID,
		Address:     sip.Uri{Scheme: "sip", User: fromUser, Host: a.cfg.Server},
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: a.target.Number, Host: a.cfg.Server},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: fromUser, Host: a.cfg.LocalIP, Port: a.cfg.LocalPort},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(contact)

	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)

	offer, err := media.BuildOffer(a.cfg.LocalIP, advertisedRTPPort)
	if err != nil {
		return nil, err
	}
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	return req, nil
}

// resendWithAuth answers a digest challenge by re-sending the INVITE with
// credentials on a fresh transaction.
func (a *attempt) resendWithAuth(ctx context.Context, req *sip.Request, challenge *sip.Response) (*sip.Request, sip.ClientTransaction, error) {
	uri := fmt.Sprintf("sip:%s@%s:%d", a.target.Number, a.cfg.Server, a.cfg.Port)
	authzHeader, cred, err := digestCredentials(challenge,
		req.Method.String(), uri, a.cfg.authUser(), a.cfg.Password)
	if err != nil {
		return nil, nil, err
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred))

	authTx, err := a.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sending authenticated invite: %w", err)
	}

	a.logger.Debug("re-sent invite with digest credentials")
	return authReq, authTx, nil
}

// sendCancel aborts the pending INVITE. CANCEL travels outside the INVITE
// transaction; the 487 comes back on the INVITE transaction itself.
func (a *attempt) sendCancel(inviteReq *sip.Request) {
	cancel := buildCancel(inviteReq)
	if err := a.client.WriteRequest(cancel); err != nil {
		a.logger.Warn("failed to send cancel", "error", err)
		return
	}
	a.logger.Info("sent cancel after ring threshold", "rings", a.ringCount)
}

// hangupAnswered completes the 2xx dialog with an ACK and tears it down
// with an immediate BYE. Best-effort: the outcome is already decided.
func (a *attempt) hangupAnswered(inviteReq *sip.Request, okRes *sip.Response) {
	if len(okRes.Body()) > 0 {
		if ep, err := media.ParseAnswer(okRes.Body()); err == nil {
			a.logger.Debug("remote answered with media endpoint",
				"address", ep.Address,
				"port", ep.Port,
			)
		}
	}

	ack := buildAck(inviteReq, okRes)
	if err := a.client.WriteRequest(ack); err != nil {
		a.logger.Warn("failed to ack answer", "error", err)
		return
	}

	bye := buildBye(inviteReq, okRes, nil)
	if inviteCSeq, byeCSeq := inviteReq.CSeq(), bye.CSeq(); inviteCSeq != nil && byeCSeq != nil {
		byeCSeq.SeqNo = inviteCSeq.SeqNo + 1
	}

	byeCtx, cancelBye := context.WithTimeout(context.Background(), byeWait)
	defer cancelBye()

	byeTx, err := a.client.TransactionRequest(byeCtx, bye)
	if err != nil {
		a.logger.Warn("failed to send bye", "error", err)
		return
	}
	defer byeTx.Terminate()

	if res, err := getResponse(byeCtx, byeTx); err != nil {
		a.logger.Warn("no response to bye", "error", err)
	} else {
		a.logger.Info("answered call torn down", "bye_status", res.StatusCode)
	}
}

// buildAck creates the UAC-core ACK for a 2xx response to an INVITE
// (RFC 3261 section 13.2.2.4). The 2xx ACK is a new transaction addressed
// to the Contact from the response; the transaction-layer ACK sipgo sends
// for non-2xx finals does not apply here.
func buildAck(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// Same sequence number as the INVITE, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// buildCancel creates the CANCEL for a pending INVITE (RFC 3261 section 9.1).
// CANCEL must match the INVITE's top Via and carry only that Via.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancel.AppendHeader(sip.HeaderClone(inviteReq.Via()))
	cancel.AppendHeader(sip.HeaderClone(inviteReq.From()))
	cancel.AppendHeader(sip.HeaderClone(inviteReq.To()))
	cancel.AppendHeader(sip.HeaderClone(inviteReq.CallID()))
	sip.CopyHeaders("Route", inviteReq, cancel)
	cancel.SetSource(inviteReq.Source())
	cancel.Laddr = inviteReq.Laddr
	return cancel
}

// buildBye creates the BYE for an established dialog (RFC 3261 section
// 15.1.1). Via and CSeq increment are left to the transaction request.
func buildBye(inviteReq *sip.Request, inviteRes *sip.Response, body []byte) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		// BYE is a subsequent request.
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, bye)
	}

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := bye.CSeq(); cseq != nil {
		cseq.MethodName = sip.BYE
	}

	bye.SetBody(body)
	bye.SetTransport(inviteReq.Transport())
	bye.SetSource(inviteReq.Source())
	return bye
}

// responseFingerprint identifies a response for retransmission dedup:
// CSeq number, status code and remote tag together distinguish genuinely
// new responses from retransmits.
func responseFingerprint(res *sip.Response) string {
	var cseq uint32
	if h := res.CSeq(); h != nil {
		cseq = h.SeqNo
	}
	toTag := ""
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			toTag = tag
		}
	}
	return fmt.Sprintf("%d:%d:%s", cseq, res.StatusCode, toTag)
}
