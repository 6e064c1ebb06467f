package sipcall

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAttempt(t *testing.T) *attempt {
	t.Helper()
	cfg := validAccount()
	target := GateTarget{Number: "+4912345678", MaxRings: 1}
	return newAttempt(nil, cfg, target, NewNotifier(), testLogger())
}

func TestBuildInvite(t *testing.T) {
	a := testAttempt(t)

	req, err := a.buildInvite()
	if err != nil {
		t.Fatalf("buildInvite() error: %v", err)
	}

	if req.Method != sip.INVITE {
		t.Errorf("Method = %v, want INVITE", req.Method)
	}
	if req.Recipient.User != "+4912345678" {
		t.Errorf("Recipient.User = %q, want gate number", req.Recipient.User)
	}
	if req.Recipient.Host != "sip.example.com" {
		t.Errorf("Recipient.Host = %q, want sip.example.com", req.Recipient.Host)
	}

	from := req.From()
	if from == nil {
		t.Fatal("From header missing")
	}
	if from.Address.User != "gate" {
		t.Errorf("From user = %q, want account username", from.Address.User)
	}
	if _, ok := from.Params.Get("tag"); !ok {
		t.Error("From header has no tag")
	}

	to := req.To()
	if to == nil {
		t.Fatal("To header missing")
	}
	if to.Address.User != "+4912345678" {
		t.Errorf("To user = %q, want gate number", to.Address.User)
	}
	if _, ok := to.Params.Get("tag"); ok {
		t.Error("To header of an initial INVITE must not carry a tag")
	}

	if cid := req.CallID(); cid == nil || cid.Value() != a.callID {
		t.Errorf("Call-ID = %v, want %q", cid, a.callID)
	}
	if req.Contact() == nil {
		t.Error("Contact header missing")
	}

	body := string(req.Body())
	if !strings.Contains(body, "m=audio") {
		t.Errorf("INVITE body is not an audio SDP offer:\n%s", body)
	}
}

func TestBuildInviteCallerID(t *testing.T) {
	cfg := validAccount()
	cfg.CallerID = "Front Gate"
	a := newAttempt(nil, cfg, GateTarget{Number: "123"}, NewNotifier(), testLogger())

	req, err := a.buildInvite()
	if err != nil {
		t.Fatalf("buildInvite() error: %v", err)
	}
	if from := req.From(); from == nil || from.DisplayName != "Front Gate" {
		t.Errorf("From display name = %v, want Front Gate", from)
	}
}

// buildTestInvite returns an INVITE with the transport-level headers a
// sent request would carry, so responses can be derived from it.
func buildTestInvite(t *testing.T, a *attempt) *sip.Request {
	t.Helper()
	req, err := a.buildInvite()
	if err != nil {
		t.Fatalf("buildInvite() error: %v", err)
	}
	viaParams := sip.NewParams()
	viaParams.Add("branch", "z9hG4bK-test-1")
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            a.cfg.LocalIP,
		Port:            a.cfg.LocalPort,
		Params:          viaParams,
	}
	req.PrependHeader(via)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

func TestResponseFingerprint(t *testing.T) {
	a := testAttempt(t)
	req := buildTestInvite(t, a)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	ringing.To().Params.Add("tag", "remote-1")

	retransmit := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	retransmit.To().Params.Add("tag", "remote-1")

	if responseFingerprint(ringing) != responseFingerprint(retransmit) {
		t.Error("retransmitted response got a different fingerprint")
	}

	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	busy.To().Params.Add("tag", "remote-1")
	if responseFingerprint(ringing) == responseFingerprint(busy) {
		t.Error("different status codes share a fingerprint")
	}

	otherFork := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	otherFork.To().Params.Add("tag", "remote-2")
	if responseFingerprint(ringing) == responseFingerprint(otherFork) {
		t.Error("responses from different remote tags share a fingerprint")
	}
}

func TestBuildAckFor2xx(t *testing.T) {
	a := testAttempt(t)
	req := buildTestInvite(t, a)

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	ok.To().Params.Add("tag", "remote-1")
	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "gate", Host: "203.0.113.7", Port: 5066},
		Params:  sip.NewParams(),
	}
	ok.AppendHeader(contact)

	ack := buildAck(req, ok)

	if ack.Method != sip.ACK {
		t.Errorf("Method = %v, want ACK", ack.Method)
	}
	// The 2xx ACK goes to the Contact from the response.
	if ack.Recipient.Host != "203.0.113.7" || ack.Recipient.Port != 5066 {
		t.Errorf("Recipient = %s:%d, want response Contact", ack.Recipient.Host, ack.Recipient.Port)
	}

	cseq := ack.CSeq()
	if cseq == nil {
		t.Fatal("CSeq header missing")
	}
	if cseq.MethodName != sip.ACK {
		t.Errorf("CSeq method = %v, want ACK", cseq.MethodName)
	}
	if cseq.SeqNo != 1 {
		t.Errorf("CSeq SeqNo = %d, want same as INVITE", cseq.SeqNo)
	}

	to := ack.To()
	if to == nil {
		t.Fatal("To header missing")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-1" {
		t.Errorf("To tag = %q, want remote tag from the 200", tag)
	}

	if cid := ack.CallID(); cid == nil || cid.Value() != a.callID {
		t.Error("ACK does not carry the INVITE Call-ID")
	}
}

func TestAttemptStateMachine(t *testing.T) {
	a := testAttempt(t)
	ctx := context.Background()

	if got := a.machine.Current(); got != stateIdle {
		t.Fatalf("initial state = %q, want idle", got)
	}

	a.event(ctx, "dial")
	if got := a.machine.Current(); got != stateDialing {
		t.Fatalf("after dial: state = %q", got)
	}
	if got := a.notifier.Current(); got != PhaseCalling {
		t.Errorf("after dial: phase = %q, want calling", got)
	}

	// CANCEL before any ring is not a legal transition.
	a.event(ctx, "cancel")
	if got := a.machine.Current(); got != stateDialing {
		t.Errorf("cancel from dialing moved state to %q", got)
	}

	a.event(ctx, "ring")
	if got := a.machine.Current(); got != stateRinging {
		t.Fatalf("after ring: state = %q", got)
	}
	if got := a.notifier.Current(); got != PhaseRinging {
		t.Errorf("after ring: phase = %q, want ringing", got)
	}

	a.event(ctx, "cancel")
	if got := a.machine.Current(); got != stateCancelled {
		t.Fatalf("after cancel: state = %q", got)
	}

	a.event(ctx, "terminate")
	if got := a.machine.Current(); got != stateTerminated {
		t.Fatalf("after terminate: state = %q", got)
	}

	// Terminal: nothing moves the machine again.
	a.event(ctx, "dial")
	if got := a.machine.Current(); got != stateTerminated {
		t.Errorf("terminated state is not terminal, moved to %q", got)
	}
}

func TestAttemptBusyPath(t *testing.T) {
	a := testAttempt(t)
	ctx := context.Background()

	a.event(ctx, "dial")
	a.event(ctx, "busy")
	if got := a.machine.Current(); got != stateBusy {
		t.Fatalf("busy from dialing: state = %q", got)
	}
	if got := a.notifier.Current(); got != PhaseBusy {
		t.Errorf("phase = %q, want busy", got)
	}
}

func TestAttemptAnswerAfterRinging(t *testing.T) {
	a := testAttempt(t)
	ctx := context.Background()

	a.event(ctx, "dial")
	a.event(ctx, "ring")
	a.event(ctx, "answer")
	if got := a.machine.Current(); got != stateAnswered {
		t.Fatalf("answer from ringing: state = %q", got)
	}
	if got := a.notifier.Current(); got != PhaseAnswered {
		t.Errorf("phase = %q, want answered", got)
	}
}

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		state string
		want  Phase
	}{
		{stateDialing, PhaseCalling},
		{stateRinging, PhaseRinging},
		{stateAnswered, PhaseAnswered},
		{stateBusy, PhaseBusy},
		{stateRejected, ""},
		{stateTerminated, ""},
	}
	for _, tt := range tests {
		if got := phaseFor(tt.state); got != tt.want {
			t.Errorf("phaseFor(%q) = %q, want %q", tt.state, got, tt.want)
		}
	}
}
