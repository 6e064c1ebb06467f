package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gatedial/gatedial/internal/api/middleware"
	"github.com/gatedial/gatedial/internal/sipcall"
	"github.com/gatedial/gatedial/internal/store"
)

var startTime = time.Now()

// handleHealth reports service liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin verifies the admin password and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIPasswordHash == "" {
		writeError(w, http.StatusBadRequest, "api authentication is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := CheckPassword(req.Password, s.cfg.APIPasswordHash)
	if err != nil {
		s.logger.Error("password check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

type triggerResponse struct {
	Triggered bool               `json:"triggered"`
	Result    sipcall.CallResult `json:"result"`
}

// handleTrigger places the gate call and blocks until it finishes. A
// trigger arriving while a call is running gets 409 instead of queueing.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.TriggerGate(r.Context())
	if err != nil {
		if errors.Is(err, sipcall.ErrCallInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("gate trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, triggerResponse{
		Triggered: result.Outcome.Triggered(),
		Result:    result,
	})
}

type statusResponse struct {
	Phase             sipcall.Phase       `json:"phase"`
	Registered        bool                `json:"registered"`
	RegistrationUntil *time.Time          `json:"registration_until,omitempty"`
	LastResult        *sipcall.CallResult `json:"last_result,omitempty"`
}

// handleStatus reports the current call phase, registration state and the
// most recent attempt.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Phase:      s.controller.Notifier().Current(),
		LastResult: s.controller.LastResult(),
	}

	registered, until := s.controller.Registrar().Status()
	resp.Registered = registered
	if registered {
		resp.RegistrationUntil = &until
	}

	// Fall back to the store when the process restarted since the last call.
	if resp.LastResult == nil && s.attempts != nil {
		if last, err := s.attempts.LastAttempt(r.Context()); err == nil && last != nil {
			resp.LastResult = &sipcall.CallResult{
				AttemptID: last.AttemptID,
				CallID:    last.CallID,
				Outcome:   last.Outcome,
				Detail:    last.Detail,
				SIPStatus: last.SIPStatus,
				RingCount: last.RingCount,
				StartedAt: last.StartedAt,
				Duration:  last.Duration,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHistory lists recent gate attempts, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	if s.attempts == nil {
		writeError(w, http.StatusServiceUnavailable, "attempt history is not available")
		return
	}

	attempts, err := s.attempts.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing attempts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if attempts == nil {
		attempts = []store.Attempt{}
	}

	writeJSON(w, http.StatusOK, attempts)
}

type testResponse struct {
	Registered bool `json:"registered"`
	ExpiresIn  int  `json:"expires_in,omitempty"`
}

// handleTest performs a one-shot REGISTER to verify SIP connectivity
// without calling the gate.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Register {
		writeError(w, http.StatusBadRequest, "registration is disabled for this account")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	granted, err := s.controller.Registrar().ForceRegister(ctx)
	if err != nil {
		s.logger.Warn("registration test failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, testResponse{Registered: true, ExpiresIn: granted})
}
