package settlementd

import (
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	coreerrors "stealthpay/core/errors"
	"stealthpay/crypto"
)

type feeRequest struct {
	FeeBps uint32 `json:"feeBps"`
}

type withdrawRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type limitRequest struct {
	Limit string `json:"limit"`
}

type reputationRequest struct {
	Score uint64 `json:"score"`
}

type complianceSettingsRequest struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	DurationDays *uint32 `json:"durationDays,omitempty"`
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive integer", coreerrors.ErrValidation)
	}
	return amount, nil
}

// authenticated returns the caller stored by AdminAuth.Middleware.
func authenticated(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, errMissingToken)
	}
	return caller, ok
}

func (s *Server) logAdmin(r *http.Request, action string, caller [20]byte, attrs ...any) {
	args := append([]any{
		slog.String("action", action),
		slog.String("caller", crypto.HexAddress(caller)),
		slog.String("request_id", requestIDFrom(r.Context())),
	}, attrs...)
	s.logger.Info("admin action", args...)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok {
		return
	}
	if err := s.engine.Pause(caller); err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, "pause", caller)
	s.handleStatus(w, r)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok {
		return
	}
	if err := s.engine.Unpause(caller); err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, "unpause", caller)
	s.handleStatus(w, r)
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok {
		return
	}
	var body feeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.engine.SetFeeBps(caller, body.FeeBps); err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, "set_fee", caller, slog.Uint64("fee_bps", uint64(body.FeeBps)))
	s.handleStatus(w, r)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok {
		return
	}
	var body withdrawRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	to, err := crypto.ParseAddress(body.To)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", coreerrors.ErrValidation, err))
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.WithdrawFees(r.Context(), caller, to, amount); err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, "withdraw_fees", caller, slog.String("to", crypto.HexAddress(to)), slog.String("amount", amount.String()))
	s.handleStatus(w, r)
}

func (s *Server) requireAgents(w http.ResponseWriter) bool {
	if s.agents == nil {
		writeError(w, fmt.Errorf("%w: agent ledger disabled", coreerrors.ErrNotFound))
		return false
	}
	return true
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireAgents(w) {
		return
	}
	agent, err := s.agents.Register(caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentResponse(agent))
}

func (s *Server) handleSetAgentLimit(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireAgents(w) {
		return
	}
	var body limitRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	limit, ok := new(big.Int).SetString(strings.TrimSpace(body.Limit), 10)
	if !ok {
		writeError(w, fmt.Errorf("%w: limit must be an integer", coreerrors.ErrValidation))
		return
	}
	if err := s.agents.SetDailyLimit(caller, limit); err != nil {
		writeError(w, err)
		return
	}
	s.writeAgent(w, caller)
}

func (s *Server) writeAgent(w http.ResponseWriter, owner [20]byte) {
	agent, ok, err := s.agents.Get(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: agent not registered", coreerrors.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, agentResponse(agent))
}

func (s *Server) handleAgentReputation(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireAgents(w) {
		return
	}
	target, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body reputationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.agents.UpdateReputation(caller, target, body.Score); err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, "agent_reputation", caller, slog.String("agent", crypto.HexAddress(target)), slog.Uint64("score", body.Score))
	s.writeAgent(w, target)
}

func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireAgents(w) {
		return
	}
	target, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.agents.Deactivate(caller, target); err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, "agent_deactivate", caller, slog.String("agent", crypto.HexAddress(target)))
	s.writeAgent(w, target)
}

func (s *Server) requireCompliance(w http.ResponseWriter) bool {
	if s.compliance == nil {
		writeError(w, fmt.Errorf("%w: compliance registry disabled", coreerrors.ErrNotFound))
		return false
	}
	return true
}

func (s *Server) handleComplianceSettings(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireCompliance(w) {
		return
	}
	var body complianceSettingsRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if body.DurationDays != nil {
		if err := s.compliance.SetDuration(caller, daysToDuration(*body.DurationDays)); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.Enabled != nil {
		if err := s.compliance.SetEnabled(caller, *body.Enabled); err != nil {
			writeError(w, err)
			return
		}
	}
	enabled, err := s.compliance.Enabled()
	if err != nil {
		writeError(w, err)
		return
	}
	duration, err := s.compliance.Duration()
	if err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, "compliance_settings", caller, slog.Bool("enabled", enabled), slog.Duration("duration", duration))
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "durationDays": int(duration.Hours() / 24)})
}

func (s *Server) handleComplianceVerify(w http.ResponseWriter, r *http.Request) {
	s.complianceAction(w, r, "compliance_verify", true)
}

func (s *Server) handleComplianceRevoke(w http.ResponseWriter, r *http.Request) {
	s.complianceAction(w, r, "compliance_revoke", false)
}

func (s *Server) complianceAction(w http.ResponseWriter, r *http.Request, action string, verify bool) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireCompliance(w) {
		return
	}
	target, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if verify {
		err = s.compliance.Verify(caller, target)
	} else {
		err = s.compliance.Revoke(caller, target)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.logAdmin(r, action, caller, slog.String("identity", crypto.HexAddress(target)))
	compliant, err := s.compliance.CheckCompliance(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": crypto.HexAddress(target), "compliant": compliant})
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuditor(w, r) {
		return
	}
	_, limit, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.audit.Receipts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuditor(w, r) {
		return
	}
	_, limit, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.audit.Rejections(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// requireAuditor checks the caller is an administrator and the audit log is
// configured.
func (s *Server) requireAuditor(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := authenticated(w, r)
	if !ok {
		return false
	}
	if !s.engine.IsAdmin(caller) {
		writeError(w, fmt.Errorf("%w: administrator required", coreerrors.ErrUnauthorized))
		return false
	}
	if s.audit == nil {
		writeError(w, fmt.Errorf("%w: audit log disabled", coreerrors.ErrNotFound))
		return false
	}
	return true
}

func daysToDuration(days uint32) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
