package settlementd

import (
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	coreerrors "stealthpay/core/errors"
	"stealthpay/crypto"
	"stealthpay/native/envelope"
	"stealthpay/native/settlement"
	"stealthpay/observability/logging"
)

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(envelope.HeaderName))
	if token == "" {
		var body PaymentSubmission
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		token = body.Token
	}
	req, err := requestFromToken(token)
	if err != nil {
		s.rejectToken(w, token, err)
		return
	}
	receipt, err := s.engine.ProcessPayment(r.Context(), req)
	if err != nil {
		s.rejectToken(w, token, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptResponse(receipt))
}

func (s *Server) rejectToken(w http.ResponseWriter, token string, err error) {
	s.logger.Debug("payment token rejected",
		logging.MaskField("payment_token", token),
		slog.String("reason", coreerrors.Reason(err)))
	writeError(w, err)
}

func requestFromToken(raw string) (settlement.Request, error) {
	token, err := envelope.DecodeToken(raw)
	if err != nil {
		return settlement.Request{}, err
	}
	return token.Request()
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body BatchSubmission
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	reqs := make([]settlement.Request, 0, len(body.Tokens))
	for i, raw := range body.Tokens {
		req, err := requestFromToken(raw)
		if err != nil {
			writeError(w, fmt.Errorf("batch item %d: %w", i, err))
			return
		}
		reqs = append(reqs, req)
	}
	result, err := s.engine.BatchProcessPayments(r.Context(), reqs)
	resp := BatchResponse{Receipts: []ReceiptResponse{}, TotalAmount: "0", TotalFees: "0"}
	if result != nil {
		for _, receipt := range result.Receipts {
			resp.Receipts = append(resp.Receipts, receiptResponse(receipt))
		}
		resp.TotalAmount = result.TotalAmount.String()
		resp.TotalFees = result.TotalFees.String()
	}
	if err != nil {
		body := errorBody(err)
		resp.Error = &body
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	balance := status.FeePoolBalance
	if balance == nil {
		balance = big.NewInt(0)
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Paused:         status.Paused,
		FeeBps:         status.FeeBps,
		MaxBatchSize:   status.MaxBatchSize,
		Settled:        status.Settled,
		Rejected:       status.Rejected,
		Nonces:         status.Nonces,
		Announcements:  status.Announcements,
		FeePool:        status.FeePool,
		FeePoolBalance: balance.String(),
		Custody:        status.Custody,
	})
}

func parseCursor(r *http.Request) (uint64, int, error) {
	query := r.URL.Query()
	var cursor uint64
	if raw := strings.TrimSpace(query.Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: invalid cursor", coreerrors.ErrValidation)
		}
		cursor = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit", coreerrors.ErrValidation)
		}
		limit = parsed
	}
	return cursor, limit, nil
}

func (s *Server) handleAnnouncements(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, next, err := s.log.Page(cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	page := AnnouncementPage{Announcements: make([]AnnouncementResponse, 0, len(entries)), Next: next}
	for _, entry := range entries {
		page.Announcements = append(page.Announcements, announcementResponse(entry))
	}
	writeJSON(w, http.StatusOK, page)
}

func addressParam(r *http.Request) ([20]byte, error) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		return addr, fmt.Errorf("%w: %v", coreerrors.ErrValidation, err)
	}
	return addr, nil
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, fmt.Errorf("%w: agent ledger disabled", coreerrors.ErrNotFound))
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, ok, err := s.agents.Get(addr)
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
