package settlementd

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	coreerrors "stealthpay/core/errors"
	"stealthpay/crypto/stealth"
)

// MetaAddressResponse is the body of GET /v1/registry/{address}.
type MetaAddressResponse struct {
	Identity    common.Address `json:"identity"`
	SchemeID    uint64         `json:"schemeId"`
	MetaAddress hexutil.Bytes  `json:"metaAddress"`
	Nonce       uint64         `json:"nonce"`
}

// RegisterKeysRequest publishes a meta-address. Signature is only read on
// the delegated route.
type RegisterKeysRequest struct {
	SchemeID    uint64        `json:"schemeId"`
	MetaAddress hexutil.Bytes `json:"metaAddress"`
	Signature   hexutil.Bytes `json:"signature,omitempty"`
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

func (s *Server) requireRegistry(w http.ResponseWriter) bool {
	if s.registry == nil {
		writeError(w, fmt.Errorf("%w: key registry disabled", coreerrors.ErrNotFound))
		return false
	}
	return true
}

func schemeParam(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("scheme"))
	if raw == "" {
		return stealth.SchemeSecp256k1, nil
	}
	scheme, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid scheme", coreerrors.ErrValidation)
	}
	return scheme, nil
}

func (s *Server) handleGetMetaAddress(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	identity, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	scheme, err := schemeParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, ok, err := s.registry.MetaAddressOf(identity, scheme)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: no meta-address registered", coreerrors.ErrNotFound))
		return
	}
	nonce, err := s.registry.Nonce(identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MetaAddressResponse{
		Identity:    common.Address(identity),
		SchemeID:    scheme,
		MetaAddress: meta,
		Nonce:       nonce,
	})
}

func (s *Server) handleRegisterKeys(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireRegistry(w) {
		return
	}
	var body RegisterKeysRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.registry.RegisterKeys(caller, body.SchemeID, body.MetaAddress); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("meta-address registered",
		slog.String("identity", common.Address(caller).Hex()),
		slog.Uint64("scheme", body.SchemeID))
	writeJSON(w, http.StatusOK, MetaAddressResponse{
		Identity:    common.Address(caller),
		SchemeID:    body.SchemeID,
		MetaAddress: body.MetaAddress,
	})
}

func (s *Server) handleRegisterOnBehalf(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	identity, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body RegisterKeysRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.registry.RegisterKeysOnBehalf(identity, body.SchemeID, body.MetaAddress, body.Signature); err != nil {
		writeError(w, err)
		return
	}
	nonce, err := s.registry.Nonce(identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MetaAddressResponse{
		Identity:    common.Address(identity),
		SchemeID:    body.SchemeID,
		MetaAddress: body.MetaAddress,
		Nonce:       nonce,
	})
}

func (s *Server) handleIncrementNonce(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticated(w, r)
	if !ok || !s.requireRegistry(w) {
		return
	}
	nonce, err := s.registry.IncrementNonce(caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonceResponse{Nonce: nonce})
}
