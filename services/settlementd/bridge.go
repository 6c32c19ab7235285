package settlementd

import (
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	coreerrors "stealthpay/core/errors"
	"stealthpay/native/bridge"
	"stealthpay/native/envelope"
)

// BridgeContentType marks an RLP-encoded bridge message body.
const BridgeContentType = "application/x-rlp"

// BridgeSendRequest asks the node to forward a payment token to another domain.
type BridgeSendRequest struct {
	Token       string `json:"token"`
	Destination string `json:"destination"`
}

// BridgeSendResponse identifies the forwarded message. When Delivered is false
// the authorization is already redeemed and Payload can be redelivered to the
// destination's /v1/bridge/messages.
type BridgeSendResponse struct {
	Message   common.Hash   `json:"message"`
	Delivered bool          `json:"delivered"`
	Payload   hexutil.Bytes `json:"payload,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// handleBridgeMessage accepts a message forwarded by a trusted source domain.
// The receiver checks the signature against the source's pinned signer; the
// engine rejects a repeated message hash.
func (s *Server) handleBridgeMessage(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, fmt.Errorf("%w: bridge disabled", coreerrors.ErrNotFound))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	receipt, err := s.bridge.Receive(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptResponse(receipt))
}

func (s *Server) handleBridgeSend(w http.ResponseWriter, r *http.Request) {
	if s.outbound == nil {
		writeError(w, fmt.Errorf("%w: bridge forwarding disabled", coreerrors.ErrNotFound))
		return
	}
	var body BridgeSendRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	token, err := envelope.DecodeToken(body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := token.Request()
	if err != nil {
		writeError(w, err)
		return
	}
	hash, payload, err := s.outbound.Send(r.Context(), &bridge.Intent{
		Authorization:     req.Authorization,
		DestinationDomain: body.Destination,
		StealthAddress:    req.StealthAddress,
		EphemeralPubKey:   req.EphemeralPubKey,
		ViewTag:           req.ViewTag,
	})
	if err != nil && payload == nil {
		writeError(w, err)
		return
	}
	resp := BridgeSendResponse{Message: common.Hash(hash), Delivered: err == nil}
	if err != nil {
		resp.Payload = payload
		resp.Error = err.Error()
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}
