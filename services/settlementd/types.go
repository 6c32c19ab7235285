package settlementd

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"stealthpay/native/agents"
	"stealthpay/native/announcements"
	"stealthpay/native/settlement"
)

// PaymentSubmission is the JSON body of POST /v1/payments when the token is
// not supplied through the X-Payment header.
type PaymentSubmission struct {
	Token string `json:"token"`
}

// BatchSubmission is the body of POST /v1/payments/batch.
type BatchSubmission struct {
	Tokens []string `json:"tokens"`
}

type ReceiptResponse struct {
	ID                string         `json:"id"`
	Amount            string         `json:"amount"`
	Fee               string         `json:"fee"`
	Net               string         `json:"net"`
	Nonce             common.Hash    `json:"nonce"`
	Payer             common.Address `json:"payer"`
	StealthAddress    common.Address `json:"stealthAddress"`
	AnnouncementIndex uint64         `json:"announcementIndex"`
	State             string         `json:"state"`
	Remote            bool           `json:"remote,omitempty"`
	SettledAt         time.Time      `json:"settledAt"`
}

func receiptResponse(r *settlement.Receipt) ReceiptResponse {
	return ReceiptResponse{
		ID:                r.ID,
		Amount:            r.Amount.String(),
		Fee:               r.Fee.String(),
		Net:               r.Net().String(),
		Nonce:             common.Hash(r.Nonce),
		Payer:             common.Address(r.Payer),
		StealthAddress:    common.Address(r.StealthAddress),
		AnnouncementIndex: r.AnnouncementIndex,
		State:             string(r.State),
		Remote:            r.Remote,
		SettledAt:         r.SettledAt,
	}
}

type BatchResponse struct {
	Receipts    []ReceiptResponse `json:"receipts"`
	TotalAmount string            `json:"totalAmount"`
	TotalFees   string            `json:"totalFees"`
	Error       *ErrorResponse    `json:"error,omitempty"`
}

type StatusResponse struct {
	Paused         bool           `json:"paused"`
	FeeBps         uint32         `json:"feeBps"`
	MaxBatchSize   int            `json:"maxBatchSize"`
	Settled        uint64         `json:"settled"`
	Rejected       uint64         `json:"rejected"`
	Nonces         uint64         `json:"nonces"`
	Announcements  uint64         `json:"announcements"`
	FeePool        common.Address `json:"feePool"`
	FeePoolBalance string         `json:"feePoolBalance"`
	Custody        common.Address `json:"custody"`
}

// AnnouncementResponse is the wire form of an announcement on the scanning
// feed.
type AnnouncementResponse struct {
	Index           uint64         `json:"index"`
	SchemeID        uint64         `json:"schemeId"`
	StealthAddress  common.Address `json:"stealthAddress"`
	Caller          common.Address `json:"caller"`
	EphemeralPubKey hexutil.Bytes  `json:"ephemeralPubKey"`
	ViewTag         uint8          `json:"viewTag"`
	Timestamp       uint64         `json:"timestamp"`
}

func announcementResponse(a announcements.Announcement) AnnouncementResponse {
	return AnnouncementResponse{
		Index:           a.Index,
		SchemeID:        a.SchemeID,
		StealthAddress:  common.Address(a.StealthAddress),
		Caller:          common.Address(a.Caller),
		EphemeralPubKey: append(hexutil.Bytes(nil), a.EphemeralPubKey...),
		ViewTag:         a.ViewTag,
		Timestamp:       a.Timestamp,
	}
}

// Announcement converts back to the domain type.
func (a AnnouncementResponse) Announcement() announcements.Announcement {
	return announcements.Announcement{
		Index:           a.Index,
		SchemeID:        a.SchemeID,
		StealthAddress:  [20]byte(a.StealthAddress),
		Caller:          [20]byte(a.Caller),
		EphemeralPubKey: append([]byte(nil), a.EphemeralPubKey...),
		ViewTag:         a.ViewTag,
		Timestamp:       a.Timestamp,
	}
}

// AnnouncementPage is the body of GET /v1/announcements. Next equals the log
// size once the caller is caught up.
type AnnouncementPage struct {
	Announcements []AnnouncementResponse `json:"announcements"`
	Next          uint64                 `json:"next"`
}

type AgentResponse struct {
	Owner              common.Address `json:"owner"`
	DailySpendLimit    string         `json:"dailySpendLimit"`
	SpentToday         string         `json:"spentToday"`
	LastResetTimestamp uint64         `json:"lastResetTimestamp"`
	ReputationScore    uint64         `json:"reputationScore"`
	TotalTransactions  uint64         `json:"totalTransactions"`
	TotalVolume        string         `json:"totalVolume"`
	IsActive           bool           `json:"isActive"`
}

func agentResponse(a *agents.Agent) AgentResponse {
	return AgentResponse{
		Owner:              common.Address(a.Owner),
		DailySpendLimit:    a.DailySpendLimit.String(),
		SpentToday:         a.SpentToday.String(),
		LastResetTimestamp: a.LastResetTimestamp,
		ReputationScore:    a.ReputationScore,
		TotalTransactions:  a.TotalTransactions,
		TotalVolume:        a.TotalVolume.String(),
		IsActive:           a.IsActive,
	}
}
