package events

import (
	"math/big"
	"strconv"

	"stealthpay/core/types"
)

const (
	TypeAgentRegistered   = "agents.registered"
	TypeAgentDeactivated  = "agents.deactivated"
	TypeAgentReputation   = "agents.reputation"
	TypeAgentLimitUpdated = "agents.limit_updated"
)

// AgentRegistered is emitted when an identity registers (or re-activates) as a
// paying agent.
type AgentRegistered struct {
	Owner           [20]byte
	DailySpendLimit *big.Int
	ReputationScore uint64
}

// EventType satisfies the events.Event interface.
func (AgentRegistered) EventType() string { return TypeAgentRegistered }

// Event converts the payload into the wire representation.
func (e AgentRegistered) Event() *types.Event {
	attrs := map[string]string{
		"owner":      withHexPrefix(e.Owner[:]),
		"reputation": strconv.FormatUint(e.ReputationScore, 10),
	}
	if e.DailySpendLimit != nil {
		attrs["dailySpendLimit"] = e.DailySpendLimit.String()
	}
	return &types.Event{Type: TypeAgentRegistered, Attributes: attrs}
}

// AgentDeactivated is emitted by the administrative deactivate override.
type AgentDeactivated struct {
	Owner [20]byte
	By    [20]byte
}

// EventType satisfies the events.Event interface.
func (AgentDeactivated) EventType() string { return TypeAgentDeactivated }

// Event converts the payload into the wire representation.
func (e AgentDeactivated) Event() *types.Event {
	return &types.Event{Type: TypeAgentDeactivated, Attributes: map[string]string{
		"owner": withHexPrefix(e.Owner[:]),
		"by":    withHexPrefix(e.By[:]),
	}}
}

// AgentReputationChanged covers both the automatic increment and the
// administrative override.
type AgentReputationChanged struct {
	Owner    [20]byte
	Previous uint64
	Current  uint64
	Override bool
}

// EventType satisfies the events.Event interface.
func (AgentReputationChanged) EventType() string { return TypeAgentReputation }

// Event converts the payload into the wire representation.
func (e AgentReputationChanged) Event() *types.Event {
	return &types.Event{Type: TypeAgentReputation, Attributes: map[string]string{
		"owner":    withHexPrefix(e.Owner[:]),
		"previous": strconv.FormatUint(e.Previous, 10),
		"current":  strconv.FormatUint(e.Current, 10),
		"override": strconv.FormatBool(e.Override),
	}}
}

// AgentLimitUpdated is emitted when an agent changes its own daily limit.
type AgentLimitUpdated struct {
	Owner [20]byte
	Limit *big.Int
}

// EventType satisfies the events.Event interface.
func (AgentLimitUpdated) EventType() string { return TypeAgentLimitUpdated }

// Event converts the payload into the wire representation.
func (e AgentLimitUpdated) Event() *types.Event {
	attrs := map[string]string{"owner": withHexPrefix(e.Owner[:])}
	if e.Limit != nil {
		attrs["limit"] = e.Limit.String()
	}
	return &types.Event{Type: TypeAgentLimitUpdated, Attributes: attrs}
}
