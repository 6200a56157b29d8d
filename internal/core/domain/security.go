package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EnforcementMode selects how the security gate reacts to violations.
type EnforcementMode string

const (
	// ModeMonitor logs violations and lets the action proceed.
	ModeMonitor EnforcementMode = "MONITOR"
	// ModeEnforce logs violations and rejects the action.
	ModeEnforce EnforcementMode = "ENFORCE"
)

// Valid reports whether m is a known mode.
func (m EnforcementMode) Valid() bool {
	return m == ModeMonitor || m == ModeEnforce
}

// IncidentReason classifies a gate violation.
type IncidentReason string

const (
	IncidentPaused             IncidentReason = "system_paused"
	IncidentUnauthorizedCaller IncidentReason = "unauthorized_caller"
	IncidentUserRateLimit      IncidentReason = "user_rate_limit"
	IncidentGlobalRateLimit    IncidentReason = "global_rate_limit"
	IncidentAmountCeiling      IncidentReason = "amount_ceiling"
)

// Incident is one append-only entry in the gate's incident log.
type Incident struct {
	ID        string          `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Actor     common.Address  `json:"actor"`   // user on whose behalf the action ran
	Feature   common.Address  `json:"feature"` // calling feature contract
	Reason    IncidentReason  `json:"reason"`
	Reference string          `json:"reference,omitempty"`
	Mode      EnforcementMode `json:"mode"`
	Blocked   bool            `json:"blocked"`
	Timestamp time.Time       `json:"timestamp"`
}
