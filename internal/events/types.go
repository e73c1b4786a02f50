package events

import "time"

// Event envelope for all events
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  string         `json:"schema_version"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	ContractID     string         `json:"contract_id,omitempty"`
	Data           map[string]any `json:"data"`
}

// Event type constants
const (
	// Contract events
	EventContractCreated   = "contract.created"
	EventContractCompleted = "contract.completed"
	EventContractCancelled = "contract.cancelled"

	// Escrow events
	EventEscrowDeposited     = "escrow.deposited"
	EventMilestoneReleased   = "escrow.milestone_released"
	EventPartialReleased     = "escrow.partial_released"
	EventLedgerEntryReversed = "escrow.entry_reversed"

	// Milestone events
	EventMilestoneStarted   = "milestone.started"
	EventMilestoneSubmitted = "milestone.submitted"
	EventMilestoneApproved  = "milestone.approved"
	EventMilestoneRejected  = "milestone.rejected"

	// Dispute events
	EventDisputeCreated       = "dispute.created"
	EventDisputeInvestigating = "dispute.investigating"
	EventDisputeResolved      = "dispute.resolved"
	EventDisputeDismissed     = "dispute.dismissed"
)
