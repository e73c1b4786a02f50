package model

import (
	"time"
)

type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCompleted ContractStatus = "completed"
	ContractStatusDisputed  ContractStatus = "disputed"
	ContractStatusCancelled ContractStatus = "cancelled"
)

// Terminal reports whether no further fund movement is possible.
func (s ContractStatus) Terminal() bool {
	return s == ContractStatusCompleted || s == ContractStatusCancelled
}

// Contract is an engagement derived from an accepted bid. Amounts are decimals
// stored as strings. TotalAmount includes BonusAmount.
type Contract struct {
	ID              string         `json:"id" bson:"_id" firestore:"id"`
	ProjectID       string         `json:"project_id" bson:"project_id" firestore:"project_id"`
	BidID           string         `json:"bid_id,omitempty" bson:"bid_id,omitempty" firestore:"bid_id,omitempty"`
	ClientID        string         `json:"client_id" bson:"client_id" firestore:"client_id"`
	Payee           Payee          `json:"payee" bson:"payee" firestore:"payee"`
	TotalAmount     string         `json:"total_amount" bson:"total_amount" firestore:"total_amount"`
	EscrowBalance   string         `json:"escrow_balance" bson:"escrow_balance" firestore:"escrow_balance"`
	ReleasedAmount  string         `json:"released_amount" bson:"released_amount" firestore:"released_amount"`
	RefundedAmount  string         `json:"refunded_amount" bson:"refunded_amount" firestore:"refunded_amount"`
	BonusAmount     string         `json:"bonus_amount,omitempty" bson:"bonus_amount,omitempty" firestore:"bonus_amount,omitempty"`
	Currency        string         `json:"currency" bson:"currency" firestore:"currency"`
	Status          ContractStatus `json:"status" bson:"status" firestore:"status"`
	ActiveDisputeID string         `json:"active_dispute_id,omitempty" bson:"active_dispute_id,omitempty" firestore:"active_dispute_id,omitempty"`
	LedgerSeq       int64          `json:"ledger_seq" bson:"ledger_seq" firestore:"ledger_seq"`
	Version         int64          `json:"version" bson:"version" firestore:"version"`
	CreatedAt       time.Time      `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" bson:"completed_at,omitempty" firestore:"completed_at,omitempty"`
	CancelledAt     *time.Time     `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty" firestore:"cancelled_at,omitempty"`
}

// Wallet holds funds released out of escrow for a user or a team.
type Wallet struct {
	ID          string    `json:"-" bson:"_id" firestore:"id"`
	OwnerID     string    `json:"owner_id" bson:"owner_id" firestore:"owner_id"`
	OwnerType   PartyType `json:"owner_type" bson:"owner_type" firestore:"owner_type"`
	Balance     string    `json:"balance" bson:"balance" firestore:"balance"`
	Currency    string    `json:"currency" bson:"currency" firestore:"currency"`
	Version     int64     `json:"version" bson:"version" firestore:"version"`
	LastUpdated time.Time `json:"last_updated" bson:"last_updated" firestore:"last_updated"`
}

type PartyType string

const (
	PartyContract PartyType = "contract"
	PartyUser     PartyType = "user"
	PartyTeam     PartyType = "team"
)

// WalletKey is the storage key of an owner's wallet. User and team IDs may
// overlap, so the owner type is part of the key.
func WalletKey(ownerType PartyType, ownerID string) string {
	return string(ownerType) + ":" + ownerID
}

type Party struct {
	ID   string    `json:"id" bson:"id" firestore:"id"`
	Type PartyType `json:"type" bson:"type" firestore:"type"`
}

type EntryKind string

const (
	EntryDeposit          EntryKind = "deposit"
	EntryMilestoneRelease EntryKind = "milestone_release"
	EntryPartialRelease   EntryKind = "partial_release"
	EntryRefund           EntryKind = "refund"
	EntryAdjustment       EntryKind = "adjustment"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryReversed  EntryStatus = "reversed"
)

// SplitLine is one member's share of a team release.
type SplitLine struct {
	UserID string `json:"user_id" bson:"user_id" firestore:"user_id"`
	Amount string `json:"amount" bson:"amount" firestore:"amount"`
}

// LedgerEntry is an immutable record of one fund movement.
type LedgerEntry struct {
	ID           string      `json:"id" bson:"_id" firestore:"id"`
	ContractID   string      `json:"contract_id" bson:"contract_id" firestore:"contract_id"`
	Seq          int64       `json:"seq" bson:"seq" firestore:"seq"`
	From         Party       `json:"from" bson:"from" firestore:"from"`
	To           Party       `json:"to" bson:"to" firestore:"to"`
	Amount       string      `json:"amount" bson:"amount" firestore:"amount"`
	Kind         EntryKind   `json:"kind" bson:"kind" firestore:"kind"`
	Status       EntryStatus `json:"status" bson:"status" firestore:"status"`
	MilestoneID  string      `json:"milestone_id,omitempty" bson:"milestone_id,omitempty" firestore:"milestone_id,omitempty"`
	DisputeID    string      `json:"dispute_id,omitempty" bson:"dispute_id,omitempty" firestore:"dispute_id,omitempty"`
	Splits       []SplitLine `json:"splits,omitempty" bson:"splits,omitempty" firestore:"splits,omitempty"`
	BalanceAfter string      `json:"balance_after" bson:"balance_after" firestore:"balance_after"`
	ReversalOf   string      `json:"reversal_of,omitempty" bson:"reversal_of,omitempty" firestore:"reversal_of,omitempty"`
	ReversedBy   string      `json:"reversed_by,omitempty" bson:"reversed_by,omitempty" firestore:"reversed_by,omitempty"`
	Description  string      `json:"description" bson:"description" firestore:"description"`
	CreatedAt    time.Time   `json:"created_at" bson:"created_at" firestore:"created_at"`
}

type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeInvestigating DisputeStatus = "investigating"
	DisputeResolved      DisputeStatus = "resolved"
	DisputeDismissed     DisputeStatus = "dismissed"
)

// Active reports whether the dispute still freezes its contract.
func (s DisputeStatus) Active() bool {
	return s == DisputeOpen || s == DisputeInvestigating
}

type DisputeAction string

const (
	DisputeActionTransfer DisputeAction = "transfer"
	DisputeActionRefund   DisputeAction = "refund"
	DisputeActionHold     DisputeAction = "hold"
)

type Dispute struct {
	ID          string        `json:"id" bson:"_id" firestore:"id"`
	ContractID  string        `json:"contract_id" bson:"contract_id" firestore:"contract_id"`
	MilestoneID string        `json:"milestone_id,omitempty" bson:"milestone_id,omitempty" firestore:"milestone_id,omitempty"`
	InitiatorID string        `json:"initiator_id" bson:"initiator_id" firestore:"initiator_id"`
	Reason      string        `json:"reason" bson:"reason" firestore:"reason"`
	Description string        `json:"description" bson:"description" firestore:"description"`
	Amount      string        `json:"amount" bson:"amount" firestore:"amount"`
	Status      DisputeStatus `json:"status" bson:"status" firestore:"status"`
	Action      DisputeAction `json:"action,omitempty" bson:"action,omitempty" firestore:"action,omitempty"`
	Resolution  string        `json:"resolution,omitempty" bson:"resolution,omitempty" firestore:"resolution,omitempty"`
	AdminID     string        `json:"admin_id,omitempty" bson:"admin_id,omitempty" firestore:"admin_id,omitempty"`
	Version     int64         `json:"version" bson:"version" firestore:"version"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty" bson:"resolved_at,omitempty" firestore:"resolved_at,omitempty"`
}

type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
)

type TeamMember struct {
	UserID   string       `json:"user_id" bson:"user_id" firestore:"user_id"`
	Status   MemberStatus `json:"status" bson:"status" firestore:"status"`
	JoinedAt time.Time    `json:"joined_at" bson:"joined_at" firestore:"joined_at"`
}

// Team is mirrored from the team service; roster order is significant for split remainders.
type Team struct {
	ID        string       `json:"id" bson:"_id" firestore:"id"`
	Name      string       `json:"name" bson:"name" firestore:"name"`
	Members   []TeamMember `json:"members" bson:"members" firestore:"members"`
	UpdatedAt time.Time    `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}

// ActiveMemberIDs returns active member ids in roster order.
func (t Team) ActiveMemberIDs() []string {
	var ids []string
	for _, m := range t.Members {
		if m.Status == MemberActive {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

// HasActiveMember reports whether userID is an active member of the team.
func (t Team) HasActiveMember(userID string) bool {
	for _, m := range t.Members {
		if m.UserID == userID && m.Status == MemberActive {
			return true
		}
	}
	return false
}

// AdminAction is the audit trail for admin-issued money movements.
type AdminAction struct {
	ID            string    `json:"id" bson:"_id" firestore:"id"`
	AdminID       string    `json:"admin_id" bson:"admin_id" firestore:"admin_id"`
	ContractID    string    `json:"contract_id" bson:"contract_id" firestore:"contract_id"`
	DisputeID     string    `json:"dispute_id,omitempty" bson:"dispute_id,omitempty" firestore:"dispute_id,omitempty"`
	Action        string    `json:"action" bson:"action" firestore:"action"`
	Resolution    string    `json:"resolution,omitempty" bson:"resolution,omitempty" firestore:"resolution,omitempty"`
	Amount        string    `json:"amount,omitempty" bson:"amount,omitempty" firestore:"amount,omitempty"`
	LedgerEntryID string    `json:"ledger_entry_id,omitempty" bson:"ledger_entry_id,omitempty" firestore:"ledger_entry_id,omitempty"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at" firestore:"created_at"`
}
