package store

import (
	"context"
	"errors"

	"github.com/parlakisik/campus-exchange/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a versioned write loses a compare-and-swap
	// or an insert collides with an existing record.
	ErrConflict = errors.New("version conflict")
)

// Tx is the transactional view used by the escrow engine. Every Update call
// expects the record's Version as it was read and persists Version+1.
// Nothing is visible to other callers until the enclosing WithTx returns nil.
type Tx interface {
	GetContract(ctx context.Context, contractID string) (model.Contract, error)
	InsertContract(ctx context.Context, contract model.Contract) error
	UpdateContract(ctx context.Context, contract model.Contract) error

	GetMilestone(ctx context.Context, contractID, milestoneID string) (model.Milestone, error)
	ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error)
	InsertMilestone(ctx context.Context, milestone model.Milestone) error
	UpdateMilestone(ctx context.Context, milestone model.Milestone) error

	GetTeam(ctx context.Context, teamID string) (model.Team, error)

	// GetWallet looks a wallet up by model.WalletKey and returns ErrNotFound
	// for owners that were never credited.
	GetWallet(ctx context.Context, key string) (model.Wallet, error)
	// PutWallet inserts when Version is 0 and compare-and-swaps otherwise.
	// wallet.ID must be set.
	PutWallet(ctx context.Context, wallet model.Wallet) error

	AppendLedgerEntry(ctx context.Context, entry model.LedgerEntry) error
	GetLedgerEntry(ctx context.Context, entryID string) (model.LedgerEntry, error)
	MarkLedgerEntryReversed(ctx context.Context, entryID, reversedBy string) error

	GetDispute(ctx context.Context, disputeID string) (model.Dispute, error)
	InsertDispute(ctx context.Context, dispute model.Dispute) error
	UpdateDispute(ctx context.Context, dispute model.Dispute) error

	AppendAdminAction(ctx context.Context, action model.AdminAction) error
}

// EscrowStore persists contracts, milestones, wallets, ledger entries and
// disputes. All mutations go through WithTx.
type EscrowStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetContract(ctx context.Context, contractID string) (model.Contract, error)
	ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error)
	// ListLedgerEntries returns a contract's entries in sequence order.
	ListLedgerEntries(ctx context.Context, contractID string) ([]model.LedgerEntry, error)
	GetDispute(ctx context.Context, disputeID string) (model.Dispute, error)
	GetWallet(ctx context.Context, key string) (model.Wallet, error)
	ListAdminActions(ctx context.Context, contractID string) ([]model.AdminAction, error)

	// UpsertTeam mirrors a roster owned by the team service.
	UpsertTeam(ctx context.Context, team model.Team) error

	Close() error
}
