package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/parlakisik/campus-exchange/internal/model"
)

// loader reads committed state on behalf of a stagedTx.
type loader interface {
	loadContract(ctx context.Context, contractID string) (model.Contract, error)
	loadMilestone(ctx context.Context, milestoneID string) (model.Milestone, error)
	loadMilestones(ctx context.Context, contractID string) ([]model.Milestone, error)
	loadTeam(ctx context.Context, teamID string) (model.Team, error)
	loadWallet(ctx context.Context, key string) (model.Wallet, error)
	loadLedgerEntry(ctx context.Context, entryID string) (model.LedgerEntry, error)
	loadDispute(ctx context.Context, disputeID string) (model.Dispute, error)
}

// write is a buffered record together with the committed version it was
// derived from. base is -1 for inserts.
type write[T any] struct {
	rec  T
	base int64
}

func (w write[T]) insert() bool { return w.base < 0 }

// stagedTx buffers every write until commit. Reads see the transaction's own
// writes first and fall through to the loader. The memory and firestore
// stores share it; firestore requires all reads before any write.
type stagedTx struct {
	l loader

	contracts  map[string]write[model.Contract]
	milestones map[string]write[model.Milestone]
	wallets    map[string]write[model.Wallet]
	disputes   map[string]write[model.Dispute]
	entries    []model.LedgerEntry
	reversals  map[string]string
	actions    []model.AdminAction
}

func newStagedTx(l loader) *stagedTx {
	return &stagedTx{
		l:          l,
		contracts:  make(map[string]write[model.Contract]),
		milestones: make(map[string]write[model.Milestone]),
		wallets:    make(map[string]write[model.Wallet]),
		disputes:   make(map[string]write[model.Dispute]),
		reversals:  make(map[string]string),
	}
}

// Contracts

func (t *stagedTx) GetContract(ctx context.Context, contractID string) (model.Contract, error) {
	if w, ok := t.contracts[contractID]; ok {
		return w.rec, nil
	}
	return t.l.loadContract(ctx, contractID)
}

func (t *stagedTx) InsertContract(ctx context.Context, contract model.Contract) error {
	if _, ok := t.contracts[contract.ID]; ok {
		return fmt.Errorf("contract %s: %w", contract.ID, ErrConflict)
	}
	if _, err := t.l.loadContract(ctx, contract.ID); err == nil {
		return fmt.Errorf("contract %s: %w", contract.ID, ErrConflict)
	}
	contract.Version = 1
	t.contracts[contract.ID] = write[model.Contract]{rec: contract, base: -1}
	return nil
}

func (t *stagedTx) UpdateContract(ctx context.Context, contract model.Contract) error {
	base := contract.Version
	if w, ok := t.contracts[contract.ID]; ok {
		if w.rec.Version != contract.Version {
			return fmt.Errorf("contract %s: %w", contract.ID, ErrConflict)
		}
		base = w.base
	} else {
		cur, err := t.l.loadContract(ctx, contract.ID)
		if err != nil {
			return err
		}
		if cur.Version != contract.Version {
			return fmt.Errorf("contract %s: %w", contract.ID, ErrConflict)
		}
	}
	contract.Version++
	t.contracts[contract.ID] = write[model.Contract]{rec: contract, base: base}
	return nil
}

// Milestones

func (t *stagedTx) GetMilestone(ctx context.Context, contractID, milestoneID string) (model.Milestone, error) {
	if w, ok := t.milestones[milestoneID]; ok && w.rec.ContractID == contractID {
		return w.rec, nil
	}
	m, err := t.l.loadMilestone(ctx, milestoneID)
	if err != nil {
		return model.Milestone{}, err
	}
	if m.ContractID != contractID {
		return model.Milestone{}, ErrNotFound
	}
	return m, nil
}

func (t *stagedTx) ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error) {
	loaded, err := t.l.loadMilestones(ctx, contractID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(loaded))
	out := make([]model.Milestone, 0, len(loaded))
	for _, m := range loaded {
		seen[m.ID] = true
		if w, ok := t.milestones[m.ID]; ok {
			m = w.rec
		}
		out = append(out, m)
	}
	for id, w := range t.milestones {
		if !seen[id] && w.rec.ContractID == contractID {
			out = append(out, w.rec)
		}
	}
	sortMilestones(out)
	return out, nil
}

func (t *stagedTx) InsertMilestone(ctx context.Context, milestone model.Milestone) error {
	if _, ok := t.milestones[milestone.ID]; ok {
		return fmt.Errorf("milestone %s: %w", milestone.ID, ErrConflict)
	}
	if _, err := t.l.loadMilestone(ctx, milestone.ID); err == nil {
		return fmt.Errorf("milestone %s: %w", milestone.ID, ErrConflict)
	}
	milestone.Version = 1
	t.milestones[milestone.ID] = write[model.Milestone]{rec: milestone, base: -1}
	return nil
}

func (t *stagedTx) UpdateMilestone(ctx context.Context, milestone model.Milestone) error {
	base := milestone.Version
	if w, ok := t.milestones[milestone.ID]; ok {
		if w.rec.Version != milestone.Version {
			return fmt.Errorf("milestone %s: %w", milestone.ID, ErrConflict)
		}
		base = w.base
	} else {
		cur, err := t.l.loadMilestone(ctx, milestone.ID)
		if err != nil {
			return err
		}
		if cur.Version != milestone.Version {
			return fmt.Errorf("milestone %s: %w", milestone.ID, ErrConflict)
		}
	}
	milestone.Version++
	t.milestones[milestone.ID] = write[model.Milestone]{rec: milestone, base: base}
	return nil
}

// Teams

func (t *stagedTx) GetTeam(ctx context.Context, teamID string) (model.Team, error) {
	return t.l.loadTeam(ctx, teamID)
}

// Wallets

func (t *stagedTx) GetWallet(ctx context.Context, key string) (model.Wallet, error) {
	if w, ok := t.wallets[key]; ok {
		return w.rec, nil
	}
	return t.l.loadWallet(ctx, key)
}

func (t *stagedTx) PutWallet(ctx context.Context, wallet model.Wallet) error {
	base := wallet.Version
	if w, ok := t.wallets[wallet.ID]; ok {
		if w.rec.Version != wallet.Version {
			return fmt.Errorf("wallet %s: %w", wallet.ID, ErrConflict)
		}
		base = w.base
	} else {
		cur, err := t.l.loadWallet(ctx, wallet.ID)
		switch {
		case err == nil:
			if cur.Version != wallet.Version {
				return fmt.Errorf("wallet %s: %w", wallet.ID, ErrConflict)
			}
		case isNotFound(err):
			if wallet.Version != 0 {
				return fmt.Errorf("wallet %s: %w", wallet.ID, ErrConflict)
			}
			base = -1
		default:
			return err
		}
	}
	wallet.Version++
	t.wallets[wallet.ID] = write[model.Wallet]{rec: wallet, base: base}
	return nil
}

// Ledger

func (t *stagedTx) AppendLedgerEntry(ctx context.Context, entry model.LedgerEntry) error {
	for _, e := range t.entries {
		if e.ID == entry.ID {
			return fmt.Errorf("ledger entry %s: %w", entry.ID, ErrConflict)
		}
	}
	t.entries = append(t.entries, cloneEntry(entry))
	return nil
}

func (t *stagedTx) GetLedgerEntry(ctx context.Context, entryID string) (model.LedgerEntry, error) {
	for _, e := range t.entries {
		if e.ID == entryID {
			return t.withReversal(cloneEntry(e)), nil
		}
	}
	e, err := t.l.loadLedgerEntry(ctx, entryID)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return t.withReversal(e), nil
}

func (t *stagedTx) withReversal(e model.LedgerEntry) model.LedgerEntry {
	if by, ok := t.reversals[e.ID]; ok {
		e.Status = model.EntryReversed
		e.ReversedBy = by
	}
	return e
}

func (t *stagedTx) MarkLedgerEntryReversed(ctx context.Context, entryID, reversedBy string) error {
	e, err := t.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if e.Status != model.EntryCompleted {
		return fmt.Errorf("ledger entry %s: %w", entryID, ErrConflict)
	}
	t.reversals[entryID] = reversedBy
	return nil
}

// Disputes

func (t *stagedTx) GetDispute(ctx context.Context, disputeID string) (model.Dispute, error) {
	if w, ok := t.disputes[disputeID]; ok {
		return w.rec, nil
	}
	return t.l.loadDispute(ctx, disputeID)
}

func (t *stagedTx) InsertDispute(ctx context.Context, dispute model.Dispute) error {
	if _, ok := t.disputes[dispute.ID]; ok {
		return fmt.Errorf("dispute %s: %w", dispute.ID, ErrConflict)
	}
	if _, err := t.l.loadDispute(ctx, dispute.ID); err == nil {
		return fmt.Errorf("dispute %s: %w", dispute.ID, ErrConflict)
	}
	dispute.Version = 1
	t.disputes[dispute.ID] = write[model.Dispute]{rec: dispute, base: -1}
	return nil
}

func (t *stagedTx) UpdateDispute(ctx context.Context, dispute model.Dispute) error {
	base := dispute.Version
	if w, ok := t.disputes[dispute.ID]; ok {
		if w.rec.Version != dispute.Version {
			return fmt.Errorf("dispute %s: %w", dispute.ID, ErrConflict)
		}
		base = w.base
	} else {
		cur, err := t.l.loadDispute(ctx, dispute.ID)
		if err != nil {
			return err
		}
		if cur.Version != dispute.Version {
			return fmt.Errorf("dispute %s: %w", dispute.ID, ErrConflict)
		}
	}
	dispute.Version++
	t.disputes[dispute.ID] = write[model.Dispute]{rec: dispute, base: base}
	return nil
}

func (t *stagedTx) AppendAdminAction(ctx context.Context, action model.AdminAction) error {
	t.actions = append(t.actions, action)
	return nil
}

func sortMilestones(ms []model.Milestone) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Position != ms[j].Position {
			return ms[i].Position < ms[j].Position
		}
		return ms[i].ID < ms[j].ID
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func cloneMilestone(m model.Milestone) model.Milestone {
	m.Submissions = slices.Clone(m.Submissions)
	return m
}

func cloneTeam(t model.Team) model.Team {
	t.Members = slices.Clone(t.Members)
	return t
}

func cloneEntry(e model.LedgerEntry) model.LedgerEntry {
	e.Splits = slices.Clone(e.Splits)
	return e
}

func (t *stagedTx) hasEntry(entryID string) bool {
	for _, e := range t.entries {
		if e.ID == entryID {
			return true
		}
	}
	return false
}
