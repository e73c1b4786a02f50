package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/parlakisik/campus-exchange/internal/model"
)

// MemoryStore implements EscrowStore in process memory. Transactions are
// optimistic: writes are staged and validated against committed versions
// under the write lock at commit time.
type MemoryStore struct {
	mu         sync.RWMutex
	contracts  map[string]model.Contract
	milestones map[string]model.Milestone
	teams      map[string]model.Team
	wallets    map[string]model.Wallet
	entries    map[string]model.LedgerEntry
	byContract map[string][]string
	disputes   map[string]model.Dispute
	actions    []model.AdminAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:  make(map[string]model.Contract),
		milestones: make(map[string]model.Milestone),
		teams:      make(map[string]model.Team),
		wallets:    make(map[string]model.Wallet),
		entries:    make(map[string]model.LedgerEntry),
		byContract: make(map[string][]string),
		disputes:   make(map[string]model.Dispute),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := newStagedTx(memoryLoader{s})
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *stagedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range tx.contracts {
		cur, ok := s.contracts[id]
		if w.insert() && ok || !w.insert() && (!ok || cur.Version != w.base) {
			return fmt.Errorf("contract %s: %w", id, ErrConflict)
		}
	}
	for id, w := range tx.milestones {
		cur, ok := s.milestones[id]
		if w.insert() && ok || !w.insert() && (!ok || cur.Version != w.base) {
			return fmt.Errorf("milestone %s: %w", id, ErrConflict)
		}
	}
	for id, w := range tx.wallets {
		cur, ok := s.wallets[id]
		if w.insert() && ok || !w.insert() && (!ok || cur.Version != w.base) {
			return fmt.Errorf("wallet %s: %w", id, ErrConflict)
		}
	}
	for id, w := range tx.disputes {
		cur, ok := s.disputes[id]
		if w.insert() && ok || !w.insert() && (!ok || cur.Version != w.base) {
			return fmt.Errorf("dispute %s: %w", id, ErrConflict)
		}
	}
	for _, e := range tx.entries {
		if _, ok := s.entries[e.ID]; ok {
			return fmt.Errorf("ledger entry %s: %w", e.ID, ErrConflict)
		}
	}
	for id := range tx.reversals {
		e, ok := s.entries[id]
		if ok && e.Status != model.EntryCompleted {
			return fmt.Errorf("ledger entry %s: %w", id, ErrConflict)
		}
	}

	for id, w := range tx.contracts {
		s.contracts[id] = w.rec
	}
	for id, w := range tx.milestones {
		s.milestones[id] = cloneMilestone(w.rec)
	}
	for id, w := range tx.wallets {
		s.wallets[id] = w.rec
	}
	for id, w := range tx.disputes {
		s.disputes[id] = w.rec
	}
	for _, e := range tx.entries {
		if by, ok := tx.reversals[e.ID]; ok {
			e.Status = model.EntryReversed
			e.ReversedBy = by
		}
		s.entries[e.ID] = e
		s.byContract[e.ContractID] = append(s.byContract[e.ContractID], e.ID)
	}
	for id, by := range tx.reversals {
		if e, ok := s.entries[id]; ok {
			e.Status = model.EntryReversed
			e.ReversedBy = by
			s.entries[id] = e
		}
	}
	s.actions = append(s.actions, tx.actions...)
	return nil
}

func (s *MemoryStore) GetContract(ctx context.Context, contractID string) (model.Contract, error) {
	return memoryLoader{s}.loadContract(ctx, contractID)
}

func (s *MemoryStore) ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error) {
	return memoryLoader{s}.loadMilestones(ctx, contractID)
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byContract[contractID]
	out := make([]model.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneEntry(s.entries[id]))
	}
	slices.SortStableFunc(out, func(a, b model.LedgerEntry) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out, nil
}

func (s *MemoryStore) GetDispute(ctx context.Context, disputeID string) (model.Dispute, error) {
	return memoryLoader{s}.loadDispute(ctx, disputeID)
}

func (s *MemoryStore) GetWallet(ctx context.Context, key string) (model.Wallet, error) {
	return memoryLoader{s}.loadWallet(ctx, key)
}

func (s *MemoryStore) ListAdminActions(ctx context.Context, contractID string) ([]model.AdminAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AdminAction
	for _, a := range s.actions {
		if a.ContractID == contractID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertTeam(ctx context.Context, team model.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.ID] = cloneTeam(team)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// memoryLoader serves committed state to a stagedTx.
type memoryLoader struct {
	s *MemoryStore
}

func (l memoryLoader) loadContract(_ context.Context, contractID string) (model.Contract, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	c, ok := l.s.contracts[contractID]
	if !ok {
		return model.Contract{}, ErrNotFound
	}
	return c, nil
}

func (l memoryLoader) loadMilestone(_ context.Context, milestoneID string) (model.Milestone, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	m, ok := l.s.milestones[milestoneID]
	if !ok {
		return model.Milestone{}, ErrNotFound
	}
	return cloneMilestone(m), nil
}

func (l memoryLoader) loadMilestones(_ context.Context, contractID string) ([]model.Milestone, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	var out []model.Milestone
	for _, m := range l.s.milestones {
		if m.ContractID == contractID {
			out = append(out, cloneMilestone(m))
		}
	}
	sortMilestones(out)
	return out, nil
}

func (l memoryLoader) loadTeam(_ context.Context, teamID string) (model.Team, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	t, ok := l.s.teams[teamID]
	if !ok {
		return model.Team{}, ErrNotFound
	}
	return cloneTeam(t), nil
}

func (l memoryLoader) loadWallet(_ context.Context, key string) (model.Wallet, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	w, ok := l.s.wallets[key]
	if !ok {
		return model.Wallet{}, ErrNotFound
	}
	return w, nil
}

func (l memoryLoader) loadLedgerEntry(_ context.Context, entryID string) (model.LedgerEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	e, ok := l.s.entries[entryID]
	if !ok {
		return model.LedgerEntry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (l memoryLoader) loadDispute(_ context.Context, disputeID string) (model.Dispute, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	d, ok := l.s.disputes[disputeID]
	if !ok {
		return model.Dispute{}, ErrNotFound
	}
	return d, nil
}
