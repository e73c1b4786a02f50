package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/parlakisik/campus-exchange/internal/model"
	"google.golang.org/api/iterator"
)

const (
	fsContracts  = "contracts"
	fsMilestones = "milestones"
	fsTeams      = "teams"
	fsWallets    = "wallets"
	fsLedger     = "ledger_entries"
	fsDisputes   = "disputes"
	fsActions    = "admin_actions"
)

// FirestoreStore implements EscrowStore on Cloud Firestore. Firestore
// transactions reject reads after writes, so WithTx stages writes and flushes
// them once the callback returns.
type FirestoreStore struct {
	client *firestore.Client
	prefix string
}

// NewFirestoreStore opens a client; prefix namespaces collection names.
func NewFirestoreStore(projectID, prefix string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(context.Background(), projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client, prefix: prefix}, nil
}

func (s *FirestoreStore) col(name string) *firestore.CollectionRef {
	return s.client.Collection(s.prefix + name)
}

func (s *FirestoreStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		staged := newStagedTx(firestoreLoader{s: s, tx: ftx})
		if err := fn(ctx, staged); err != nil {
			return err
		}
		return s.flush(ftx, staged)
	})
}

func (s *FirestoreStore) flush(ftx *firestore.Transaction, staged *stagedTx) error {
	for id, w := range staged.contracts {
		if err := s.write(ftx, s.col(fsContracts).Doc(id), w.insert(), w.rec); err != nil {
			return err
		}
	}
	for id, w := range staged.milestones {
		if err := s.write(ftx, s.col(fsMilestones).Doc(id), w.insert(), w.rec); err != nil {
			return err
		}
	}
	for id, w := range staged.wallets {
		if err := s.write(ftx, s.col(fsWallets).Doc(id), w.insert(), w.rec); err != nil {
			return err
		}
	}
	for id, w := range staged.disputes {
		if err := s.write(ftx, s.col(fsDisputes).Doc(id), w.insert(), w.rec); err != nil {
			return err
		}
	}
	for _, e := range staged.entries {
		if by, ok := staged.reversals[e.ID]; ok {
			e.Status = model.EntryReversed
			e.ReversedBy = by
		}
		if err := ftx.Create(s.col(fsLedger).Doc(e.ID), e); err != nil {
			return fmt.Errorf("create ledger entry: %w", err)
		}
	}
	for id, by := range staged.reversals {
		if staged.hasEntry(id) {
			continue
		}
		err := ftx.Update(s.col(fsLedger).Doc(id), []firestore.Update{
			{Path: "status", Value: model.EntryReversed},
			{Path: "reversed_by", Value: by},
		})
		if err != nil {
			return fmt.Errorf("reverse ledger entry: %w", err)
		}
	}
	for _, a := range staged.actions {
		if err := ftx.Create(s.col(fsActions).Doc(a.ID), a); err != nil {
			return fmt.Errorf("create admin action: %w", err)
		}
	}
	return nil
}

func (s *FirestoreStore) write(ftx *firestore.Transaction, ref *firestore.DocumentRef, insert bool, rec interface{}) error {
	var err error
	if insert {
		err = ftx.Create(ref, rec)
	} else {
		err = ftx.Set(ref, rec)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", ref.Path, err)
	}
	return nil
}

// Reads

func (s *FirestoreStore) GetContract(ctx context.Context, contractID string) (model.Contract, error) {
	var c model.Contract
	err := s.get(ctx, s.col(fsContracts).Doc(contractID), &c)
	return c, err
}

func (s *FirestoreStore) ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error) {
	iter := s.col(fsMilestones).Where("contract_id", "==", contractID).Documents(ctx)
	return decodeMilestones(iter)
}

func (s *FirestoreStore) ListLedgerEntries(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	iter := s.col(fsLedger).
		Where("contract_id", "==", contractID).
		OrderBy("seq", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []model.LedgerEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate ledger: %w", err)
		}
		var e model.LedgerEntry
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *FirestoreStore) GetDispute(ctx context.Context, disputeID string) (model.Dispute, error) {
	var d model.Dispute
	err := s.get(ctx, s.col(fsDisputes).Doc(disputeID), &d)
	return d, err
}

func (s *FirestoreStore) GetWallet(ctx context.Context, key string) (model.Wallet, error) {
	var w model.Wallet
	err := s.get(ctx, s.col(fsWallets).Doc(key), &w)
	return w, err
}

func (s *FirestoreStore) ListAdminActions(ctx context.Context, contractID string) ([]model.AdminAction, error) {
	iter := s.col(fsActions).
		Where("contract_id", "==", contractID).
		OrderBy("created_at", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var actions []model.AdminAction
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate admin actions: %w", err)
		}
		var a model.AdminAction
		if err := doc.DataTo(&a); err != nil {
			return nil, fmt.Errorf("decode admin action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (s *FirestoreStore) UpsertTeam(ctx context.Context, team model.Team) error {
	_, err := s.col(fsTeams).Doc(team.ID).Set(ctx, team)
	if err != nil {
		return fmt.Errorf("save team: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) get(ctx context.Context, ref *firestore.DocumentRef, out interface{}) error {
	snaps, err := s.client.GetAll(ctx, []*firestore.DocumentRef{ref})
	if err != nil {
		return fmt.Errorf("get %s: %w", ref.Path, err)
	}
	return decodeSnapshot(snaps[0], out)
}

func decodeSnapshot(doc *firestore.DocumentSnapshot, out interface{}) error {
	if !doc.Exists() {
		return ErrNotFound
	}
	if err := doc.DataTo(out); err != nil {
		return fmt.Errorf("decode %s: %w", doc.Ref.Path, err)
	}
	return nil
}

func decodeMilestones(iter *firestore.DocumentIterator) ([]model.Milestone, error) {
	defer iter.Stop()

	var milestones []model.Milestone
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate milestones: %w", err)
		}
		var m model.Milestone
		if err := doc.DataTo(&m); err != nil {
			return nil, fmt.Errorf("decode milestone: %w", err)
		}
		milestones = append(milestones, m)
	}
	sortMilestones(milestones)
	return milestones, nil
}

// firestoreLoader reads through the enclosing firestore transaction so the
// documents it returns are part of the transaction's read set.
type firestoreLoader struct {
	s  *FirestoreStore
	tx *firestore.Transaction
}

func (l firestoreLoader) get(ref *firestore.DocumentRef, out interface{}) error {
	snaps, err := l.tx.GetAll([]*firestore.DocumentRef{ref})
	if err != nil {
		return fmt.Errorf("get %s: %w", ref.Path, err)
	}
	return decodeSnapshot(snaps[0], out)
}

func (l firestoreLoader) loadContract(_ context.Context, contractID string) (model.Contract, error) {
	var c model.Contract
	err := l.get(l.s.col(fsContracts).Doc(contractID), &c)
	return c, err
}

func (l firestoreLoader) loadMilestone(_ context.Context, milestoneID string) (model.Milestone, error) {
	var m model.Milestone
	err := l.get(l.s.col(fsMilestones).Doc(milestoneID), &m)
	return m, err
}

func (l firestoreLoader) loadMilestones(_ context.Context, contractID string) ([]model.Milestone, error) {
	q := l.s.col(fsMilestones).Where("contract_id", "==", contractID)
	return decodeMilestones(l.tx.Documents(q))
}

func (l firestoreLoader) loadTeam(_ context.Context, teamID string) (model.Team, error) {
	var t model.Team
	err := l.get(l.s.col(fsTeams).Doc(teamID), &t)
	return t, err
}

func (l firestoreLoader) loadWallet(_ context.Context, key string) (model.Wallet, error) {
	var w model.Wallet
	err := l.get(l.s.col(fsWallets).Doc(key), &w)
	return w, err
}

func (l firestoreLoader) loadLedgerEntry(_ context.Context, entryID string) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := l.get(l.s.col(fsLedger).Doc(entryID), &e)
	return e, err
}

func (l firestoreLoader) loadDispute(_ context.Context, disputeID string) (model.Dispute, error) {
	var d model.Dispute
	err := l.get(l.s.col(fsDisputes).Doc(disputeID), &d)
	return d, err
}
