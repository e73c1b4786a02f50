package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parlakisik/campus-exchange/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements EscrowStore on MongoDB. WithTx runs inside a
// multi-document transaction, which requires a replica set.
type MongoStore struct {
	client     *mongo.Client
	contracts  *mongo.Collection
	milestones *mongo.Collection
	teams      *mongo.Collection
	wallets    *mongo.Collection
	ledger     *mongo.Collection
	disputes   *mongo.Collection
	actions    *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:     client,
		contracts:  db.Collection("contracts"),
		milestones: db.Collection("milestones"),
		teams:      db.Collection("teams"),
		wallets:    db.Collection("wallets"),
		ledger:     db.Collection("ledger_entries"),
		disputes:   db.Collection("disputes"),
		actions:    db.Collection("admin_actions"),
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.milestones.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "contract_id", Value: 1}, {Key: "position", Value: 1}},
	})
	if err != nil {
		return err
	}

	// Sequence numbers are unique per contract.
	_, err = s.ledger.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "contract_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}

	_, err = s.disputes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "contract_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return err
	}

	_, err = s.actions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "contract_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

func (s *MongoStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{s: s})
	})
	return err
}

// Reads

func (s *MongoStore) GetContract(ctx context.Context, contractID string) (model.Contract, error) {
	var c model.Contract
	err := s.findOne(ctx, s.contracts, bson.M{"_id": contractID}, &c)
	return c, err
}

func (s *MongoStore) ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.milestones.Find(ctx, bson.M{"contract_id": contractID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var milestones []model.Milestone
	if err := cur.All(ctx, &milestones); err != nil {
		return nil, err
	}
	return milestones, nil
}

func (s *MongoStore) ListLedgerEntries(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.ledger.Find(ctx, bson.M{"contract_id": contractID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []model.LedgerEntry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *MongoStore) GetDispute(ctx context.Context, disputeID string) (model.Dispute, error) {
	var d model.Dispute
	err := s.findOne(ctx, s.disputes, bson.M{"_id": disputeID}, &d)
	return d, err
}

func (s *MongoStore) GetWallet(ctx context.Context, key string) (model.Wallet, error) {
	var w model.Wallet
	err := s.findOne(ctx, s.wallets, bson.M{"_id": key}, &w)
	return w, err
}

func (s *MongoStore) ListAdminActions(ctx context.Context, contractID string) ([]model.AdminAction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.actions.Find(ctx, bson.M{"contract_id": contractID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var actions []model.AdminAction
	if err := cur.All(ctx, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func (s *MongoStore) UpsertTeam(ctx context.Context, team model.Team) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.teams.ReplaceOne(ctx, bson.M{"_id": team.ID}, team, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Close() error {
	// MongoDB client is shared, no need to close here
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := coll.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// casReplace swaps in doc only if the stored version still equals expected.
func (s *MongoStore) casReplace(ctx context.Context, coll *mongo.Collection, id string, expected int64, doc interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := coll.ReplaceOne(ctx, bson.M{"_id": id, "version": expected}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s %s: %w", coll.Name(), id, ErrConflict)
	}
	return nil
}

func (s *MongoStore) insert(ctx context.Context, coll *mongo.Collection, id string, doc interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s %s: %w", coll.Name(), id, ErrConflict)
	}
	return err
}

// mongoTx runs every call on the session context handed to WithTx.
type mongoTx struct {
	s *MongoStore
}

func (t *mongoTx) GetContract(ctx context.Context, contractID string) (model.Contract, error) {
	return t.s.GetContract(ctx, contractID)
}

func (t *mongoTx) InsertContract(ctx context.Context, contract model.Contract) error {
	contract.Version = 1
	return t.s.insert(ctx, t.s.contracts, contract.ID, contract)
}

func (t *mongoTx) UpdateContract(ctx context.Context, contract model.Contract) error {
	expected := contract.Version
	contract.Version++
	return t.s.casReplace(ctx, t.s.contracts, contract.ID, expected, contract)
}

func (t *mongoTx) GetMilestone(ctx context.Context, contractID, milestoneID string) (model.Milestone, error) {
	var m model.Milestone
	err := t.s.findOne(ctx, t.s.milestones, bson.M{"_id": milestoneID, "contract_id": contractID}, &m)
	return m, err
}

func (t *mongoTx) ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error) {
	return t.s.ListMilestones(ctx, contractID)
}

func (t *mongoTx) InsertMilestone(ctx context.Context, milestone model.Milestone) error {
	milestone.Version = 1
	return t.s.insert(ctx, t.s.milestones, milestone.ID, milestone)
}

func (t *mongoTx) UpdateMilestone(ctx context.Context, milestone model.Milestone) error {
	expected := milestone.Version
	milestone.Version++
	return t.s.casReplace(ctx, t.s.milestones, milestone.ID, expected, milestone)
}

func (t *mongoTx) GetTeam(ctx context.Context, teamID string) (model.Team, error) {
	var team model.Team
	err := t.s.findOne(ctx, t.s.teams, bson.M{"_id": teamID}, &team)
	return team, err
}

func (t *mongoTx) GetWallet(ctx context.Context, key string) (model.Wallet, error) {
	return t.s.GetWallet(ctx, key)
}

func (t *mongoTx) PutWallet(ctx context.Context, wallet model.Wallet) error {
	expected := wallet.Version
	wallet.Version++
	if expected == 0 {
		return t.s.insert(ctx, t.s.wallets, wallet.ID, wallet)
	}
	return t.s.casReplace(ctx, t.s.wallets, wallet.ID, expected, wallet)
}

func (t *mongoTx) AppendLedgerEntry(ctx context.Context, entry model.LedgerEntry) error {
	return t.s.insert(ctx, t.s.ledger, entry.ID, entry)
}

func (t *mongoTx) GetLedgerEntry(ctx context.Context, entryID string) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := t.s.findOne(ctx, t.s.ledger, bson.M{"_id": entryID}, &e)
	return e, err
}

func (t *mongoTx) MarkLedgerEntryReversed(ctx context.Context, entryID, reversedBy string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := t.s.ledger.UpdateOne(ctx,
		bson.M{"_id": entryID, "status": model.EntryCompleted},
		bson.M{"$set": bson.M{"status": model.EntryReversed, "reversed_by": reversedBy}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("ledger entry %s: %w", entryID, ErrConflict)
	}
	return nil
}

func (t *mongoTx) GetDispute(ctx context.Context, disputeID string) (model.Dispute, error) {
	return t.s.GetDispute(ctx, disputeID)
}

func (t *mongoTx) InsertDispute(ctx context.Context, dispute model.Dispute) error {
	dispute.Version = 1
	return t.s.insert(ctx, t.s.disputes, dispute.ID, dispute)
}

func (t *mongoTx) UpdateDispute(ctx context.Context, dispute model.Dispute) error {
	expected := dispute.Version
	dispute.Version++
	return t.s.casReplace(ctx, t.s.disputes, dispute.ID, expected, dispute)
}

func (t *mongoTx) AppendAdminAction(ctx context.Context, action model.AdminAction) error {
	return t.s.insert(ctx, t.s.actions, action.ID, action)
}
