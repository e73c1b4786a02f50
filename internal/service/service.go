package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parlakisik/campus-exchange/internal/events"
	"github.com/parlakisik/campus-exchange/internal/model"
	"github.com/parlakisik/campus-exchange/internal/store"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Options tunes engine behaviour.
type Options struct {
	// RelaxDepositCeiling lets deposits exceed the contract total. Test only;
	// config refuses it in production.
	RelaxDepositCeiling bool
	DefaultCurrency     string
	EventTimeout        time.Duration
}

// eventQueueSize bounds the events waiting for delivery. Events published
// while the queue is full are dropped with a warning.
const eventQueueSize = 1024

// Service is the escrow engine. It owns every balance mutation.
type Service struct {
	store  store.EscrowStore
	events events.Sink
	opts   Options
	now    func() time.Time

	queue     chan queuedEvent
	startOnce sync.Once
	wg        sync.WaitGroup
}

type queuedEvent struct {
	ctx       context.Context
	eventType string
	data      map[string]any
}

func New(st store.EscrowStore, sink events.Sink, opts Options) *Service {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 10 * time.Second
	}
	if opts.RelaxDepositCeiling {
		slog.Warn("deposit ceiling check relaxed")
	}
	return &Service{
		store:  st,
		events: sink,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		queue:  make(chan queuedEvent, eventQueueSize),
	}
}

// Drain waits until every queued event has been handed to the sink.
func (s *Service) Drain() {
	s.wg.Wait()
}

// inTx runs fn in a store transaction. fn maps its own store errors; a
// conflict detected at commit becomes ErrConcurrentModification.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := s.store.WithTx(ctx, fn)
	if errors.Is(err, store.ErrConflict) {
		return ErrConcurrentModification
	}
	return err
}

// publish queues an event after commit without blocking the caller. A single
// worker delivers queued events in publish order. Delivery failures are
// logged and dropped.
func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.startOnce.Do(func() { go s.deliver() })

	s.wg.Add(1)
	select {
	case s.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), eventType: eventType, data: data}:
	default:
		s.wg.Done()
		slog.WarnContext(ctx, "event_dropped",
			"event_type", eventType,
			"contract_id", data["contract_id"],
			"reason", "delivery queue full",
		)
	}
}

func (s *Service) deliver() {
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(ev.ctx, s.opts.EventTimeout)
		if err := s.events.Publish(ctx, ev.eventType, ev.data); err != nil {
			slog.WarnContext(ctx, "event_publish_failed",
				"event_type", ev.eventType,
				"contract_id", ev.data["contract_id"],
				"error", err,
			)
		}
		cancel()
		s.wg.Done()
	}
}

func generateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// parseAmount parses a strictly positive cent-precision amount.
func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !d.IsPositive() || !d.Equal(d.Truncate(2)) {
		return decimal.Zero, ErrInvalidAmount.Withf("invalid amount %q", raw)
	}
	return d, nil
}

// parseOptionalAmount accepts an empty string or a non-negative amount.
func parseOptionalAmount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() || !d.Equal(d.Truncate(2)) {
		return decimal.Zero, ErrInvalidAmount.Withf("invalid amount %q", raw)
	}
	return d, nil
}

func parsePercentage(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !d.IsPositive() || d.GreaterThan(hundred) {
		return decimal.Zero, ErrInvalidPercentage.Withf("invalid percentage %q: must be in (0, 100]", raw)
	}
	return d, nil
}

// dec reads a stored amount. Stored values were validated on the way in.
func dec(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// basePayable is the milestone's share of the contract without bonus.
// Weights apply to the agreed total, before any bonuses were added.
func basePayable(c model.Contract, m model.Milestone) decimal.Decimal {
	if m.Amount != "" {
		return dec(m.Amount)
	}
	base := dec(c.TotalAmount).Sub(dec(c.BonusAmount))
	return dec(m.WeightPct).Mul(base).Div(hundred).Truncate(2)
}

// payable is the full amount owed for a milestone including its bonus.
func payable(c model.Contract, m model.Milestone) decimal.Decimal {
	return basePayable(c, m).Add(dec(m.Bonus))
}

// remaining is what is still owed after partial releases.
func remaining(c model.Contract, m model.Milestone) decimal.Decimal {
	r := payable(c, m).Sub(dec(m.ReleasedAmount))
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func contractParty(c model.Contract) model.Party {
	return model.Party{ID: c.ID, Type: model.PartyContract}
}

func clientParty(c model.Contract) model.Party {
	return model.Party{ID: c.ClientID, Type: model.PartyUser}
}

// appendEntry stamps the next contract sequence number and the current escrow
// balance on e and writes it. The caller persists the contract afterwards.
func (s *Service) appendEntry(ctx context.Context, tx store.Tx, c *model.Contract, e model.LedgerEntry) (model.LedgerEntry, error) {
	c.LedgerSeq++
	e.ID = generateID("txn")
	e.ContractID = c.ID
	e.Seq = c.LedgerSeq
	e.Status = model.EntryCompleted
	e.BalanceAfter = c.EscrowBalance
	e.CreatedAt = s.now()
	if err := tx.AppendLedgerEntry(ctx, e); err != nil {
		return model.LedgerEntry{}, storeErr(err, nil)
	}
	return e, nil
}

func (s *Service) audit(ctx context.Context, tx store.Tx, a model.AdminAction) error {
	a.ID = generateID("adm")
	a.CreatedAt = s.now()
	return storeErr(tx.AppendAdminAction(ctx, a), nil)
}

// isPayee reports whether actor receives funds from c, directly or as an
// active member of the payee team.
func isPayee(ctx context.Context, tx store.Tx, c model.Contract, actor Actor) (bool, error) {
	switch c.Payee.Kind {
	case model.PayeeIndividual:
		return actor.ID == c.Payee.UserID, nil
	case model.PayeeTeam:
		team, err := tx.GetTeam(ctx, c.Payee.TeamID)
		if err != nil {
			return false, storeErr(err, ErrTeamNotFound)
		}
		return team.HasActiveMember(actor.ID), nil
	}
	return false, nil
}

// requireReleasable checks the contract-level guards shared by every
// operation that moves money out of escrow.
func requireReleasable(c model.Contract) error {
	if c.Status == model.ContractStatusDisputed {
		return ErrContractDisputed.Withf("contract %s is frozen by dispute %s", c.ID, c.ActiveDisputeID)
	}
	if c.Status != model.ContractStatusActive {
		return ErrContractNotActive.Withf("contract %s is %s", c.ID, c.Status)
	}
	return nil
}
