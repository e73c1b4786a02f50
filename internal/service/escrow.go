package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/parlakisik/campus-exchange/internal/events"
	"github.com/parlakisik/campus-exchange/internal/model"
	"github.com/parlakisik/campus-exchange/internal/store"
	"github.com/shopspring/decimal"
)

type MilestoneInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	WeightPct   string     `json:"weight_pct,omitempty"`
	Amount      string     `json:"amount,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type CreateContractInput struct {
	ID          string           `json:"id,omitempty"`
	ProjectID   string           `json:"project_id"`
	BidID       string           `json:"bid_id,omitempty"`
	ClientID    string           `json:"client_id"`
	Payee       model.Payee      `json:"payee"`
	TotalAmount string           `json:"total_amount"`
	Currency    string           `json:"currency,omitempty"`
	Milestones  []MilestoneInput `json:"milestones"`
}

type ContractView struct {
	Contract   model.Contract    `json:"contract"`
	Milestones []model.Milestone `json:"milestones"`
}

type DepositResult struct {
	ContractID    string `json:"contract_id"`
	EscrowBalance string `json:"new_escrow_balance"`
	TotalAmount   string `json:"total_amount"`
	TransactionID string `json:"transaction_id"`
}

type ReleaseResult struct {
	ContractID     string               `json:"contract_id"`
	MilestoneID    string               `json:"milestone_id"`
	ReleaseAmount  string               `json:"release_amount"`
	Bonus          string               `json:"bonus,omitempty"`
	EscrowBalance  string               `json:"new_escrow_balance"`
	ReleasedAmount string               `json:"released_amount"`
	AlreadyPaid    bool                 `json:"already_paid"`
	TransactionID  string               `json:"transaction_id,omitempty"`
	Splits         []model.SplitLine    `json:"splits,omitempty"`
	ContractStatus model.ContractStatus `json:"contract_status"`
}

type PartialReleaseResult struct {
	ContractID         string                `json:"contract_id"`
	MilestoneID        string                `json:"milestone_id"`
	OriginalPercentage string                `json:"original_percentage"`
	ReleasePercentage  string                `json:"release_percentage"`
	ReleasedPercentage string                `json:"released_pct"`
	ReleaseAmount      string                `json:"release_amount"`
	RemainingAmount    string                `json:"remaining_amount"`
	EscrowBalance      string                `json:"new_escrow_balance"`
	MilestoneStatus    model.MilestoneStatus `json:"milestone_status"`
	TransactionID      string                `json:"transaction_id"`
	Splits             []model.SplitLine     `json:"splits,omitempty"`
	ContractStatus     model.ContractStatus  `json:"contract_status"`
}

type EscrowBalance struct {
	ContractID      string               `json:"contract_id"`
	EscrowBalance   string               `json:"escrow_balance"`
	TotalAmount     string               `json:"total_amount"`
	ReleasedAmount  string               `json:"released_amount"`
	RefundedAmount  string               `json:"refunded_amount"`
	Currency        string               `json:"currency"`
	Status          model.ContractStatus `json:"status"`
	ActiveDisputeID string               `json:"active_dispute_id,omitempty"`
}

type CancelResult struct {
	Contract      model.Contract `json:"contract"`
	RefundAmount  string         `json:"refund_amount"`
	TransactionID string         `json:"transaction_id,omitempty"`
}

type ReverseResult struct {
	Original      model.LedgerEntry `json:"original"`
	Adjustment    model.LedgerEntry `json:"adjustment"`
	EscrowBalance string            `json:"new_escrow_balance"`
}

// CreateContract registers a contract derived from an accepted bid.
func (s *Service) CreateContract(ctx context.Context, actor Actor, in CreateContractInput) (ContractView, error) {
	if actor.Role != RoleService && !actor.IsAdmin() {
		return ContractView{}, ErrUnauthorized.Withf("contracts are created by the bid service")
	}
	total, err := s.validateContract(in)
	if err != nil {
		return ContractView{}, err
	}

	now := s.now()
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	id := in.ID
	if id == "" {
		id = generateID("ctr")
	}

	view := ContractView{
		Contract: model.Contract{
			ID:             id,
			ProjectID:      in.ProjectID,
			BidID:          in.BidID,
			ClientID:       in.ClientID,
			Payee:          in.Payee,
			TotalAmount:    total.String(),
			EscrowBalance:  "0",
			ReleasedAmount: "0",
			RefundedAmount: "0",
			Currency:       currency,
			Status:         model.ContractStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	for i, mi := range in.Milestones {
		view.Milestones = append(view.Milestones, model.Milestone{
			ID:             generateID("ms"),
			ContractID:     id,
			Position:       i,
			Title:          strings.TrimSpace(mi.Title),
			Description:    mi.Description,
			WeightPct:      normalize(mi.WeightPct),
			Amount:         normalize(mi.Amount),
			ReleasedPct:    "0",
			ReleasedAmount: "0",
			Status:         model.MilestonePending,
			DueDate:        mi.DueDate,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertContract(ctx, view.Contract); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrContractExists.Withf("contract %s already exists", id)
			}
			return storeErr(err, nil)
		}
		for _, m := range view.Milestones {
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return storeErr(err, nil)
			}
		}
		return nil
	})
	if err != nil {
		return ContractView{}, err
	}

	view.Contract.Version = 1
	for i := range view.Milestones {
		view.Milestones[i].Version = 1
	}

	slog.InfoContext(ctx, "contract_created",
		"contract_id", id,
		"client_id", in.ClientID,
		"payee_kind", in.Payee.Kind,
		"total_amount", view.Contract.TotalAmount,
		"milestones", len(view.Milestones),
	)
	s.publish(ctx, events.EventContractCreated, map[string]any{
		"contract_id":  id,
		"project_id":   in.ProjectID,
		"client_id":    in.ClientID,
		"total_amount": view.Contract.TotalAmount,
	})
	return view, nil
}

func (s *Service) validateContract(in CreateContractInput) (decimal.Decimal, error) {
	if strings.TrimSpace(in.ProjectID) == "" || strings.TrimSpace(in.ClientID) == "" {
		return decimal.Zero, ErrInvalidInput.Withf("project_id and client_id are required")
	}
	if !in.Payee.Valid() {
		return decimal.Zero, ErrInvalidInput.Withf("payee must be an individual with user_id or a team with team_id")
	}
	if in.Payee.Kind == model.PayeeIndividual && in.Payee.UserID == in.ClientID {
		return decimal.Zero, ErrInvalidInput.Withf("client cannot be the payee")
	}
	total, err := parseAmount(in.TotalAmount)
	if err != nil {
		return decimal.Zero, err
	}
	if len(in.Milestones) == 0 {
		return decimal.Zero, ErrInvalidInput.Withf("at least one milestone is required")
	}

	weights := decimal.Zero
	allocated := decimal.Zero
	for i, m := range in.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return decimal.Zero, ErrInvalidInput.Withf("milestone %d: title is required", i+1)
		}
		hasWeight := strings.TrimSpace(m.WeightPct) != ""
		hasAmount := strings.TrimSpace(m.Amount) != ""
		switch {
		case hasWeight == hasAmount:
			return decimal.Zero, ErrInvalidInput.Withf("milestone %d: exactly one of weight_pct and amount is required", i+1)
		case hasWeight:
			w, err := parsePercentage(m.WeightPct)
			if err != nil {
				return decimal.Zero, err
			}
			weights = weights.Add(w)
			allocated = allocated.Add(w.Mul(total).Div(hundred).Truncate(2))
		default:
			a, err := parseAmount(m.Amount)
			if err != nil {
				return decimal.Zero, err
			}
			allocated = allocated.Add(a)
		}
	}
	if weights.GreaterThan(hundred) {
		return decimal.Zero, ErrInvalidPercentage.Withf("milestone weights sum to %s%%, must not exceed 100%%", weights)
	}
	if allocated.GreaterThan(total) {
		return decimal.Zero, ErrInvalidInput.Withf("milestones allocate %s, more than the contract total %s", allocated, total)
	}
	return total, nil
}

func normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return decimal.RequireFromString(raw).String()
}

// Deposit funds the contract's escrow from its client.
func (s *Service) Deposit(ctx context.Context, contractID string, actor Actor, rawAmount string) (DepositResult, error) {
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return DepositResult{}, err
	}

	var res DepositResult
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}
		if actor.ID != c.ClientID {
			return ErrUnauthorized.Withf("only the client of contract %s can deposit", c.ID)
		}
		if c.Status == model.ContractStatusDisputed {
			return ErrContractDisputed.Withf("contract %s is frozen by dispute %s", c.ID, c.ActiveDisputeID)
		}
		if c.Status != model.ContractStatusActive {
			return ErrContractNotActive.Withf("contract %s is %s", c.ID, c.Status)
		}

		escrow := dec(c.EscrowBalance)
		committed := escrow.Add(dec(c.ReleasedAmount)).Add(amount)
		if !s.opts.RelaxDepositCeiling && committed.GreaterThan(dec(c.TotalAmount)) {
			return ErrExceedsTotal.Withf("deposit of %s would bring escrow plus released funds to %s, above the contract total %s",
				amount, committed, c.TotalAmount)
		}

		c.EscrowBalance = escrow.Add(amount).String()
		c.UpdatedAt = s.now()
		entry, err := s.appendEntry(ctx, tx, &c, model.LedgerEntry{
			From:        clientParty(c),
			To:          contractParty(c),
			Amount:      amount.String(),
			Kind:        model.EntryDeposit,
			Description: "Escrow deposit",
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateContract(ctx, c); err != nil {
			return storeErr(err, ErrContractNotFound)
		}

		res = DepositResult{
			ContractID:    c.ID,
			EscrowBalance: c.EscrowBalance,
			TotalAmount:   c.TotalAmount,
			TransactionID: entry.ID,
		}
		return nil
	})
	if err != nil {
		return DepositResult{}, err
	}

	slog.InfoContext(ctx, "deposit_processed",
		"contract_id", contractID,
		"amount", amount.String(),
		"escrow_balance", res.EscrowBalance,
		"transaction_id", res.TransactionID,
	)
	s.publish(ctx, events.EventEscrowDeposited, map[string]any{
		"contract_id":    contractID,
		"amount":         amount.String(),
		"escrow_balance": res.EscrowBalance,
		"transaction_id": res.TransactionID,
	})
	return res, nil
}

// ReleaseMilestone pays the remaining amount of an approved milestone to the
// payee. Releasing a paid milestone succeeds with AlreadyPaid and changes nothing.
func (s *Service) ReleaseMilestone(ctx context.Context, contractID, milestoneID string, actor Actor, rawBonus string) (ReleaseResult, error) {
	bonus, err := parseOptionalAmount(rawBonus)
	if err != nil {
		return ReleaseResult{}, err
	}

	var res ReleaseResult
	var completed bool
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, completed = ReleaseResult{}, false

		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}
		m, err := tx.GetMilestone(ctx, contractID, milestoneID)
		if err != nil {
			return storeErr(err, ErrMilestoneNotFound)
		}
		if c.Status == model.ContractStatusDisputed {
			return ErrContractDisputed.Withf("contract %s is frozen by dispute %s", c.ID, c.ActiveDisputeID)
		}
		if actor.ID != c.ClientID {
			return ErrUnauthorized.Withf("only the client of contract %s can release milestones", c.ID)
		}
		if m.Status == model.MilestonePaid {
			res = ReleaseResult{
				ContractID:     c.ID,
				MilestoneID:    m.ID,
				ReleaseAmount:  "0",
				EscrowBalance:  c.EscrowBalance,
				ReleasedAmount: c.ReleasedAmount,
				AlreadyPaid:    true,
				ContractStatus: c.Status,
			}
			return nil
		}
		if err := requireReleasable(c); err != nil {
			return err
		}
		if m.Status != model.MilestoneApproved {
			return ErrMilestoneNotApproved.Withf("Milestone must be approved before funds can be released (status %s)", m.Status)
		}

		if bonus.IsPositive() {
			addBonus(&c, &m, bonus)
		}
		amount, entry, err := s.releaseRemaining(ctx, tx, &c, &m, actor.ID)
		if err != nil {
			return err
		}
		if completed, err = s.completeIfSettled(ctx, tx, &c); err != nil {
			return err
		}
		if err := tx.UpdateContract(ctx, c); err != nil {
			return storeErr(err, ErrContractNotFound)
		}

		res = ReleaseResult{
			ContractID:     c.ID,
			MilestoneID:    m.ID,
			ReleaseAmount:  amount.String(),
			Bonus:          m.Bonus,
			EscrowBalance:  c.EscrowBalance,
			ReleasedAmount: c.ReleasedAmount,
			TransactionID:  entry.ID,
			Splits:         entry.Splits,
			ContractStatus: c.Status,
		}
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	if res.AlreadyPaid {
		slog.InfoContext(ctx, "milestone_already_paid", "contract_id", contractID, "milestone_id", milestoneID)
		return res, nil
	}

	s.afterRelease(ctx, events.EventMilestoneReleased, res.ContractID, res.MilestoneID, res.ReleaseAmount, res.EscrowBalance, res.TransactionID, completed)
	return res, nil
}

// PartialRelease pays releasePct percent of a milestone's payable amount. The
// release that brings the cumulative percentage to 100 pays the exact
// remainder and marks the milestone paid.
func (s *Service) PartialRelease(ctx context.Context, contractID, milestoneID string, actor Actor, rawPct string) (PartialReleaseResult, error) {
	pct, err := parsePercentage(rawPct)
	if err != nil {
		return PartialReleaseResult{}, err
	}

	var res PartialReleaseResult
	var completed bool
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		completed = false

		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}
		m, err := tx.GetMilestone(ctx, contractID, milestoneID)
		if err != nil {
			return storeErr(err, ErrMilestoneNotFound)
		}
		if c.Status == model.ContractStatusDisputed {
			return ErrContractDisputed.Withf("contract %s is frozen by dispute %s", c.ID, c.ActiveDisputeID)
		}
		if actor.ID != c.ClientID {
			return ErrUnauthorized.Withf("only the client of contract %s can release milestones", c.ID)
		}
		if m.Status == model.MilestonePaid {
			return ErrAlreadyPaid.Withf("milestone %s has already been paid", m.ID)
		}
		if err := requireReleasable(c); err != nil {
			return err
		}
		switch m.Status {
		case model.MilestoneInProgress, model.MilestoneSubmitted, model.MilestoneApproved:
		default:
			return ErrInvalidTransition.Withf("partial release requires an in_progress, submitted or approved milestone (status %s)", m.Status)
		}

		previous := dec(m.ReleasedPct)
		cumulative := previous.Add(pct)
		if cumulative.GreaterThan(hundred) {
			return ErrInvalidPercentage.Withf("cumulative release of %s%% would exceed 100%% (already released %s%%)", cumulative, previous)
		}

		full := payable(c, m)
		var amount decimal.Decimal
		if cumulative.Equal(hundred) {
			amount = remaining(c, m)
		} else {
			amount = full.Mul(pct).Div(hundred).Truncate(2)
		}
		if !amount.IsPositive() {
			return ErrInvalidPercentage.Withf("releasing %s%% of %s rounds to zero", pct, full)
		}

		if err := debitEscrow(&c, amount); err != nil {
			return err
		}
		lines, err := s.creditPayee(ctx, tx, c, amount)
		if err != nil {
			return err
		}

		now := s.now()
		m.ReleasedPct = cumulative.String()
		m.ReleasedAmount = dec(m.ReleasedAmount).Add(amount).String()
		m.UpdatedAt = now
		if cumulative.Equal(hundred) {
			m.Status = model.MilestonePaid
			m.PaidAt = &now
			m.Submissions = append(m.Submissions, model.Submission{Status: model.MilestonePaid, ActorID: actor.ID, At: now})
		}
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return storeErr(err, ErrMilestoneNotFound)
		}

		c.UpdatedAt = now
		entry, err := s.appendEntry(ctx, tx, &c, model.LedgerEntry{
			From:        contractParty(c),
			To:          c.Payee.Party(),
			Amount:      amount.String(),
			Kind:        model.EntryPartialRelease,
			MilestoneID: m.ID,
			Splits:      lines,
			Description: "Partial release of " + pct.String() + "% for " + m.Title,
		})
		if err != nil {
			return err
		}
		if m.Status == model.MilestonePaid {
			if completed, err = s.completeIfSettled(ctx, tx, &c); err != nil {
				return err
			}
		}
		if err := tx.UpdateContract(ctx, c); err != nil {
			return storeErr(err, ErrContractNotFound)
		}

		res = PartialReleaseResult{
			ContractID:         c.ID,
			MilestoneID:        m.ID,
			OriginalPercentage: previous.String(),
			ReleasePercentage:  pct.String(),
			ReleasedPercentage: m.ReleasedPct,
			ReleaseAmount:      amount.String(),
			RemainingAmount:    full.Sub(dec(m.ReleasedAmount)).String(),
			EscrowBalance:      c.EscrowBalance,
			MilestoneStatus:    m.Status,
			TransactionID:      entry.ID,
			Splits:             lines,
			ContractStatus:     c.Status,
		}
		return nil
	})
	if err != nil {
		return PartialReleaseResult{}, err
	}

	s.afterRelease(ctx, events.EventPartialReleased, res.ContractID, res.MilestoneID, res.ReleaseAmount, res.EscrowBalance, res.TransactionID, completed)
	return res, nil
}

// releaseRemaining pays out what is still owed on m, marks it paid and
// persists it. The caller persists c.
func (s *Service) releaseRemaining(ctx context.Context, tx store.Tx, c *model.Contract, m *model.Milestone, actorID string) (decimal.Decimal, model.LedgerEntry, error) {
	amount := remaining(*c, *m)
	if err := debitEscrow(c, amount); err != nil {
		return decimal.Zero, model.LedgerEntry{}, err
	}
	lines, err := s.creditPayee(ctx, tx, *c, amount)
	if err != nil {
		return decimal.Zero, model.LedgerEntry{}, err
	}

	now := s.now()
	m.Status = model.MilestonePaid
	m.ReleasedPct = hundred.String()
	m.ReleasedAmount = dec(m.ReleasedAmount).Add(amount).String()
	m.PaidAt = &now
	m.UpdatedAt = now
	m.Submissions = append(m.Submissions, model.Submission{Status: model.MilestonePaid, ActorID: actorID, Bonus: m.Bonus, At: now})
	if err := tx.UpdateMilestone(ctx, *m); err != nil {
		return decimal.Zero, model.LedgerEntry{}, storeErr(err, ErrMilestoneNotFound)
	}

	c.UpdatedAt = now
	entry, err := s.appendEntry(ctx, tx, c, model.LedgerEntry{
		From:        contractParty(*c),
		To:          c.Payee.Party(),
		Amount:      amount.String(),
		Kind:        model.EntryMilestoneRelease,
		MilestoneID: m.ID,
		Splits:      lines,
		Description: "Milestone release for " + m.Title,
	})
	if err != nil {
		return decimal.Zero, model.LedgerEntry{}, err
	}
	return amount, entry, nil
}

// addBonus records a bonus on the milestone and raises the contract total so
// the client can fund it.
func addBonus(c *model.Contract, m *model.Milestone, bonus decimal.Decimal) {
	m.Bonus = dec(m.Bonus).Add(bonus).String()
	c.TotalAmount = dec(c.TotalAmount).Add(bonus).String()
	c.BonusAmount = dec(c.BonusAmount).Add(bonus).String()
}

// completeIfSettled completes c once escrow is empty and every milestone is
// paid or cancelled. Must run after the milestone writes of the same transaction.
func (s *Service) completeIfSettled(ctx context.Context, tx store.Tx, c *model.Contract) (bool, error) {
	if !dec(c.EscrowBalance).IsZero() {
		return false, nil
	}
	milestones, err := tx.ListMilestones(ctx, c.ID)
	if err != nil {
		return false, storeErr(err, nil)
	}
	for _, m := range milestones {
		if !m.Settled() {
			return false, nil
		}
	}
	now := s.now()
	c.Status = model.ContractStatusCompleted
	c.CompletedAt = &now
	return true, nil
}

func (s *Service) afterRelease(ctx context.Context, eventType, contractID, milestoneID, amount, escrow, txID string, completed bool) {
	slog.InfoContext(ctx, "milestone_released",
		"contract_id", contractID,
		"milestone_id", milestoneID,
		"amount", amount,
		"escrow_balance", escrow,
		"transaction_id", txID,
	)
	s.publish(ctx, eventType, map[string]any{
		"contract_id":    contractID,
		"milestone_id":   milestoneID,
		"amount":         amount,
		"escrow_balance": escrow,
		"transaction_id": txID,
	})
	if completed {
		slog.InfoContext(ctx, "contract_completed", "contract_id", contractID)
		s.publish(ctx, events.EventContractCompleted, map[string]any{"contract_id": contractID})
	}
}

// CancelContract refunds the remaining escrow to the client and cancels every
// unpaid milestone.
func (s *Service) CancelContract(ctx context.Context, contractID string, actor Actor, reason string) (CancelResult, error) {
	var res CancelResult
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}
		if actor.ID != c.ClientID && !actor.IsAdmin() {
			return ErrUnauthorized.Withf("only the client or an admin can cancel contract %s", c.ID)
		}
		if err := requireReleasable(c); err != nil {
			return err
		}

		now := s.now()
		refund := dec(c.EscrowBalance)
		res = CancelResult{RefundAmount: refund.String()}
		if refund.IsPositive() {
			c.EscrowBalance = "0"
			c.RefundedAmount = dec(c.RefundedAmount).Add(refund).String()
			entry, err := s.appendEntry(ctx, tx, &c, model.LedgerEntry{
				From:        contractParty(c),
				To:          clientParty(c),
				Amount:      refund.String(),
				Kind:        model.EntryRefund,
				Description: strings.TrimSpace("Contract cancelled. " + reason),
			})
			if err != nil {
				return err
			}
			res.TransactionID = entry.ID
		}

		if err := s.cancelUnsettled(ctx, tx, c.ID, actor.ID, reason); err != nil {
			return err
		}

		c.Status = model.ContractStatusCancelled
		c.CancelledAt = &now
		c.UpdatedAt = now
		if actor.IsAdmin() {
			err := s.audit(ctx, tx, model.AdminAction{
				AdminID:       actor.ID,
				ContractID:    c.ID,
				Action:        "cancel_contract",
				Resolution:    reason,
				Amount:        refund.String(),
				LedgerEntryID: res.TransactionID,
			})
			if err != nil {
				return err
			}
		}
		if err := tx.UpdateContract(ctx, c); err != nil {
			return storeErr(err, ErrContractNotFound)
		}
		c.Version++
		res.Contract = c
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	slog.InfoContext(ctx, "contract_cancelled",
		"contract_id", contractID,
		"actor_id", actor.ID,
		"refund_amount", res.RefundAmount,
	)
	s.publish(ctx, events.EventContractCancelled, map[string]any{
		"contract_id":    contractID,
		"refund_amount":  res.RefundAmount,
		"transaction_id": res.TransactionID,
	})
	return res, nil
}

// cancelUnsettled cancels every milestone of the contract that is neither
// paid nor cancelled.
func (s *Service) cancelUnsettled(ctx context.Context, tx store.Tx, contractID, actorID, reason string) error {
	milestones, err := tx.ListMilestones(ctx, contractID)
	if err != nil {
		return storeErr(err, nil)
	}
	now := s.now()
	for _, m := range milestones {
		if m.Settled() {
			continue
		}
		m.Status = model.MilestoneCancelled
		m.CancelledAt = &now
		m.UpdatedAt = now
		m.Submissions = append(m.Submissions, model.Submission{Status: model.MilestoneCancelled, ActorID: actorID, Feedback: reason, At: now})
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return storeErr(err, ErrMilestoneNotFound)
		}
	}
	return nil
}

// ReverseEntry compensates a completed deposit with an adjustment back to
// the client and marks the deposit reversed.
func (s *Service) ReverseEntry(ctx context.Context, contractID, entryID string, actor Actor, reason string) (ReverseResult, error) {
	if !actor.IsAdmin() {
		return ReverseResult{}, ErrUnauthorized.Withf("only admins can reverse ledger entries")
	}

	var res ReverseResult
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}
		if err := requireReleasable(c); err != nil {
			return err
		}
		orig, err := tx.GetLedgerEntry(ctx, entryID)
		if err != nil {
			return storeErr(err, ErrLedgerEntryNotFound)
		}
		if orig.ContractID != c.ID {
			return ErrLedgerEntryNotFound.Withf("ledger entry %s does not belong to contract %s", entryID, c.ID)
		}
		if orig.Kind != model.EntryDeposit || orig.Status != model.EntryCompleted {
			return ErrEntryNotReversible.Withf("entry %s is a %s entry in status %s", orig.ID, orig.Kind, orig.Status)
		}

		amount := dec(orig.Amount)
		escrow := dec(c.EscrowBalance)
		if escrow.LessThan(amount) {
			return ErrInsufficientEscrow.Withf("escrow balance %s no longer holds the deposit of %s", escrow, amount)
		}
		c.EscrowBalance = escrow.Sub(amount).String()
		c.UpdatedAt = s.now()

		adj, err := s.appendEntry(ctx, tx, &c, model.LedgerEntry{
			From:        contractParty(c),
			To:          orig.From,
			Amount:      orig.Amount,
			Kind:        model.EntryAdjustment,
			ReversalOf:  orig.ID,
			Description: strings.TrimSpace("Reversal of deposit " + orig.ID + ". " + reason),
		})
		if err != nil {
			return err
		}
		if err := tx.MarkLedgerEntryReversed(ctx, orig.ID, adj.ID); err != nil {
			return storeErr(err, ErrLedgerEntryNotFound)
		}
		err = s.audit(ctx, tx, model.AdminAction{
			AdminID:       actor.ID,
			ContractID:    c.ID,
			Action:        "reverse_entry",
			Resolution:    reason,
			Amount:        orig.Amount,
			LedgerEntryID: adj.ID,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateContract(ctx, c); err != nil {
			return storeErr(err, ErrContractNotFound)
		}

		orig.Status = model.EntryReversed
		orig.ReversedBy = adj.ID
		res = ReverseResult{Original: orig, Adjustment: adj, EscrowBalance: c.EscrowBalance}
		return nil
	})
	if err != nil {
		return ReverseResult{}, err
	}

	slog.InfoContext(ctx, "ledger_entry_reversed",
		"contract_id", contractID,
		"entry_id", entryID,
		"adjustment_id", res.Adjustment.ID,
		"admin_id", actor.ID,
	)
	s.publish(ctx, events.EventLedgerEntryReversed, map[string]any{
		"contract_id":    contractID,
		"entry_id":       entryID,
		"amount":         res.Adjustment.Amount,
		"escrow_balance": res.EscrowBalance,
		"transaction_id": res.Adjustment.ID,
	})
	return res, nil
}

// UpsertTeam mirrors a team roster from the team service.
func (s *Service) UpsertTeam(ctx context.Context, actor Actor, team model.Team) (model.Team, error) {
	if actor.Role != RoleService && !actor.IsAdmin() {
		return model.Team{}, ErrUnauthorized.Withf("teams are mirrored by the team service")
	}
	if strings.TrimSpace(team.ID) == "" {
		return model.Team{}, ErrInvalidInput.Withf("team id is required")
	}
	seen := make(map[string]bool, len(team.Members))
	for i, m := range team.Members {
		if strings.TrimSpace(m.UserID) == "" {
			return model.Team{}, ErrInvalidInput.Withf("member %d: user_id is required", i+1)
		}
		if seen[m.UserID] {
			return model.Team{}, ErrInvalidInput.Withf("member %s listed twice", m.UserID)
		}
		seen[m.UserID] = true
		switch m.Status {
		case model.MemberActive, model.MemberInactive:
		case "":
			team.Members[i].Status = model.MemberActive
		default:
			return model.Team{}, ErrInvalidInput.Withf("member %s: unknown status %q", m.UserID, m.Status)
		}
	}
	team.UpdatedAt = s.now()
	if err := s.store.UpsertTeam(ctx, team); err != nil {
		return model.Team{}, storeErr(err, nil)
	}
	slog.InfoContext(ctx, "team_upserted", "team_id", team.ID, "members", len(team.Members))
	return team, nil
}

// Reads

func (s *Service) GetEscrowBalance(ctx context.Context, contractID string) (EscrowBalance, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return EscrowBalance{}, storeErr(err, ErrContractNotFound)
	}
	return EscrowBalance{
		ContractID:      c.ID,
		EscrowBalance:   c.EscrowBalance,
		TotalAmount:     c.TotalAmount,
		ReleasedAmount:  c.ReleasedAmount,
		RefundedAmount:  c.RefundedAmount,
		Currency:        c.Currency,
		Status:          c.Status,
		ActiveDisputeID: c.ActiveDisputeID,
	}, nil
}

// GetTransactionHistory returns the contract's ledger in commit order.
func (s *Service) GetTransactionHistory(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, storeErr(err, ErrContractNotFound)
	}
	entries, err := s.store.ListLedgerEntries(ctx, contractID)
	if err != nil {
		return nil, storeErr(err, nil)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

func (s *Service) GetContract(ctx context.Context, contractID string) (ContractView, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return ContractView{}, storeErr(err, ErrContractNotFound)
	}
	milestones, err := s.store.ListMilestones(ctx, contractID)
	if err != nil {
		return ContractView{}, storeErr(err, nil)
	}
	if milestones == nil {
		milestones = []model.Milestone{}
	}
	return ContractView{Contract: c, Milestones: milestones}, nil
}

func (s *Service) ListMilestones(ctx context.Context, contractID string) ([]model.Milestone, error) {
	view, err := s.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return view.Milestones, nil
}

// GetWallet returns a zero balance for owners that were never credited.
func (s *Service) GetWallet(ctx context.Context, ownerType model.PartyType, ownerID string) (model.Wallet, error) {
	key := model.WalletKey(ownerType, ownerID)
	w, err := s.store.GetWallet(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return model.Wallet{ID: key, OwnerID: ownerID, OwnerType: ownerType, Balance: "0", Currency: s.opts.DefaultCurrency}, nil
	}
	if err != nil {
		return model.Wallet{}, storeErr(err, nil)
	}
	return w, nil
}

func (s *Service) ListAdminActions(ctx context.Context, contractID string, actor Actor) ([]model.AdminAction, error) {
	if !actor.IsAdmin() {
		return nil, ErrUnauthorized.Withf("only admins can read the audit trail")
	}
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, storeErr(err, ErrContractNotFound)
	}
	actions, err := s.store.ListAdminActions(ctx, contractID)
	if err != nil {
		return nil, storeErr(err, nil)
	}
	if actions == nil {
		actions = []model.AdminAction{}
	}
	return actions, nil
}
