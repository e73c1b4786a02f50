package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/parlakisik/campus-exchange/internal/events"
	"github.com/parlakisik/campus-exchange/internal/model"
	"github.com/parlakisik/campus-exchange/internal/store"
	"github.com/shopspring/decimal"
)

type CreateDisputeInput struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
	// Amount defaults to the escrow balance at creation. It is zero for a
	// contract that was never funded; such a dispute is about the work and
	// its resolution moves no money.
	Amount      string `json:"amount,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`
}

type ResolveInput struct {
	Resolution string              `json:"resolution"`
	Action     model.DisputeAction `json:"action"`
}

type ResolveResult struct {
	Dispute       model.Dispute `json:"dispute"`
	Escrow        EscrowBalance `json:"contract"`
	Amount        string        `json:"amount"`
	TransactionID string        `json:"transaction_id,omitempty"`
}

// CreateDispute opens a dispute and freezes the contract's escrow.
func (s *Service) CreateDispute(ctx context.Context, contractID string, actor Actor, in CreateDisputeInput) (model.Dispute, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return model.Dispute{}, ErrInvalidInput.Withf("dispute reason is required")
	}

	var d model.Dispute
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}
		allowed := actor.ID == c.ClientID
		if !allowed {
			if allowed, err = isPayee(ctx, tx, c, actor); err != nil {
				return err
			}
		}
		if !allowed {
			return ErrUnauthorized.Withf("only parties to contract %s can open a dispute", c.ID)
		}
		if c.Status == model.ContractStatusDisputed {
			return ErrDisputeAlreadyOpen.Withf("contract %s already has open dispute %s", c.ID, c.ActiveDisputeID)
		}
		if c.Status != model.ContractStatusActive {
			return ErrContractNotActive.Withf("contract %s is %s", c.ID, c.Status)
		}
		if in.MilestoneID != "" {
			if _, err := tx.GetMilestone(ctx, c.ID, in.MilestoneID); err != nil {
				return storeErr(err, ErrMilestoneNotFound)
			}
		}

		escrow := dec(c.EscrowBalance)
		amount := escrow
		if strings.TrimSpace(in.Amount) != "" {
			if amount, err = parseAmount(in.Amount); err != nil {
				return err
			}
			if amount.GreaterThan(escrow) {
				return ErrInvalidAmount.Withf("disputed amount %s exceeds escrow balance %s", amount, escrow)
			}
		}

		now := s.now()
		d = model.Dispute{
			ID:          generateID("dsp"),
			ContractID:  c.ID,
			MilestoneID: in.MilestoneID,
			InitiatorID: actor.ID,
			Reason:      strings.TrimSpace(in.Reason),
			Description: in.Description,
			Amount:      amount.String(),
			Status:      model.DisputeOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertDispute(ctx, d); err != nil {
			return storeErr(err, nil)
		}
		d.Version = 1

		c.Status = model.ContractStatusDisputed
		c.ActiveDisputeID = d.ID
		c.UpdatedAt = now
		return storeErr(tx.UpdateContract(ctx, c), ErrContractNotFound)
	})
	if err != nil {
		return model.Dispute{}, err
	}

	slog.InfoContext(ctx, "dispute_created",
		"dispute_id", d.ID,
		"contract_id", d.ContractID,
		"initiator_id", d.InitiatorID,
		"amount", d.Amount,
	)
	s.publish(ctx, events.EventDisputeCreated, map[string]any{
		"contract_id":  d.ContractID,
		"dispute_id":   d.ID,
		"initiator_id": d.InitiatorID,
		"reason":       d.Reason,
		"amount":       d.Amount,
	})
	return d, nil
}

// InvestigateDispute marks an open dispute as under admin review.
func (s *Service) InvestigateDispute(ctx context.Context, disputeID string, actor Actor) (model.Dispute, error) {
	if !actor.IsAdmin() {
		return model.Dispute{}, ErrUnauthorized.Withf("only admins can investigate disputes")
	}

	var d model.Dispute
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if d, err = tx.GetDispute(ctx, disputeID); err != nil {
			return storeErr(err, ErrDisputeNotFound)
		}
		if d.Status != model.DisputeOpen {
			return ErrInvalidDisputeState.Withf("dispute %s is %s, only open disputes can be investigated", d.ID, d.Status)
		}
		d.Status = model.DisputeInvestigating
		d.AdminID = actor.ID
		d.UpdatedAt = s.now()
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return storeErr(err, ErrDisputeNotFound)
		}
		d.Version++
		return s.audit(ctx, tx, model.AdminAction{
			AdminID:    actor.ID,
			ContractID: d.ContractID,
			DisputeID:  d.ID,
			Action:     "investigate",
		})
	})
	if err != nil {
		return model.Dispute{}, err
	}

	slog.InfoContext(ctx, "dispute_investigating", "dispute_id", d.ID, "admin_id", actor.ID)
	s.publish(ctx, events.EventDisputeInvestigating, map[string]any{
		"contract_id": d.ContractID,
		"dispute_id":  d.ID,
		"admin_id":    actor.ID,
	})
	return d, nil
}

// ResolveDispute applies an admin decision. transfer pays the disputed amount
// (capped to escrow) to the payee, refund removes it from escrow, and hold
// keeps the contract frozen under investigation. A refund that empties escrow
// cancels the unpaid milestones. The contract completes only when escrow is
// empty and every milestone is paid or cancelled; otherwise it is active again.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, actor Actor, in ResolveInput) (ResolveResult, error) {
	if !actor.IsAdmin() {
		return ResolveResult{}, ErrUnauthorized.Withf("only admins can resolve disputes")
	}
	switch in.Action {
	case model.DisputeActionTransfer, model.DisputeActionRefund, model.DisputeActionHold:
	default:
		return ResolveResult{}, ErrInvalidInput.Withf("action must be transfer, refund or hold, got %q", in.Action)
	}
	if strings.TrimSpace(in.Resolution) == "" {
		return ResolveResult{}, ErrInvalidInput.Withf("resolution is required")
	}

	var res ResolveResult
	var completed bool
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, completed = ResolveResult{}, false

		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return storeErr(err, ErrDisputeNotFound)
		}
		if !d.Status.Active() {
			return ErrDisputeNotActive.Withf("dispute %s is already %s", d.ID, d.Status)
		}
		c, err := tx.GetContract(ctx, d.ContractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}

		now := s.now()
		d.Action = in.Action
		d.Resolution = in.Resolution
		d.AdminID = actor.ID
		d.UpdatedAt = now

		amount := decimal.Zero
		var entry model.LedgerEntry
		if in.Action == model.DisputeActionHold {
			d.Status = model.DisputeInvestigating
		} else {
			amount = decimal.Min(dec(d.Amount), dec(c.EscrowBalance))
			if amount.IsPositive() {
				if in.Action == model.DisputeActionTransfer {
					entry, err = s.transferDisputed(ctx, tx, &c, d, amount, actor.ID)
				} else {
					entry, err = s.refundDisputed(ctx, tx, &c, d, amount)
				}
				if err != nil {
					return err
				}
			}

			d.Status = model.DisputeResolved
			d.ResolvedAt = &now
			c.ActiveDisputeID = ""
			c.UpdatedAt = now
			c.Status = model.ContractStatusActive
			if in.Action == model.DisputeActionRefund && amount.IsPositive() && dec(c.EscrowBalance).IsZero() {
				// The client took back everything that was funded; nothing
				// is left to pay the open milestones with.
				if err := s.cancelUnsettled(ctx, tx, c.ID, actor.ID, in.Resolution); err != nil {
					return err
				}
			}
			if completed, err = s.completeIfSettled(ctx, tx, &c); err != nil {
				return err
			}
			if err := tx.UpdateContract(ctx, c); err != nil {
				return storeErr(err, ErrContractNotFound)
			}
		}

		if err := tx.UpdateDispute(ctx, d); err != nil {
			return storeErr(err, ErrDisputeNotFound)
		}
		d.Version++
		err = s.audit(ctx, tx, model.AdminAction{
			AdminID:       actor.ID,
			ContractID:    c.ID,
			DisputeID:     d.ID,
			Action:        string(in.Action),
			Resolution:    in.Resolution,
			Amount:        amount.String(),
			LedgerEntryID: entry.ID,
		})
		if err != nil {
			return err
		}

		res = ResolveResult{
			Dispute:       d,
			Amount:        amount.String(),
			TransactionID: entry.ID,
			Escrow: EscrowBalance{
				ContractID:      c.ID,
				EscrowBalance:   c.EscrowBalance,
				TotalAmount:     c.TotalAmount,
				ReleasedAmount:  c.ReleasedAmount,
				RefundedAmount:  c.RefundedAmount,
				Currency:        c.Currency,
				Status:          c.Status,
				ActiveDisputeID: c.ActiveDisputeID,
			},
		}
		return nil
	})
	if err != nil {
		return ResolveResult{}, err
	}

	slog.InfoContext(ctx, "dispute_resolved",
		"dispute_id", disputeID,
		"contract_id", res.Escrow.ContractID,
		"action", in.Action,
		"amount", res.Amount,
		"admin_id", actor.ID,
	)
	s.publish(ctx, events.EventDisputeResolved, map[string]any{
		"contract_id":    res.Escrow.ContractID,
		"dispute_id":     disputeID,
		"action":         string(in.Action),
		"amount":         res.Amount,
		"escrow_balance": res.Escrow.EscrowBalance,
		"transaction_id": res.TransactionID,
	})
	if completed {
		s.publish(ctx, events.EventContractCompleted, map[string]any{"contract_id": res.Escrow.ContractID})
	}
	return res, nil
}

// transferDisputed releases amount to the payee on the admin's authority.
func (s *Service) transferDisputed(ctx context.Context, tx store.Tx, c *model.Contract, d model.Dispute, amount decimal.Decimal, adminID string) (model.LedgerEntry, error) {
	if err := debitEscrow(c, amount); err != nil {
		return model.LedgerEntry{}, err
	}
	lines, err := s.creditPayee(ctx, tx, *c, amount)
	if err != nil {
		return model.LedgerEntry{}, err
	}

	kind := model.EntryAdjustment
	if d.MilestoneID != "" {
		m, err := tx.GetMilestone(ctx, c.ID, d.MilestoneID)
		if err != nil {
			return model.LedgerEntry{}, storeErr(err, ErrMilestoneNotFound)
		}
		if !m.Settled() {
			now := s.now()
			m.Status = model.MilestonePaid
			m.ReleasedPct = hundred.String()
			m.ReleasedAmount = dec(m.ReleasedAmount).Add(amount).String()
			m.PaidAt = &now
			m.UpdatedAt = now
			m.Submissions = append(m.Submissions, model.Submission{Status: model.MilestonePaid, ActorID: adminID, Feedback: d.Resolution, At: now})
			if err := tx.UpdateMilestone(ctx, m); err != nil {
				return model.LedgerEntry{}, storeErr(err, ErrMilestoneNotFound)
			}
			kind = model.EntryMilestoneRelease
		}
	}

	return s.appendEntry(ctx, tx, c, model.LedgerEntry{
		From:        contractParty(*c),
		To:          c.Payee.Party(),
		Amount:      amount.String(),
		Kind:        kind,
		MilestoneID: d.MilestoneID,
		DisputeID:   d.ID,
		Splits:      lines,
		Description: "Dispute transfer: " + d.Resolution,
	})
}

// refundDisputed removes amount from escrow in the client's favour. No wallet
// is credited; the payout happens outside the platform.
func (s *Service) refundDisputed(ctx context.Context, tx store.Tx, c *model.Contract, d model.Dispute, amount decimal.Decimal) (model.LedgerEntry, error) {
	escrow := dec(c.EscrowBalance)
	if escrow.LessThan(amount) {
		return model.LedgerEntry{}, ErrInsufficientEscrow.Withf("escrow balance %s is less than refund %s", escrow, amount)
	}
	c.EscrowBalance = escrow.Sub(amount).String()
	c.RefundedAmount = dec(c.RefundedAmount).Add(amount).String()
	return s.appendEntry(ctx, tx, c, model.LedgerEntry{
		From:        contractParty(*c),
		To:          clientParty(*c),
		Amount:      amount.String(),
		Kind:        model.EntryRefund,
		MilestoneID: d.MilestoneID,
		DisputeID:   d.ID,
		Description: "Dispute refund: " + d.Resolution,
	})
}

// DismissDispute closes a dispute without moving funds and unfreezes the contract.
func (s *Service) DismissDispute(ctx context.Context, disputeID string, actor Actor, resolution string) (model.Dispute, error) {
	if !actor.IsAdmin() {
		return model.Dispute{}, ErrUnauthorized.Withf("only admins can dismiss disputes")
	}

	var d model.Dispute
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if d, err = tx.GetDispute(ctx, disputeID); err != nil {
			return storeErr(err, ErrDisputeNotFound)
		}
		if !d.Status.Active() {
			return ErrDisputeNotActive.Withf("dispute %s is already %s", d.ID, d.Status)
		}
		c, err := tx.GetContract(ctx, d.ContractID)
		if err != nil {
			return storeErr(err, ErrContractNotFound)
		}

		now := s.now()
		d.Status = model.DisputeDismissed
		d.Resolution = resolution
		d.AdminID = actor.ID
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return storeErr(err, ErrDisputeNotFound)
		}
		d.Version++

		if c.Status == model.ContractStatusDisputed && c.ActiveDisputeID == d.ID {
			c.Status = model.ContractStatusActive
			c.ActiveDisputeID = ""
			c.UpdatedAt = now
			if err := tx.UpdateContract(ctx, c); err != nil {
				return storeErr(err, ErrContractNotFound)
			}
		}
		return s.audit(ctx, tx, model.AdminAction{
			AdminID:    actor.ID,
			ContractID: c.ID,
			DisputeID:  d.ID,
			Action:     "dismiss",
			Resolution: resolution,
		})
	})
	if err != nil {
		return model.Dispute{}, err
	}

	slog.InfoContext(ctx, "dispute_dismissed", "dispute_id", d.ID, "contract_id", d.ContractID, "admin_id", actor.ID)
	s.publish(ctx, events.EventDisputeDismissed, map[string]any{
		"contract_id": d.ContractID,
		"dispute_id":  d.ID,
		"admin_id":    actor.ID,
	})
	return d, nil
}

func (s *Service) GetDispute(ctx context.Context, disputeID string) (model.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return model.Dispute{}, storeErr(err, ErrDisputeNotFound)
	}
	return d, nil
}
