package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/parlakisik/campus-exchange/internal/events"
	"github.com/parlakisik/campus-exchange/internal/model"
	"github.com/parlakisik/campus-exchange/internal/store"
)

type SubmitInput struct {
	Description string   `json:"description"`
	Attachments []string `json:"attachments,omitempty"`
}

type ApproveInput struct {
	Bonus    string `json:"bonus,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	// Release pays the milestone in the same transaction as the approval.
	Release bool `json:"release,omitempty"`
}

type ApproveResult struct {
	Milestone model.Milestone `json:"milestone"`
	Release   *ReleaseResult  `json:"release,omitempty"`
}

// loadForWork reads a contract and milestone for a work-state transition.
// Work can progress while a dispute is open, but not on a closed contract.
func loadForWork(ctx context.Context, tx store.Tx, contractID, milestoneID string) (model.Contract, model.Milestone, error) {
	c, err := tx.GetContract(ctx, contractID)
	if err != nil {
		return model.Contract{}, model.Milestone{}, storeErr(err, ErrContractNotFound)
	}
	m, err := tx.GetMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return model.Contract{}, model.Milestone{}, storeErr(err, ErrMilestoneNotFound)
	}
	if c.Status.Terminal() {
		return model.Contract{}, model.Milestone{}, ErrContractNotActive.Withf("contract %s is %s", c.ID, c.Status)
	}
	return c, m, nil
}

func transitionErr(m model.Milestone, to model.MilestoneStatus) error {
	return ErrInvalidTransition.Withf("milestone %s cannot move from %s to %s", m.ID, m.Status, to)
}

// StartMilestone moves a pending milestone to in_progress.
func (s *Service) StartMilestone(ctx context.Context, contractID, milestoneID string, actor Actor) (model.Milestone, error) {
	var out model.Milestone
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, m, err := loadForWork(ctx, tx, contractID, milestoneID)
		if err != nil {
			return err
		}
		ok, err := isPayee(ctx, tx, c, actor)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized.Withf("only the freelancer or team on contract %s can start work", c.ID)
		}
		if m.Status != model.MilestonePending {
			return transitionErr(m, model.MilestoneInProgress)
		}

		now := s.now()
		m.Status = model.MilestoneInProgress
		m.StartedAt = &now
		m.UpdatedAt = now
		m.Submissions = append(m.Submissions, model.Submission{Status: model.MilestoneInProgress, ActorID: actor.ID, At: now})
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return storeErr(err, ErrMilestoneNotFound)
		}
		m.Version++
		out = m
		return nil
	})
	if err != nil {
		return model.Milestone{}, err
	}
	s.milestoneEvent(ctx, events.EventMilestoneStarted, out, actor)
	return out, nil
}

// SubmitMilestone hands work in for review.
func (s *Service) SubmitMilestone(ctx context.Context, contractID, milestoneID string, actor Actor, in SubmitInput) (model.Milestone, error) {
	if strings.TrimSpace(in.Description) == "" {
		return model.Milestone{}, ErrInvalidInput.Withf("submission description is required")
	}

	var out model.Milestone
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, m, err := loadForWork(ctx, tx, contractID, milestoneID)
		if err != nil {
			return err
		}
		ok, err := isPayee(ctx, tx, c, actor)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized.Withf("only the freelancer or team on contract %s can submit work", c.ID)
		}
		if !model.CanTransition(m.Status, model.MilestoneSubmitted) {
			return transitionErr(m, model.MilestoneSubmitted)
		}

		now := s.now()
		m.Status = model.MilestoneSubmitted
		m.SubmittedAt = &now
		m.UpdatedAt = now
		m.Submissions = append(m.Submissions, model.Submission{
			Status:      model.MilestoneSubmitted,
			ActorID:     actor.ID,
			Description: in.Description,
			Attachments: in.Attachments,
			At:          now,
		})
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return storeErr(err, ErrMilestoneNotFound)
		}
		m.Version++
		out = m
		return nil
	})
	if err != nil {
		return model.Milestone{}, err
	}
	s.milestoneEvent(ctx, events.EventMilestoneSubmitted, out, actor)
	return out, nil
}

// ApproveMilestone accepts submitted work, optionally with a bonus, and can
// release payment in the same transaction.
func (s *Service) ApproveMilestone(ctx context.Context, contractID, milestoneID string, actor Actor, in ApproveInput) (ApproveResult, error) {
	bonus, err := parseOptionalAmount(in.Bonus)
	if err != nil {
		return ApproveResult{}, err
	}

	var res ApproveResult
	var completed bool
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, completed = ApproveResult{}, false

		c, m, err := loadForWork(ctx, tx, contractID, milestoneID)
		if err != nil {
			return err
		}
		if actor.ID != c.ClientID {
			return ErrUnauthorized.Withf("only the client of contract %s can approve work", c.ID)
		}
		if !model.CanTransition(m.Status, model.MilestoneApproved) {
			return transitionErr(m, model.MilestoneApproved)
		}
		if in.Release {
			if err := requireReleasable(c); err != nil {
				return err
			}
		}

		now := s.now()
		contractChanged := bonus.IsPositive()
		var bonusNote string
		if contractChanged {
			addBonus(&c, &m, bonus)
			bonusNote = bonus.String()
		}
		m.Status = model.MilestoneApproved
		m.ApprovedAt = &now
		m.UpdatedAt = now
		m.Feedback = in.Feedback
		m.Submissions = append(m.Submissions, model.Submission{
			Status:   model.MilestoneApproved,
			ActorID:  actor.ID,
			Feedback: in.Feedback,
			Bonus:    bonusNote,
			At:       now,
		})

		if !in.Release {
			if err := tx.UpdateMilestone(ctx, m); err != nil {
				return storeErr(err, ErrMilestoneNotFound)
			}
			m.Version++
		} else {
			amount, entry, err := s.releaseRemaining(ctx, tx, &c, &m, actor.ID)
			if err != nil {
				return err
			}
			m.Version++
			if completed, err = s.completeIfSettled(ctx, tx, &c); err != nil {
				return err
			}
			contractChanged = true
			res.Release = &ReleaseResult{
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
		}
		if contractChanged {
			c.UpdatedAt = now
			if err := tx.UpdateContract(ctx, c); err != nil {
				return storeErr(err, ErrContractNotFound)
			}
		}
		res.Milestone = m
		return nil
	})
	if err != nil {
		return ApproveResult{}, err
	}

	s.milestoneEvent(ctx, events.EventMilestoneApproved, res.Milestone, actor)
	if r := res.Release; r != nil {
		s.afterRelease(ctx, events.EventMilestoneReleased, r.ContractID, r.MilestoneID, r.ReleaseAmount, r.EscrowBalance, r.TransactionID, completed)
	}
	return res, nil
}

// RejectMilestone records the rejection and sends the milestone back to
// in_progress for rework.
func (s *Service) RejectMilestone(ctx context.Context, contractID, milestoneID string, actor Actor, feedback string) (model.Milestone, error) {
	if strings.TrimSpace(feedback) == "" {
		return model.Milestone{}, ErrInvalidInput.Withf("feedback is required when rejecting work")
	}

	var out model.Milestone
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, m, err := loadForWork(ctx, tx, contractID, milestoneID)
		if err != nil {
			return err
		}
		if actor.ID != c.ClientID {
			return ErrUnauthorized.Withf("only the client of contract %s can reject work", c.ID)
		}
		if !model.CanTransition(m.Status, model.MilestoneRejected) {
			return transitionErr(m, model.MilestoneRejected)
		}

		now := s.now()
		m.RejectedAt = &now
		m.UpdatedAt = now
		m.Feedback = feedback
		m.Submissions = append(m.Submissions, model.Submission{
			Status:   model.MilestoneRejected,
			ActorID:  actor.ID,
			Feedback: feedback,
			At:       now,
		})
		// rejected -> in_progress happens in the same write.
		m.Status = model.MilestoneInProgress
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return storeErr(err, ErrMilestoneNotFound)
		}
		m.Version++
		out = m
		return nil
	})
	if err != nil {
		return model.Milestone{}, err
	}
	s.milestoneEvent(ctx, events.EventMilestoneRejected, out, actor)
	return out, nil
}

func (s *Service) milestoneEvent(ctx context.Context, eventType string, m model.Milestone, actor Actor) {
	slog.InfoContext(ctx, "milestone_transition",
		"contract_id", m.ContractID,
		"milestone_id", m.ID,
		"status", m.Status,
		"actor_id", actor.ID,
	)
	s.publish(ctx, eventType, map[string]any{
		"contract_id":  m.ContractID,
		"milestone_id": m.ID,
		"status":       string(m.Status),
		"actor_id":     actor.ID,
	})
}
