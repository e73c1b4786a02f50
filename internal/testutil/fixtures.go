package testutil

import (
	"fmt"
	"time"

	"github.com/parlakisik/campus-exchange/internal/model"
)

// ContractFixture builds a contract together with its milestones.
type ContractFixture struct {
	Contract   model.Contract
	Milestones []model.Milestone
}

// NewContractFixture creates an active, unfunded 1000.00 contract between
// client_test_001 and freelancer_test_001 with two 50% milestones.
func NewContractFixture() ContractFixture {
	now := time.Now().UTC()
	f := ContractFixture{
		Contract: model.Contract{
			ID:             "contract_test_001",
			ProjectID:      "project_test_001",
			BidID:          "bid_test_001",
			ClientID:       "client_test_001",
			Payee:          model.IndividualPayee("freelancer_test_001"),
			TotalAmount:    "1000",
			EscrowBalance:  "0",
			ReleasedAmount: "0",
			RefundedAmount: "0",
			Currency:       "USD",
			Status:         model.ContractStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	return f.WithWeights("50", "50")
}

// WithID sets the contract ID and re-parents the milestones.
func (f ContractFixture) WithID(id string) ContractFixture {
	f.Contract.ID = id
	f.Milestones = cloneMilestones(f.Milestones)
	for i := range f.Milestones {
		f.Milestones[i].ContractID = id
		f.Milestones[i].ID = fmt.Sprintf("%s_m%d", id, i+1)
	}
	return f
}

// WithTotal sets the contract total
func (f ContractFixture) WithTotal(total string) ContractFixture {
	f.Contract.TotalAmount = total
	return f
}

// WithEscrow sets the funded escrow balance
func (f ContractFixture) WithEscrow(balance string) ContractFixture {
	f.Contract.EscrowBalance = balance
	return f
}

// WithClient sets the client ID
func (f ContractFixture) WithClient(clientID string) ContractFixture {
	f.Contract.ClientID = clientID
	return f
}

// WithPayee sets the payee
func (f ContractFixture) WithPayee(payee model.Payee) ContractFixture {
	f.Contract.Payee = payee
	return f
}

// WithStatus sets the contract status
func (f ContractFixture) WithStatus(status model.ContractStatus) ContractFixture {
	f.Contract.Status = status
	return f
}

// WithWeights replaces the milestones with percentage milestones.
func (f ContractFixture) WithWeights(weights ...string) ContractFixture {
	f.Milestones = nil
	for i, w := range weights {
		m := f.milestone(i)
		m.WeightPct = w
		f.Milestones = append(f.Milestones, m)
	}
	return f
}

// WithFixedAmounts replaces the milestones with fixed-amount milestones.
func (f ContractFixture) WithFixedAmounts(amounts ...string) ContractFixture {
	f.Milestones = nil
	for i, a := range amounts {
		m := f.milestone(i)
		m.Amount = a
		f.Milestones = append(f.Milestones, m)
	}
	return f
}

// WithMilestoneStatus sets the status of the i-th milestone.
func (f ContractFixture) WithMilestoneStatus(i int, status model.MilestoneStatus) ContractFixture {
	f.Milestones = cloneMilestones(f.Milestones)
	f.Milestones[i].Status = status
	return f
}

func (f ContractFixture) milestone(i int) model.Milestone {
	now := time.Now().UTC()
	return model.Milestone{
		ID:             fmt.Sprintf("%s_m%d", f.Contract.ID, i+1),
		ContractID:     f.Contract.ID,
		Position:       i,
		Title:          fmt.Sprintf("Milestone %d", i+1),
		ReleasedPct:    "0",
		ReleasedAmount: "0",
		Status:         model.MilestonePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func cloneMilestones(ms []model.Milestone) []model.Milestone {
	out := make([]model.Milestone, len(ms))
	copy(out, ms)
	return out
}

// NewTeamFixture creates a team whose members are all active, in roster order.
func NewTeamFixture(id string, memberIDs ...string) model.Team {
	now := time.Now().UTC()
	team := model.Team{ID: id, Name: "Team " + id, UpdatedAt: now}
	for _, uid := range memberIDs {
		team.Members = append(team.Members, model.TeamMember{
			UserID:   uid,
			Status:   model.MemberActive,
			JoinedAt: now,
		})
	}
	return team
}
