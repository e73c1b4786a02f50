package model

import "time"

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestoneRejected   MilestoneStatus = "rejected"
	MilestonePaid       MilestoneStatus = "paid"
	MilestoneCancelled  MilestoneStatus = "cancelled"
)

// milestoneTransitions lists every legal status change. Cancellation is
// handled separately since it is allowed from any unpaid state.
var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:    {MilestoneInProgress},
	MilestoneInProgress: {MilestoneSubmitted, MilestonePaid},
	MilestoneSubmitted:  {MilestoneApproved, MilestoneRejected, MilestonePaid},
	MilestoneApproved:   {MilestonePaid},
	MilestoneRejected:   {MilestoneInProgress},
}

// CanTransition reports whether a milestone may move from one status to another.
// Moves to paid from in_progress or submitted only happen through partial
// releases reaching 100%.
func CanTransition(from, to MilestoneStatus) bool {
	if to == MilestoneCancelled {
		return from != MilestonePaid && from != MilestoneCancelled
	}
	for _, next := range milestoneTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Submission is one entry of a milestone's append-only review history.
type Submission struct {
	Status      MilestoneStatus `json:"status" bson:"status" firestore:"status"`
	ActorID     string          `json:"actor_id" bson:"actor_id" firestore:"actor_id"`
	Description string          `json:"description,omitempty" bson:"description,omitempty" firestore:"description,omitempty"`
	Attachments []string        `json:"attachments,omitempty" bson:"attachments,omitempty" firestore:"attachments,omitempty"`
	Feedback    string          `json:"feedback,omitempty" bson:"feedback,omitempty" firestore:"feedback,omitempty"`
	Bonus       string          `json:"bonus,omitempty" bson:"bonus,omitempty" firestore:"bonus,omitempty"`
	At          time.Time       `json:"at" bson:"at" firestore:"at"`
}

// Milestone is a unit of deliverable work. Either WeightPct or Amount is set.
type Milestone struct {
	ID             string          `json:"id" bson:"_id" firestore:"id"`
	ContractID     string          `json:"contract_id" bson:"contract_id" firestore:"contract_id"`
	Position       int             `json:"position" bson:"position" firestore:"position"`
	Title          string          `json:"title" bson:"title" firestore:"title"`
	Description    string          `json:"description,omitempty" bson:"description,omitempty" firestore:"description,omitempty"`
	WeightPct      string          `json:"weight_pct,omitempty" bson:"weight_pct,omitempty" firestore:"weight_pct,omitempty"`
	Amount         string          `json:"amount,omitempty" bson:"amount,omitempty" firestore:"amount,omitempty"`
	Bonus          string          `json:"bonus,omitempty" bson:"bonus,omitempty" firestore:"bonus,omitempty"`
	ReleasedPct    string          `json:"released_pct" bson:"released_pct" firestore:"released_pct"`
	ReleasedAmount string          `json:"released_amount" bson:"released_amount" firestore:"released_amount"`
	Status         MilestoneStatus `json:"status" bson:"status" firestore:"status"`
	Feedback       string          `json:"feedback,omitempty" bson:"feedback,omitempty" firestore:"feedback,omitempty"`
	Submissions    []Submission    `json:"submissions,omitempty" bson:"submissions,omitempty" firestore:"submissions,omitempty"`
	DueDate        *time.Time      `json:"due_date,omitempty" bson:"due_date,omitempty" firestore:"due_date,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty" bson:"started_at,omitempty" firestore:"started_at,omitempty"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty" bson:"submitted_at,omitempty" firestore:"submitted_at,omitempty"`
	ApprovedAt     *time.Time      `json:"approved_at,omitempty" bson:"approved_at,omitempty" firestore:"approved_at,omitempty"`
	RejectedAt     *time.Time      `json:"rejected_at,omitempty" bson:"rejected_at,omitempty" firestore:"rejected_at,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty" bson:"paid_at,omitempty" firestore:"paid_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty" firestore:"cancelled_at,omitempty"`
	Version        int64           `json:"version" bson:"version" firestore:"version"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}

// Settled reports whether the milestone can no longer receive funds.
func (m Milestone) Settled() bool {
	return m.Status == MilestonePaid || m.Status == MilestoneCancelled
}
