package model

type PayeeKind string

const (
	PayeeIndividual PayeeKind = "individual"
	PayeeTeam       PayeeKind = "team"
)

// Payee is either an individual freelancer or a team. Exactly one of UserID
// and TeamID is set, matching Kind.
type Payee struct {
	Kind   PayeeKind `json:"kind" bson:"kind" firestore:"kind"`
	UserID string    `json:"user_id,omitempty" bson:"user_id,omitempty" firestore:"user_id,omitempty"`
	TeamID string    `json:"team_id,omitempty" bson:"team_id,omitempty" firestore:"team_id,omitempty"`
}

func IndividualPayee(userID string) Payee {
	return Payee{Kind: PayeeIndividual, UserID: userID}
}

func TeamPayee(teamID string) Payee {
	return Payee{Kind: PayeeTeam, TeamID: teamID}
}

// Valid reports whether the variant is well formed.
func (p Payee) Valid() bool {
	switch p.Kind {
	case PayeeIndividual:
		return p.UserID != "" && p.TeamID == ""
	case PayeeTeam:
		return p.TeamID != "" && p.UserID == ""
	default:
		return false
	}
}

// Party returns the ledger party that receives released funds.
func (p Payee) Party() Party {
	if p.Kind == PayeeTeam {
		return Party{ID: p.TeamID, Type: PartyTeam}
	}
	return Party{ID: p.UserID, Type: PartyUser}
}
