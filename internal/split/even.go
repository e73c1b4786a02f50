// Package split divides a release amount among the active members of a team.
package split

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNoMembers      = errors.New("at least one active member is required")
	ErrNegativeAmount = errors.New("amount cannot be negative")
)

// Share is one member's portion of a split.
type Share struct {
	UserID string
	Amount decimal.Decimal
}

// Even divides amount equally among memberIDs. Each share is truncated to
// cents and the rounding remainder goes to the first member, so the shares
// always sum to amount exactly (for amounts already expressed in cents).
func Even(amount decimal.Decimal, memberIDs []string) ([]Share, error) {
	if len(memberIDs) == 0 {
		return nil, ErrNoMembers
	}
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}

	n := decimal.NewFromInt(int64(len(memberIDs)))
	share := amount.Div(n).Truncate(2)
	remainder := amount.Sub(share.Mul(n))

	shares := make([]Share, len(memberIDs))
	for i, id := range memberIDs {
		shares[i] = Share{UserID: id, Amount: share}
	}
	shares[0].Amount = shares[0].Amount.Add(remainder)
	return shares, nil
}
