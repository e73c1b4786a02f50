package split

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestEven(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		members []string
		want    []string
	}{
		{
			name:    "divides evenly",
			amount:  "300",
			members: []string{"a", "b", "c"},
			want:    []string{"100", "100", "100"},
		},
		{
			name:    "remainder to first member",
			amount:  "100",
			members: []string{"a", "b", "c"},
			want:    []string{"33.34", "33.33", "33.33"},
		},
		{
			name:    "single member takes all",
			amount:  "99.99",
			members: []string{"a"},
			want:    []string{"99.99"},
		},
		{
			name:    "cents across many members",
			amount:  "0.05",
			members: []string{"a", "b", "c", "d", "e", "f", "g"},
			want:    []string{"0.05", "0", "0", "0", "0", "0", "0"},
		},
		{
			name:    "zero amount",
			amount:  "0",
			members: []string{"a", "b"},
			want:    []string{"0", "0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)
			shares, err := Even(amount, tt.members)
			if err != nil {
				t.Fatalf("Even() error = %v", err)
			}
			if len(shares) != len(tt.want) {
				t.Fatalf("Even() returned %d shares, want %d", len(shares), len(tt.want))
			}

			sum := decimal.Zero
			for i, s := range shares {
				if s.UserID != tt.members[i] {
					t.Errorf("share %d user = %s, want %s", i, s.UserID, tt.members[i])
				}
				if !s.Amount.Equal(decimal.RequireFromString(tt.want[i])) {
					t.Errorf("share %d amount = %s, want %s", i, s.Amount, tt.want[i])
				}
				sum = sum.Add(s.Amount)
			}
			if !sum.Equal(amount) {
				t.Errorf("shares sum to %s, want %s", sum, amount)
			}
		})
	}
}

func TestEvenErrors(t *testing.T) {
	if _, err := Even(decimal.NewFromInt(10), nil); !errors.Is(err, ErrNoMembers) {
		t.Errorf("Even() with no members error = %v, want ErrNoMembers", err)
	}
	if _, err := Even(decimal.NewFromInt(-1), []string{"a"}); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("Even() with negative amount error = %v, want ErrNegativeAmount", err)
	}
}
