package service

import (
	"context"
	"errors"

	"github.com/parlakisik/campus-exchange/internal/model"
	"github.com/parlakisik/campus-exchange/internal/split"
	"github.com/parlakisik/campus-exchange/internal/store"
	"github.com/shopspring/decimal"
)

// debitEscrow moves amount from the contract's escrow to its released total.
func debitEscrow(c *model.Contract, amount decimal.Decimal) error {
	escrow := dec(c.EscrowBalance)
	if escrow.LessThan(amount) {
		return ErrInsufficientEscrow.Withf("escrow balance %s is less than %s", escrow.StringFixed(2), amount.StringFixed(2))
	}
	c.EscrowBalance = escrow.Sub(amount).String()
	c.ReleasedAmount = dec(c.ReleasedAmount).Add(amount).String()
	return nil
}

// creditPayee credits the contract's payee. For a team the amount is split
// across active members and the team wallet receives the gross amount. The
// returned lines are empty for individual payees.
func (s *Service) creditPayee(ctx context.Context, tx store.Tx, c model.Contract, amount decimal.Decimal) ([]model.SplitLine, error) {
	if c.Payee.Kind != model.PayeeTeam {
		return nil, s.creditWallet(ctx, tx, c.Payee.UserID, model.PartyUser, c.Currency, amount)
	}

	team, err := tx.GetTeam(ctx, c.Payee.TeamID)
	if err != nil {
		return nil, storeErr(err, ErrTeamNotFound)
	}
	shares, err := split.Even(amount, team.ActiveMemberIDs())
	if errors.Is(err, split.ErrNoMembers) {
		return nil, ErrNoActiveMembers.Withf("team %s has no active members", team.ID)
	}
	if err != nil {
		return nil, err
	}

	lines := make([]model.SplitLine, 0, len(shares))
	for _, sh := range shares {
		if err := s.creditWallet(ctx, tx, sh.UserID, model.PartyUser, c.Currency, sh.Amount); err != nil {
			return nil, err
		}
		lines = append(lines, model.SplitLine{UserID: sh.UserID, Amount: sh.Amount.String()})
	}
	if err := s.creditWallet(ctx, tx, team.ID, model.PartyTeam, c.Currency, amount); err != nil {
		return nil, err
	}
	return lines, nil
}

// creditWallet adds amount to a wallet, creating it on first credit.
func (s *Service) creditWallet(ctx context.Context, tx store.Tx, ownerID string, ownerType model.PartyType, currency string, amount decimal.Decimal) error {
	key := model.WalletKey(ownerType, ownerID)
	w, err := tx.GetWallet(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w = model.Wallet{ID: key, OwnerID: ownerID, OwnerType: ownerType, Balance: "0", Currency: currency}
	case err != nil:
		return storeErr(err, nil)
	}
	w.Balance = dec(w.Balance).Add(amount).String()
	w.LastUpdated = s.now()
	return storeErr(tx.PutWallet(ctx, w), nil)
}
