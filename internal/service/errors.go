package service

import (
	"errors"
	"fmt"

	"github.com/parlakisik/campus-exchange/internal/store"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindContractDisputed  Kind = "contract_disputed"
	KindInternal          Kind = "internal"
)

// Error is the engine's failure type. Code is stable and is what errors.Is
// compares; Message may be specialised per call site.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Withf returns a copy of e carrying a specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAmount     = newError(KindValidation, "invalid_amount", "amount must be a positive decimal with at most two fractional digits")
	ErrInvalidPercentage = newError(KindValidation, "invalid_percentage", "percentage must be greater than 0 and at most 100")
	ErrInvalidInput      = newError(KindValidation, "invalid_input", "invalid input")
	ErrExceedsTotal      = newError(KindValidation, "exceeds_contract_total", "deposit would exceed the contract total")

	ErrUnauthorized = newError(KindAuthorization, "unauthorized", "actor is not allowed to perform this operation")

	ErrContractNotFound    = newError(KindNotFound, "contract_not_found", "contract not found")
	ErrMilestoneNotFound   = newError(KindNotFound, "milestone_not_found", "milestone not found")
	ErrDisputeNotFound     = newError(KindNotFound, "dispute_not_found", "dispute not found")
	ErrTeamNotFound        = newError(KindNotFound, "team_not_found", "team not found")
	ErrLedgerEntryNotFound = newError(KindNotFound, "ledger_entry_not_found", "ledger entry not found")

	ErrContractNotActive      = newError(KindConflict, "contract_not_active", "contract is not active")
	ErrContractExists         = newError(KindConflict, "contract_exists", "contract already exists")
	ErrMilestoneNotApproved   = newError(KindConflict, "milestone_not_approved", "Milestone must be approved before funds can be released")
	ErrInvalidTransition      = newError(KindConflict, "invalid_milestone_transition", "milestone cannot move to the requested status")
	ErrAlreadyPaid            = newError(KindConflict, "already_paid", "milestone has already been paid")
	ErrDisputeAlreadyOpen     = newError(KindConflict, "dispute_already_open", "contract already has an open dispute")
	ErrDisputeNotActive       = newError(KindConflict, "dispute_not_active", "dispute is already closed")
	ErrInvalidDisputeState    = newError(KindConflict, "invalid_dispute_transition", "dispute cannot move to the requested status")
	ErrEntryNotReversible     = newError(KindConflict, "entry_not_reversible", "only completed deposit entries can be reversed")
	ErrNoActiveMembers        = newError(KindConflict, "no_active_members", "team has no active members to pay")
	ErrConcurrentModification = &Error{
		Kind:      KindConflict,
		Code:      "concurrent_modification",
		Message:   "record was modified concurrently, retry the request",
		Retryable: true,
	}

	ErrInsufficientEscrow = newError(KindInsufficientFunds, "insufficient_escrow_balance", "escrow balance is insufficient for this release")

	ErrContractDisputed = newError(KindContractDisputed, "contract_disputed", "contract is frozen by an open dispute")
)

// storeErr maps store sentinels onto engine errors. notFound is used for
// store.ErrNotFound; engine errors pass through untouched.
func storeErr(err error, notFound *Error) error {
	if err == nil {
		return nil
	}
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, store.ErrNotFound) && notFound != nil:
		return notFound
	case errors.Is(err, store.ErrConflict):
		return ErrConcurrentModification
	default:
		return fmt.Errorf("escrow store: %w", err)
	}
}

// IsRetryable reports whether err carries the retryable flag.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
