package loan

import "errors"

var (
	errNilState        = errors.New("loan engine: state not configured")
	errNilCustody      = errors.New("loan engine: collateral custody not configured")
	ErrLoanNotFound    = errors.New("loan engine: loan not found")
	ErrInvalidAmount   = errors.New("loan engine: amount must be positive")
	ErrInvalidProposal = errors.New("loan engine: invalid proposal")

	// ErrUnauthorized covers every operation invoked by an account lacking
	// the required role on the referenced loan.
	ErrUnauthorized = errors.New("loan engine: caller lacks required role")

	// ErrInvalidTransition is returned when an operation is not valid from
	// the loan's current lifecycle state.
	ErrInvalidTransition = errors.New("loan engine: operation invalid for current state")

	// ErrAlreadySatisfied trips the idempotency guards: lender already set,
	// debt token already issued.
	ErrAlreadySatisfied = errors.New("loan engine: condition already satisfied")

	// ErrInsufficientFunds is returned when a withdrawal is attempted against
	// a zero credited balance.
	ErrInsufficientFunds = errors.New("loan engine: insufficient credited funds")

	// ErrFieldOverflow is returned by the terms codec when a field exceeds
	// its packed bit width.
	ErrFieldOverflow = errors.New("loan terms: field exceeds packed width")

	// ErrTermsReservedBits is returned when a packed word carries non-zero
	// reserved bits.
	ErrTermsReservedBits = errors.New("loan terms: reserved bits must be zero")

	// ErrCollateralUnavailable is returned when funding finds the collateral
	// held by neither the treasury nor the borrower.
	ErrCollateralUnavailable = errors.New("loan engine: collateral unavailable for custody")

	ErrNotCollateralOwner  = errors.New("loan engine: caller not authorized for collateral withdrawal")
	ErrLenderAlreadySet    = errors.New("loan engine: lender must not currently be signed off")
	ErrPaymentFailed       = errors.New("loan engine: payment failed")
	ErrBalanceUpdateDenied = errors.New("loan engine: balance update denied for current state")
	ErrMaturityCheckState  = errors.New("loan engine: invalid state for maturity check")
	ErrSelfWithdrawal      = errors.New("loan engine: caller cannot be withdrawer")
	ErrTermsExpired        = errors.New("loan engine: terms expiry deadline passed")
	ErrBadSignature        = errors.New("loan engine: proposal signature invalid")
	ErrUnknownTermField    = errors.New("loan engine: unknown term field")
)
