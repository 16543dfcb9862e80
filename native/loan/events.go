package loan

import (
	"encoding/hex"
	"strconv"
	"strings"

	"lienchain/core/types"
)

const (
	EventTypeLoanCreated  = "loan.created"
	EventTypeStateChanged = "loan.state_changed"
	EventTypeTermsChanged = "loan.terms_changed"
	EventTypeDeposited    = "loan.deposited"
	EventTypeWithdrawn    = "loan.withdrawn"
	EventTypeActivated    = "loan.activated"
)

// NewCreatedEvent returns the canonical payload emitted when a proposal is
// recorded as a new loan record.
func NewCreatedEvent(r *LoanRecord) *types.Event {
	evt := newLoanEvent(EventTypeLoanCreated, r)
	if r != nil {
		evt.Attributes["collateralAddress"] = hex.EncodeToString(r.CollateralAddr[:])
		evt.Attributes["collateralId"] = r.CollateralID.String()
	}
	return evt
}

// NewStateChangedEvent carries the previous and new lifecycle state. This is
// the authoritative signal the off-chain mirror consumes.
func NewStateChangedEvent(r *LoanRecord, prev, next LoanState) *types.Event {
	evt := newLoanEvent(EventTypeStateChanged, r)
	evt.Attributes["prevState"] = prev.String()
	evt.Attributes["newState"] = next.String()
	return evt
}

// NewTermsChangedEvent carries the batch of updated term fields with their
// previous and new values.
func NewTermsChangedEvent(r *LoanRecord, params, prevValues, newValues []string) *types.Event {
	evt := newLoanEvent(EventTypeTermsChanged, r)
	evt.Attributes["params"] = strings.Join(params, ",")
	evt.Attributes["prevValues"] = strings.Join(prevValues, ",")
	evt.Attributes["newValues"] = strings.Join(newValues, ",")
	return evt
}

// NewDepositedEvent records a wei deposit credited against the record.
func NewDepositedEvent(r *LoanRecord, payee [20]byte, amountWei string) *types.Event {
	evt := newLoanEvent(EventTypeDeposited, r)
	evt.Attributes["payee"] = hex.EncodeToString(payee[:])
	evt.Attributes["weiAmount"] = amountWei
	return evt
}

// NewWithdrawnEvent records a wei withdrawal from the engine treasury.
func NewWithdrawnEvent(r *LoanRecord, payee [20]byte, amountWei string) *types.Event {
	evt := newLoanEvent(EventTypeWithdrawn, r)
	evt.Attributes["payee"] = hex.EncodeToString(payee[:])
	evt.Attributes["weiAmount"] = amountWei
	return evt
}

// NewActivatedEvent is emitted exactly once when collateral custody and lender
// funding are simultaneously satisfied.
func NewActivatedEvent(r *LoanRecord) *types.Event {
	evt := newLoanEvent(EventTypeActivated, r)
	if r != nil {
		evt.Attributes["borrower"] = hex.EncodeToString(r.Borrower[:])
		evt.Attributes["lender"] = hex.EncodeToString(r.Lender[:])
		evt.Attributes["tokenContract"] = hex.EncodeToString(r.CollateralAddr[:])
		evt.Attributes["tokenId"] = r.CollateralID.String()
		evt.Attributes["state"] = r.State.String()
	}
	return evt
}

func newLoanEvent(eventType string, r *LoanRecord) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeRecord(r)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["debtId"] = strconv.FormatUint(sanitized.DebtID, 10)
	attrs["state"] = sanitized.State.String()
	attrs["principal"] = sanitized.Principal.String()
	attrs["balance"] = sanitized.Balance.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
