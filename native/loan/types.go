package loan

import (
	"fmt"
	"math/big"
)

// LoanState enumerates the lifecycle states a loan record moves through.
type LoanState uint8

const (
	StateUndefined LoanState = iota
	StateNonleveraged
	StateUnsponsored
	StateFunded
	StateActiveGraceCommitted
	StateActiveGraceOpen
	StateActiveCommitted
	StateActiveOpen
	StatePaid
	StateDefault
	StateCollection
	StateAuction
	StateAwarded
	StateClosed
)

var stateNames = map[LoanState]string{
	StateUndefined:            "UNDEFINED",
	StateNonleveraged:         "NONLEVERAGED",
	StateUnsponsored:          "UNSPONSORED",
	StateFunded:               "FUNDED",
	StateActiveGraceCommitted: "ACTIVE_GRACE_COMMITTED",
	StateActiveGraceOpen:      "ACTIVE_GRACE_OPEN",
	StateActiveCommitted:      "ACTIVE_COMMITTED",
	StateActiveOpen:           "ACTIVE_OPEN",
	StatePaid:                 "PAID",
	StateDefault:              "DEFAULT",
	StateCollection:           "COLLECTION",
	StateAuction:              "AUCTION",
	StateAwarded:              "AWARDED",
	StateClosed:               "CLOSED",
}

func (s LoanState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LoanState(%d)", uint8(s))
}

// Valid reports whether the state value is within the supported range.
func (s LoanState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Active reports whether the state is one of the four active sub-states.
func (s LoanState) Active() bool {
	switch s {
	case StateActiveGraceCommitted, StateActiveGraceOpen, StateActiveCommitted, StateActiveOpen:
		return true
	default:
		return false
	}
}

// InBalanceBand reports whether balance mutations are permitted, i.e. the
// state lies within [FUNDED, PAID).
func (s LoanState) InBalanceBand() bool {
	return s == StateFunded || s.Active()
}

// Terminal reports whether the record has been logically terminated. Terminal
// records are retained for audit but accept no further mutation.
func (s LoanState) Terminal() bool {
	switch s {
	case StatePaid, StateAwarded, StateClosed:
		return true
	default:
		return false
	}
}

// CollateralKey identifies one collateral (contract, token id) pair. It keys
// the replay-nonce ledger and the off-chain mirror's composite index.
type CollateralKey struct {
	Contract [20]byte
	TokenID  string
}

// NewCollateralKey normalises a token id into the canonical decimal string
// form used for keying.
func NewCollateralKey(contract [20]byte, tokenID *big.Int) CollateralKey {
	id := "0"
	if tokenID != nil {
		id = tokenID.String()
	}
	return CollateralKey{Contract: contract, TokenID: id}
}

// LoanRecord is the per-debt unit of state owned by the record store. All
// mutation flows through the lifecycle engine and balance ledger.
type LoanRecord struct {
	DebtID          uint64
	Borrower        [20]byte
	Lender          [20]byte
	CollateralAddr  [20]byte
	CollateralID    *big.Int
	CollateralNonce uint64
	Terms           Terms
	Principal       *big.Int
	Balance         *big.Int
	PaidTotal       *big.Int
	StartTime       int64
	CommitTime      int64
	CreatedAt       int64
	State           LoanState
	DebtTokenIssued bool
	// Credits maps a participant address to the wei amount it may withdraw
	// from the engine treasury.
	Credits map[[20]byte]*big.Int
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (r *LoanRecord) Clone() *LoanRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.CollateralID = cloneBigInt(r.CollateralID)
	clone.Principal = cloneBigInt(r.Principal)
	clone.Balance = cloneBigInt(r.Balance)
	clone.PaidTotal = cloneBigInt(r.PaidTotal)
	clone.Credits = make(map[[20]byte]*big.Int, len(r.Credits))
	for addr, amt := range r.Credits {
		clone.Credits[addr] = cloneBigInt(amt)
	}
	return &clone
}

// Credit returns the withdrawable amount currently booked for addr.
func (r *LoanRecord) Credit(addr [20]byte) *big.Int {
	if r == nil || r.Credits == nil {
		return big.NewInt(0)
	}
	return cloneBigInt(r.Credits[addr])
}

func (r *LoanRecord) addCredit(addr [20]byte, amount *big.Int) {
	if r.Credits == nil {
		r.Credits = make(map[[20]byte]*big.Int)
	}
	current := r.Credits[addr]
	if current == nil {
		current = big.NewInt(0)
	}
	r.Credits[addr] = new(big.Int).Add(current, amount)
}

// Participant reports whether addr holds the borrower or lender position on
// this record.
func (r *LoanRecord) Participant(addr [20]byte) bool {
	if r == nil {
		return false
	}
	if addr == ([20]byte{}) {
		return false
	}
	return addr == r.Borrower || addr == r.Lender
}

// SanitizeRecord validates and normalises a loan record, returning a cloned
// instance with non-nil amount fields. The original value is not mutated.
func SanitizeRecord(r *LoanRecord) (*LoanRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("loan engine: nil record")
	}
	clone := r.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("loan engine: invalid state: %d", clone.State)
	}
	if clone.Principal.Sign() < 0 {
		return nil, fmt.Errorf("loan engine: principal must be non-negative")
	}
	if clone.Balance.Sign() < 0 {
		return nil, fmt.Errorf("loan engine: balance must be non-negative")
	}
	if clone.PaidTotal.Sign() < 0 {
		return nil, fmt.Errorf("loan engine: paid total must be non-negative")
	}
	return clone, nil
}

// Globals carries the record store's cross-loan counters: the monotonically
// increasing debt counter and the per-collateral replay nonces.
type Globals struct {
	NextDebtID       uint64
	CollateralNonces map[CollateralKey]uint64
}

// EnsureGlobals normalises a possibly-nil globals value. The debt counter
// starts at one so the zero value can never collide with a real DebtID.
func EnsureGlobals(g *Globals) *Globals {
	if g == nil {
		g = &Globals{}
	}
	if g.NextDebtID == 0 {
		g.NextDebtID = 1
	}
	if g.CollateralNonces == nil {
		g.CollateralNonces = make(map[CollateralKey]uint64)
	}
	return g
}

// DebtTokenRecord records the single transferable receipt issued against a
// finalized debt. It is immutable after creation.
type DebtTokenRecord struct {
	TokenContract [20]byte
	TokenID       uint64
	Quantity      *big.Int
	URI           string
	Recipient     [20]byte
	IssuedAt      int64
}

// Clone returns a deep copy of the token record.
func (d *DebtTokenRecord) Clone() *DebtTokenRecord {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Quantity = cloneBigInt(d.Quantity)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
