package loan

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"lienchain/core/events"
	"lienchain/core/types"
	nativecommon "lienchain/native/common"
	"lienchain/native/roles"
)

const moduleName = "loan"

type engineState interface {
	LoanGet(debtID uint64) (*LoanRecord, bool)
	LoanPut(*LoanRecord) error
	GlobalsGet() (*Globals, error)
	GlobalsPut(*Globals) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// CollateralCustody abstracts the external NFT contract holding posted
// collateral. The engine only ever asks who controls a token and moves it
// between the borrower and its own treasury identity.
type CollateralCustody interface {
	OwnerOf(contract [20]byte, tokenID *big.Int) ([20]byte, error)
	Transfer(contract [20]byte, tokenID *big.Int, from, to [20]byte) error
}

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e loanEvent) Event() *types.Event { return e.evt }

// TermChange names one term field update inside an atomic batch.
type TermChange struct {
	Field string
	Value uint64
}

// Engine drives the loan lifecycle state machine. Every mutating entry point
// checks role membership before touching state and fails without partial
// effects; each applied transition emits an event carrying the previous and
// new state.
type Engine struct {
	state    engineState
	custody  CollateralCustody
	registry *roles.Registry
	emitter  events.Emitter
	treasury [20]byte
	nowFn    func() int64
	pauses   nativecommon.PauseView
}

// NewEngine constructs a loan engine bound to the given role registry and
// treasury identity. The treasury address holds escrowed funds and custodied
// collateral.
func NewEngine(treasury [20]byte, registry *roles.Registry) *Engine {
	return &Engine{
		registry: registry,
		emitter:  events.NoopEmitter{},
		treasury: treasury,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCustody wires the engine to the collateral token contract.
func (e *Engine) SetCustody(custody CollateralCustody) { e.custody = custody }

// SetPauses installs the module pause switchboard consulted on every call.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Treasury returns the engine's escrow identity.
func (e *Engine) Treasury() [20]byte { return e.treasury }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.custody == nil {
		return errNilCustody
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) loadLoan(debtID uint64) (*LoanRecord, error) {
	record, ok := e.state.LoanGet(debtID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	return record, nil
}

// GetLoan returns a deep copy of the record so callers cannot mutate stored
// state directly.
func (e *Engine) GetLoan(debtID uint64) (*LoanRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

func (e *Engine) setState(record *LoanRecord, next LoanState) {
	prev := record.State
	record.State = next
	// The packed word mirrors the lifecycle so decoded terms never disagree
	// with the record.
	record.Terms.StateCode = uint8(next)
	e.emit(NewStateChangedEvent(record, prev, next))
}

func (e *Engine) transferWei(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	toAcc = types.EnsureAccount(toAcc)
	if fromAcc.BalanceWei.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.BalanceWei = new(big.Int).Sub(fromAcc.BalanceWei, amount)
	toAcc.BalanceWei = new(big.Int).Add(toAcc.BalanceWei, amount)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// Propose validates signed terms for a collateral pair, takes custody of the
// collateral and records a new loan in the UNSPONSORED state. The caller must
// control the collateral and must have signed the packed terms together with
// the collateral identity and the current replay nonce.
func (e *Engine) Propose(caller [20]byte, collateralAddr [20]byte, collateralID *big.Int, principal *big.Int, terms Terms, sig []byte) (*LoanRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if terms.Duration == 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidProposal)
	}
	now := e.now()
	if terms.TermsExpiry != 0 && int64(terms.TermsExpiry) <= now {
		return nil, ErrTermsExpired
	}
	terms.StateCode = uint8(StateUnsponsored)
	packed, err := Pack(terms)
	if err != nil {
		return nil, err
	}

	owner, err := e.custody.OwnerOf(collateralAddr, collateralID)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, ErrUnauthorized
	}

	globals, err := e.state.GlobalsGet()
	if err != nil {
		return nil, err
	}
	globals = EnsureGlobals(globals)
	key := NewCollateralKey(collateralAddr, collateralID)
	nonce := globals.CollateralNonces[key] + 1

	digest := ProposalDigest(packed, collateralAddr, collateralID, nonce)
	if err := VerifyProposalSig(digest, sig, caller); err != nil {
		return nil, err
	}

	if err := e.custody.Transfer(collateralAddr, collateralID, caller, e.treasury); err != nil {
		return nil, err
	}

	record := &LoanRecord{
		DebtID:          globals.NextDebtID,
		Borrower:        caller,
		CollateralAddr:  collateralAddr,
		CollateralID:    cloneBigInt(collateralID),
		CollateralNonce: nonce,
		Terms:           terms,
		Principal:       cloneBigInt(principal),
		Balance:         big.NewInt(0),
		PaidTotal:       big.NewInt(0),
		CreatedAt:       now,
		State:           StateUnsponsored,
		Credits:         make(map[[20]byte]*big.Int),
	}
	globals.NextDebtID++
	globals.CollateralNonces[key] = nonce

	// Counter and nonce advance first: a failed record write then burns a
	// debt id instead of letting the next proposal overwrite this one.
	if err := e.state.GlobalsPut(globals); err != nil {
		return nil, err
	}
	if err := e.state.LoanPut(record); err != nil {
		return nil, err
	}

	e.grantBorrowerRoles(record.DebtID, caller)

	e.emit(NewCreatedEvent(record))
	e.emit(NewStateChangedEvent(record, StateUndefined, StateUnsponsored))
	return record.Clone(), nil
}

// WithdrawCollateral returns custodied collateral to the borrower while the
// proposal is still unfunded, revoking the borrower-adjacent roles granted at
// proposal time.
func (e *Engine) WithdrawCollateral(caller [20]byte, debtID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if record.State != StateUnsponsored {
		return ErrInvalidTransition
	}
	if caller != record.Borrower || !e.registry.HasScoped(roles.RoleCollateralOwner, debtID, caller) {
		return ErrNotCollateralOwner
	}
	if err := e.custody.Transfer(record.CollateralAddr, record.CollateralID, e.treasury, record.Borrower); err != nil {
		return err
	}
	e.revokeBorrowerRoles(debtID, caller)
	e.setState(record, StateNonleveraged)
	return e.state.LoanPut(record)
}

// Fund deposits exactly the principal amount from the caller, installs it as
// the lender and activates the loan within the same call. Collateral withdrawn
// after proposal is pulled back under the proposal's standing signature; a
// loan whose collateral has left the borrower entirely cannot be funded.
func (e *Engine) Fund(caller [20]byte, debtID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if record.Lender != ([20]byte{}) {
		return ErrLenderAlreadySet
	}
	if record.State != StateUnsponsored && record.State != StateNonleveraged {
		return ErrInvalidTransition
	}
	now := e.now()
	if record.Terms.TermsExpiry != 0 && int64(record.Terms.TermsExpiry) <= now {
		return ErrTermsExpired
	}
	if amount == nil || amount.Cmp(record.Principal) != 0 {
		return ErrInvalidAmount
	}

	// All custody reads and funds checks happen before the first write so a
	// failure leaves no wei or collateral moved.
	holder, err := e.custody.OwnerOf(record.CollateralAddr, record.CollateralID)
	if err != nil {
		return err
	}
	if holder != e.treasury && holder != record.Borrower {
		return ErrCollateralUnavailable
	}
	if err := e.checkFunds(caller, amount); err != nil {
		return err
	}

	if holder != e.treasury {
		// Withdrawn collateral is pulled back under the proposal's standing
		// signature before the principal moves, so the loan never funds
		// unsecured.
		if err := e.custody.Transfer(record.CollateralAddr, record.CollateralID, record.Borrower, e.treasury); err != nil {
			return err
		}
		e.grantBorrowerRoles(debtID, record.Borrower)
	}

	if err := e.transferWei(caller, e.treasury, amount); err != nil {
		return err
	}

	record.Lender = caller
	record.Balance = new(big.Int).Set(record.Principal)
	record.addCredit(record.Borrower, record.Principal)
	e.registry.GrantScoped(roles.RoleLender, debtID, caller)
	e.registry.GrantScoped(roles.RoleParticipant, debtID, caller)

	e.emit(NewDepositedEvent(record, caller, amount.String()))
	e.setState(record, StateFunded)
	e.activate(record, now)
	return e.state.LoanPut(record)
}

// checkFunds verifies the account can cover amount without moving anything.
func (e *Engine) checkFunds(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return err
	}
	if types.EnsureAccount(acc).BalanceWei.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (e *Engine) grantBorrowerRoles(debtID uint64, borrower [20]byte) {
	e.registry.GrantScoped(roles.RoleBorrower, debtID, borrower)
	e.registry.GrantScoped(roles.RoleParticipant, debtID, borrower)
	e.registry.GrantScoped(roles.RoleCollateralOwner, debtID, borrower)
	e.registry.GrantScoped(roles.RoleCollateralApprover, debtID, borrower)
}

func (e *Engine) revokeBorrowerRoles(debtID uint64, borrower [20]byte) {
	e.registry.RevokeScoped(roles.RoleBorrower, debtID, borrower)
	e.registry.RevokeScoped(roles.RoleParticipant, debtID, borrower)
	e.registry.RevokeScoped(roles.RoleCollateralOwner, debtID, borrower)
	e.registry.RevokeScoped(roles.RoleCollateralApprover, debtID, borrower)
}

// activate records the loan start and commit timestamps and moves the record
// into the appropriate active sub-state. Collateral custody and lender
// funding are both satisfied when this runs.
func (e *Engine) activate(record *LoanRecord, now int64) {
	record.StartTime = now
	commitSeconds := int64(record.Terms.Duration) * secondsPerDay * int64(record.Terms.CommitalRatio) / 100
	record.CommitTime = now + commitSeconds

	next := StateActiveOpen
	switch {
	case record.Terms.GracePeriod > 0 && record.Terms.CommitalRatio > 0:
		next = StateActiveGraceCommitted
	case record.Terms.GracePeriod > 0:
		next = StateActiveGraceOpen
	case record.Terms.CommitalRatio > 0:
		next = StateActiveCommitted
	}
	e.registry.GrantScoped(roles.RoleCollateralCustodian, record.DebtID, e.treasury)
	e.setState(record, next)
	e.emit(NewActivatedEvent(record))
}

// UpdateBalance recomputes and commits the outstanding balance from stored
// principal, rate and elapsed time. Accrual is pull based: nothing advances
// the balance implicitly, and repeated calls with no elapsed time are no-ops.
func (e *Engine) UpdateBalance(debtID uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return nil, err
	}
	if !record.State.InBalanceBand() {
		return nil, ErrBalanceUpdateDenied
	}
	record.Balance = currentBalance(record, e.now())
	if err := e.state.LoanPut(record); err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.Balance), nil
}

// MakePayment applies a repayment on behalf of a participant. Only the
// treasurer role may drive payments. Overpayment beyond the outstanding
// balance fails rather than truncating, and a balance reaching exactly zero
// triggers the PAID transition within the same operation.
func (e *Engine) MakePayment(caller, payer [20]byte, debtID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.registry.Has(roles.RoleTreasurer, caller) {
		return ErrUnauthorized
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if !record.Participant(payer) {
		return ErrUnauthorized
	}
	if !record.State.InBalanceBand() {
		return ErrPaymentFailed
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	now := e.now()
	record.Balance = currentBalance(record, now)
	if amount.Cmp(record.Balance) > 0 {
		return ErrPaymentFailed
	}
	if err := e.checkFunds(payer, amount); err != nil {
		return err
	}
	settles := amount.Cmp(record.Balance) == 0

	// The collateral release runs before the payer is debited so a custody
	// failure rejects the payment with nothing moved.
	if settles {
		if err := e.custody.Transfer(record.CollateralAddr, record.CollateralID, e.treasury, record.Borrower); err != nil {
			return err
		}
	}
	if err := e.transferWei(payer, e.treasury, amount); err != nil {
		return err
	}
	record.Balance = new(big.Int).Sub(record.Balance, amount)
	record.PaidTotal = new(big.Int).Add(record.PaidTotal, amount)
	record.addCredit(record.Lender, amount)
	e.emit(NewDepositedEvent(record, payer, amount.String()))

	if settles {
		e.registry.RevokeScoped(roles.RoleCollateralCustodian, debtID, e.treasury)
		e.setState(record, StatePaid)
	}
	return e.state.LoanPut(record)
}

// AssessMaturity transitions an active loan into DEFAULT once its duration
// plus grace window has elapsed with a nonzero balance. Only the treasurer
// may assess. A loan that has not matured yet is left untouched.
func (e *Engine) AssessMaturity(caller [20]byte, debtID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.registry.Has(roles.RoleTreasurer, caller) {
		return ErrUnauthorized
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if !record.State.InBalanceBand() {
		return ErrMaturityCheckState
	}
	if !record.State.Active() {
		// Funded but never activated: no clock is running yet.
		return nil
	}
	now := e.now()
	deadline := record.StartTime + int64(record.Terms.Duration+record.Terms.GracePeriod)*secondsPerDay
	if now <= deadline {
		return nil
	}
	record.Balance = currentBalance(record, now)
	if record.Balance.Sign() == 0 {
		return nil
	}
	e.setState(record, StateDefault)
	return e.state.LoanPut(record)
}

// WithdrawFunds moves the caller's credited balance out of the engine
// treasury. The treasury identity itself can never be the withdrawer.
func (e *Engine) WithdrawFunds(caller [20]byte, debtID uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller == e.treasury {
		return nil, ErrSelfWithdrawal
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return nil, err
	}
	credit := record.Credit(caller)
	if credit.Sign() == 0 {
		return nil, ErrInsufficientFunds
	}
	if err := e.transferWei(e.treasury, caller, credit); err != nil {
		return nil, err
	}
	record.Credits[caller] = big.NewInt(0)
	e.emit(NewWithdrawnEvent(record, caller, credit.String()))
	if err := e.state.LoanPut(record); err != nil {
		return nil, err
	}
	return credit, nil
}

// UpdateTerms applies a batch of term field changes while the loan is still
// pre-activation. Each change is validated independently against the packed
// field widths and the batch commits atomically: any invalid change rejects
// the whole batch with no state mutated.
func (e *Engine) UpdateTerms(caller [20]byte, debtID uint64, changes []TermChange) error {
	if err := e.ready(); err != nil {
		return err
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if record.State != StateUnsponsored && record.State != StateNonleveraged {
		return ErrInvalidTransition
	}
	if caller != record.Borrower {
		return ErrUnauthorized
	}
	if len(changes) == 0 {
		return nil
	}

	updated := record.Terms
	params := make([]string, 0, len(changes))
	prevValues := make([]string, 0, len(changes))
	newValues := make([]string, 0, len(changes))
	for _, change := range changes {
		prev, err := applyTermChange(&updated, change)
		if err != nil {
			return err
		}
		params = append(params, change.Field)
		prevValues = append(prevValues, strconv.FormatUint(prev, 10))
		newValues = append(newValues, strconv.FormatUint(change.Value, 10))
	}
	// Packing re-checks every field width after the batch is assembled.
	if _, err := Pack(updated); err != nil {
		return err
	}
	record.Terms = updated
	e.emit(NewTermsChangedEvent(record, params, prevValues, newValues))
	return e.state.LoanPut(record)
}

func applyTermChange(t *Terms, change TermChange) (prev uint64, err error) {
	switch change.Field {
	case "firInterval":
		prev = uint64(t.FIRInterval)
		if change.Value > maxForWidth(widthFIRInterval) {
			return 0, fmt.Errorf("%w: firInterval=%d", ErrFieldOverflow, change.Value)
		}
		t.FIRInterval = uint8(change.Value)
	case "interestRate":
		prev = uint64(t.InterestRate)
		if change.Value > maxForWidth(widthInterestRate) {
			return 0, fmt.Errorf("%w: interestRate=%d", ErrFieldOverflow, change.Value)
		}
		t.InterestRate = uint8(change.Value)
	case "isVariable":
		if t.IsVariable {
			prev = 1
		}
		if change.Value > 1 {
			return 0, fmt.Errorf("%w: isVariable=%d", ErrFieldOverflow, change.Value)
		}
		t.IsVariable = change.Value == 1
	case "gracePeriod":
		prev = uint64(t.GracePeriod)
		if change.Value > maxForWidth(widthGracePeriod) {
			return 0, fmt.Errorf("%w: gracePeriod=%d", ErrFieldOverflow, change.Value)
		}
		t.GracePeriod = uint32(change.Value)
	case "duration":
		prev = uint64(t.Duration)
		if change.Value == 0 || change.Value > maxForWidth(widthDuration) {
			return 0, fmt.Errorf("%w: duration=%d", ErrFieldOverflow, change.Value)
		}
		t.Duration = uint32(change.Value)
	case "commitalRatio":
		prev = uint64(t.CommitalRatio)
		if change.Value > 100 {
			return 0, fmt.Errorf("%w: commitalRatio=%d", ErrFieldOverflow, change.Value)
		}
		t.CommitalRatio = uint8(change.Value)
	case "termsExpiry":
		prev = t.TermsExpiry
		t.TermsExpiry = change.Value
	case "lenderRoyalty":
		prev = uint64(t.LenderRoyalty)
		if change.Value > 100 {
			return 0, fmt.Errorf("%w: lenderRoyalty=%d", ErrFieldOverflow, change.Value)
		}
		t.LenderRoyalty = uint8(change.Value)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownTermField, change.Field)
	}
	return prev, nil
}

// StartCollection moves a defaulted loan into collection. Collector only.
func (e *Engine) StartCollection(caller [20]byte, debtID uint64) error {
	return e.progress(caller, debtID, roles.RoleCollector, StateDefault, StateCollection)
}

// StartAuction moves a loan in collection to auction. Collector only.
func (e *Engine) StartAuction(caller [20]byte, debtID uint64) error {
	return e.progress(caller, debtID, roles.RoleCollector, StateCollection, StateAuction)
}

// Award settles an auctioned loan by handing the collateral to the lender.
// Arbiter only.
func (e *Engine) Award(caller [20]byte, debtID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.registry.Has(roles.RoleArbiter, caller) {
		return ErrUnauthorized
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if record.State != StateAuction {
		return ErrInvalidTransition
	}
	if err := e.custody.Transfer(record.CollateralAddr, record.CollateralID, e.treasury, record.Lender); err != nil {
		return err
	}
	e.registry.RevokeScoped(roles.RoleCollateralCustodian, debtID, e.treasury)
	e.registry.GrantScoped(roles.RoleCollateralOwner, debtID, record.Lender)
	e.setState(record, StateAwarded)
	return e.state.LoanPut(record)
}

// Close archives a settled loan. Admin only.
func (e *Engine) Close(caller [20]byte, debtID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.registry.Has(roles.RoleAdmin, caller) {
		return ErrUnauthorized
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if record.State != StatePaid && record.State != StateAwarded {
		return ErrInvalidTransition
	}
	e.setState(record, StateClosed)
	return e.state.LoanPut(record)
}

func (e *Engine) progress(caller [20]byte, debtID uint64, role roles.Role, from, to LoanState) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.registry.Has(role, caller) {
		return ErrUnauthorized
	}
	record, err := e.loadLoan(debtID)
	if err != nil {
		return err
	}
	if record.State != from {
		return ErrInvalidTransition
	}
	e.setState(record, to)
	return e.state.LoanPut(record)
}
