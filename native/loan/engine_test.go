package loan

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lienchain/core/events"
	"lienchain/core/types"
	"lienchain/native/roles"
)

type mockEngineState struct {
	loans      map[uint64]*LoanRecord
	globals    *Globals
	accounts   map[[20]byte]*types.Account
	tokens     map[uint64]*DebtTokenRecord
	loanPutErr error
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		loans:    make(map[uint64]*LoanRecord),
		accounts: make(map[[20]byte]*types.Account),
		tokens:   make(map[uint64]*DebtTokenRecord),
	}
}

func (m *mockEngineState) LoanGet(debtID uint64) (*LoanRecord, bool) {
	record, ok := m.loans[debtID]
	return record, ok
}

func (m *mockEngineState) LoanPut(record *LoanRecord) error {
	if m.loanPutErr != nil {
		return m.loanPutErr
	}
	m.loans[record.DebtID] = record
	return nil
}

func (m *mockEngineState) GlobalsGet() (*Globals, error) {
	return EnsureGlobals(m.globals), nil
}

func (m *mockEngineState) GlobalsPut(globals *Globals) error {
	m.globals = globals
	return nil
}

func (m *mockEngineState) GetAccount(addr [20]byte) (*types.Account, error) {
	return types.EnsureAccount(m.accounts[addr]), nil
}

func (m *mockEngineState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account
	return nil
}

type custodyKey struct {
	contract [20]byte
	id       string
}

type mockCustody struct {
	owners map[custodyKey][20]byte
}

func newMockCustody() *mockCustody {
	return &mockCustody{owners: make(map[custodyKey][20]byte)}
}

func (m *mockCustody) key(contract [20]byte, tokenID *big.Int) custodyKey {
	return custodyKey{contract: contract, id: tokenID.String()}
}

func (m *mockCustody) set(contract [20]byte, tokenID *big.Int, owner [20]byte) {
	m.owners[m.key(contract, tokenID)] = owner
}

func (m *mockCustody) OwnerOf(contract [20]byte, tokenID *big.Int) ([20]byte, error) {
	owner, ok := m.owners[m.key(contract, tokenID)]
	if !ok {
		return [20]byte{}, errors.New("unknown token")
	}
	return owner, nil
}

func (m *mockCustody) Transfer(contract [20]byte, tokenID *big.Int, from, to [20]byte) error {
	owner, err := m.OwnerOf(contract, tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return errors.New("transfer from non-owner")
	}
	m.owners[m.key(contract, tokenID)] = to
	return nil
}

func makeAddr(suffix byte) [20]byte {
	var addr [20]byte
	addr[19] = suffix
	return addr
}

type testEnv struct {
	engine   *Engine
	state    *mockEngineState
	custody  *mockCustody
	registry *roles.Registry
	recorder *events.Recorder
	treasury [20]byte
	now      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:    newMockEngineState(),
		custody:  newMockCustody(),
		registry: roles.NewRegistry(),
		recorder: &events.Recorder{},
		treasury: makeAddr(0xee),
		now:      1_700_000_000,
	}
	env.engine = NewEngine(env.treasury, env.registry)
	env.engine.SetState(env.state)
	env.engine.SetCustody(env.custody)
	env.engine.SetEmitter(env.recorder)
	env.engine.SetNowFunc(func() int64 { return env.now })
	return env
}

func (env *testEnv) advanceDays(days int64) {
	env.now += days * secondsPerDay
}

func (env *testEnv) fundAccount(addr [20]byte, wei int64) {
	env.state.accounts[addr] = &types.Account{BalanceWei: big.NewInt(wei)}
}

// propose signs terms with a fresh key and submits the proposal, returning
// the borrower address and the new record.
func (env *testEnv) propose(t *testing.T, collateral [20]byte, tokenID, principal *big.Int, terms Terms) ([20]byte, *LoanRecord) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return env.proposeWithKey(t, key, collateral, tokenID, principal, terms)
}

// proposeWithKey submits a proposal signed by the given key, so one borrower
// can hold several loans within a test.
func (env *testEnv) proposeWithKey(t *testing.T, key *ecdsa.PrivateKey, collateral [20]byte, tokenID, principal *big.Int, terms Terms) ([20]byte, *LoanRecord) {
	t.Helper()
	borrower := [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))
	env.custody.set(collateral, tokenID, borrower)

	terms.StateCode = uint8(StateUnsponsored)
	packed, err := Pack(terms)
	if err != nil {
		t.Fatalf("pack terms: %v", err)
	}
	globals, _ := env.state.GlobalsGet()
	nonce := globals.CollateralNonces[NewCollateralKey(collateral, tokenID)] + 1
	digest := ProposalDigest(packed, collateral, tokenID, nonce)
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	record, err := env.engine.Propose(borrower, collateral, tokenID, principal, terms, sig)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return borrower, record
}

func activeTerms() Terms {
	return Terms{
		InterestRate: 10,
		Duration:     360,
		TermsExpiry:  1_900_000_000,
	}
}

func TestProposeTakesCustodyAndGrantsRoles(t *testing.T) {
	env := newTestEnv(t)
	collateral := makeAddr(0x01)
	tokenID := big.NewInt(7445)

	borrower, record := env.propose(t, collateral, tokenID, big.NewInt(1_000_000), activeTerms())

	if record.State != StateUnsponsored {
		t.Fatalf("unexpected state: %s", record.State)
	}
	if record.DebtID != 1 {
		t.Fatalf("unexpected debt id: %d", record.DebtID)
	}
	owner, err := env.custody.OwnerOf(collateral, tokenID)
	if err != nil {
		t.Fatalf("owner of: %v", err)
	}
	if owner != env.treasury {
		t.Fatalf("collateral custody not moved to engine")
	}
	for _, role := range []roles.Role{roles.RoleBorrower, roles.RoleParticipant, roles.RoleCollateralOwner, roles.RoleCollateralApprover} {
		if !env.registry.HasScoped(role, record.DebtID, borrower) {
			t.Fatalf("borrower missing role %s", role.Name())
		}
	}
}

func TestProposeRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	collateral := makeAddr(0x01)
	tokenID := big.NewInt(1)
	caller := makeAddr(0x02)
	env.custody.set(collateral, tokenID, caller)

	_, err := env.engine.Propose(caller, collateral, tokenID, big.NewInt(100), activeTerms(), make([]byte, 65))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestProposeRejectsNonOwner(t *testing.T) {
	env := newTestEnv(t)
	collateral := makeAddr(0x01)
	tokenID := big.NewInt(1)
	env.custody.set(collateral, tokenID, makeAddr(0x03))

	_, err := env.engine.Propose(makeAddr(0x04), collateral, tokenID, big.NewInt(100), activeTerms(), make([]byte, 65))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCollateralNonceIncrementsPerProposal(t *testing.T) {
	env := newTestEnv(t)
	collateral := makeAddr(0x01)
	tokenID := big.NewInt(9)

	borrower, first := env.propose(t, collateral, tokenID, big.NewInt(100), activeTerms())
	if first.CollateralNonce != 1 {
		t.Fatalf("unexpected first nonce: %d", first.CollateralNonce)
	}
	if err := env.engine.WithdrawCollateral(borrower, first.DebtID); err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	_, second := env.propose(t, collateral, tokenID, big.NewInt(100), activeTerms())
	if second.CollateralNonce != 2 {
		t.Fatalf("unexpected second nonce: %d", second.CollateralNonce)
	}
	if second.DebtID == first.DebtID {
		t.Fatalf("debt ids must never be reused")
	}
}

func TestWithdrawCollateralGuards(t *testing.T) {
	env := newTestEnv(t)
	collateral := makeAddr(0x01)
	tokenID := big.NewInt(5)
	borrower, record := env.propose(t, collateral, tokenID, big.NewInt(100), activeTerms())

	if err := env.engine.WithdrawCollateral(makeAddr(0x08), record.DebtID); !errors.Is(err, ErrNotCollateralOwner) {
		t.Fatalf("expected withdrawal authorization failure, got %v", err)
	}

	if err := env.engine.WithdrawCollateral(borrower, record.DebtID); err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	owner, _ := env.custody.OwnerOf(collateral, tokenID)
	if owner != borrower {
		t.Fatalf("collateral not returned to borrower")
	}
	stored := env.state.loans[record.DebtID]
	if stored.State != StateNonleveraged {
		t.Fatalf("unexpected state: %s", stored.State)
	}
	if env.registry.HasScoped(roles.RoleCollateralOwner, record.DebtID, borrower) {
		t.Fatalf("collateral owner role not revoked")
	}

	// Second withdrawal is no longer a valid transition.
	if err := env.engine.WithdrawCollateral(borrower, record.DebtID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestFundActivatesInOneCall(t *testing.T) {
	env := newTestEnv(t)
	collateral := makeAddr(0x01)
	tokenID := big.NewInt(7445)
	principal := big.NewInt(1_000_000)
	borrower, record := env.propose(t, collateral, tokenID, principal, activeTerms())

	lender := makeAddr(0x20)
	env.fundAccount(lender, 2_000_000)

	if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
		t.Fatalf("fund: %v", err)
	}

	stored := env.state.loans[record.DebtID]
	if stored.State != StateActiveOpen {
		t.Fatalf("expected activation in the funding call, got %s", stored.State)
	}
	if stored.Lender != lender {
		t.Fatalf("lender not recorded")
	}
	if stored.Balance.Cmp(principal) != 0 {
		t.Fatalf("unexpected balance: %s", stored.Balance)
	}
	if stored.Credit(borrower).Cmp(principal) != 0 {
		t.Fatalf("borrower principal credit missing")
	}
	if !env.registry.HasScoped(roles.RoleLender, record.DebtID, lender) || !env.registry.HasScoped(roles.RoleParticipant, record.DebtID, lender) {
		t.Fatalf("lender roles not granted")
	}
	if !env.registry.HasScoped(roles.RoleCollateralCustodian, record.DebtID, env.treasury) {
		t.Fatalf("custodian role not granted to engine")
	}

	activations := 0
	for _, evt := range env.recorder.Events() {
		if evt.EventType() == EventTypeActivated {
			activations++
		}
	}
	if activations != 1 {
		t.Fatalf("expected exactly one activation event, got %d", activations)
	}
}

func TestFundRejectsSecondLender(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(500)
	_, record := env.propose(t, makeAddr(0x01), big.NewInt(1), principal, activeTerms())

	lender := makeAddr(0x20)
	env.fundAccount(lender, 1_000)
	if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
		t.Fatalf("fund: %v", err)
	}

	other := makeAddr(0x21)
	env.fundAccount(other, 1_000)
	before := env.state.loans[record.DebtID].Clone()
	err := env.engine.Fund(other, record.DebtID, principal)
	if !errors.Is(err, ErrLenderAlreadySet) {
		t.Fatalf("expected lender-already-set, got %v", err)
	}
	after := env.state.loans[record.DebtID]
	if after.State != before.State || after.Balance.Cmp(before.Balance) != 0 || after.Lender != before.Lender {
		t.Fatalf("failed funding mutated state")
	}
}

func TestFundRequiresExactPrincipal(t *testing.T) {
	env := newTestEnv(t)
	_, record := env.propose(t, makeAddr(0x01), big.NewInt(1), big.NewInt(500), activeTerms())
	lender := makeAddr(0x20)
	env.fundAccount(lender, 1_000)

	if err := env.engine.Fund(lender, record.DebtID, big.NewInt(499)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestActivationSubStates(t *testing.T) {
	cases := []struct {
		name  string
		terms Terms
		want  LoanState
	}{
		{"open", Terms{InterestRate: 5, Duration: 30}, StateActiveOpen},
		{"committed", Terms{InterestRate: 5, Duration: 30, CommitalRatio: 50}, StateActiveCommitted},
		{"grace_open", Terms{InterestRate: 5, Duration: 30, GracePeriod: 7}, StateActiveGraceOpen},
		{"grace_committed", Terms{InterestRate: 5, Duration: 30, GracePeriod: 7, CommitalRatio: 50}, StateActiveGraceCommitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			principal := big.NewInt(100)
			_, record := env.propose(t, makeAddr(0x01), big.NewInt(1), principal, tc.terms)
			lender := makeAddr(0x20)
			env.fundAccount(lender, 100)
			if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
				t.Fatalf("fund: %v", err)
			}
			if got := env.state.loans[record.DebtID].State; got != tc.want {
				t.Fatalf("unexpected active sub-state: got %s want %s", got, tc.want)
			}
		})
	}
}

func TestUpdateTermsAtomicBatch(t *testing.T) {
	env := newTestEnv(t)
	borrower, record := env.propose(t, makeAddr(0x01), big.NewInt(1), big.NewInt(100), activeTerms())

	err := env.engine.UpdateTerms(borrower, record.DebtID, []TermChange{
		{Field: "interestRate", Value: 12},
		{Field: "duration", Value: 720},
	})
	if err != nil {
		t.Fatalf("update terms: %v", err)
	}
	stored := env.state.loans[record.DebtID]
	if stored.Terms.InterestRate != 12 || stored.Terms.Duration != 720 {
		t.Fatalf("terms not applied: %+v", stored.Terms)
	}

	// One bad change rejects the entire batch.
	err = env.engine.UpdateTerms(borrower, record.DebtID, []TermChange{
		{Field: "gracePeriod", Value: 30},
		{Field: "interestRate", Value: 1 << 20},
	})
	if !errors.Is(err, ErrFieldOverflow) {
		t.Fatalf("expected field overflow, got %v", err)
	}
	stored = env.state.loans[record.DebtID]
	if stored.Terms.GracePeriod != 0 || stored.Terms.InterestRate != 12 {
		t.Fatalf("failed batch partially applied: %+v", stored.Terms)
	}

	err = env.engine.UpdateTerms(borrower, record.DebtID, []TermChange{{Field: "apr", Value: 1}})
	if !errors.Is(err, ErrUnknownTermField) {
		t.Fatalf("expected unknown field, got %v", err)
	}
}

func TestUpdateTermsRejectedAfterActivation(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(100)
	borrower, record := env.propose(t, makeAddr(0x01), big.NewInt(1), principal, activeTerms())
	lender := makeAddr(0x20)
	env.fundAccount(lender, 100)
	if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
		t.Fatalf("fund: %v", err)
	}

	err := env.engine.UpdateTerms(borrower, record.DebtID, []TermChange{{Field: "interestRate", Value: 1}})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestWithdrawFundsGuards(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(750)
	borrower, record := env.propose(t, makeAddr(0x01), big.NewInt(1), principal, activeTerms())
	lender := makeAddr(0x20)
	env.fundAccount(lender, 750)
	if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if _, err := env.engine.WithdrawFunds(env.treasury, record.DebtID); !errors.Is(err, ErrSelfWithdrawal) {
		t.Fatalf("expected self-withdrawal rejection, got %v", err)
	}
	if _, err := env.engine.WithdrawFunds(makeAddr(0x33), record.DebtID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	withdrawn, err := env.engine.WithdrawFunds(borrower, record.DebtID)
	if err != nil {
		t.Fatalf("withdraw funds: %v", err)
	}
	if withdrawn.Cmp(principal) != 0 {
		t.Fatalf("unexpected withdrawal: %s", withdrawn)
	}
	acc, _ := env.state.GetAccount(borrower)
	if acc.BalanceWei.Cmp(principal) != 0 {
		t.Fatalf("principal not disbursed: %s", acc.BalanceWei)
	}
	if _, err := env.engine.WithdrawFunds(borrower, record.DebtID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected drained credit, got %v", err)
	}
}

func TestCollectionPathRoleGated(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000)
	_, record := env.propose(t, makeAddr(0x01), big.NewInt(1), principal, activeTerms())
	lender := makeAddr(0x20)
	env.fundAccount(lender, 1_000)
	if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
		t.Fatalf("fund: %v", err)
	}

	treasurer := makeAddr(0x40)
	collector := makeAddr(0x41)
	arbiter := makeAddr(0x42)
	admin := makeAddr(0x43)
	env.registry.Grant(roles.RoleTreasurer, treasurer)
	env.registry.Grant(roles.RoleCollector, collector)
	env.registry.Grant(roles.RoleArbiter, arbiter)
	env.registry.Grant(roles.RoleAdmin, admin)

	env.advanceDays(400)
	if err := env.engine.AssessMaturity(treasurer, record.DebtID); err != nil {
		t.Fatalf("assess maturity: %v", err)
	}
	if env.state.loans[record.DebtID].State != StateDefault {
		t.Fatalf("expected default state")
	}

	if err := env.engine.StartCollection(treasurer, record.DebtID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected collector gate, got %v", err)
	}
	if err := env.engine.StartCollection(collector, record.DebtID); err != nil {
		t.Fatalf("start collection: %v", err)
	}
	if err := env.engine.StartAuction(collector, record.DebtID); err != nil {
		t.Fatalf("start auction: %v", err)
	}
	if err := env.engine.Award(collector, record.DebtID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected arbiter gate, got %v", err)
	}
	if err := env.engine.Award(arbiter, record.DebtID); err != nil {
		t.Fatalf("award: %v", err)
	}
	owner, _ := env.custody.OwnerOf(record.CollateralAddr, record.CollateralID)
	if owner != lender {
		t.Fatalf("collateral not awarded to lender")
	}
	if err := env.engine.Close(admin, record.DebtID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if env.state.loans[record.DebtID].State != StateClosed {
		t.Fatalf("expected closed state")
	}
}

func TestStateChangeEventsCoverEveryTransition(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(100)
	_, record := env.propose(t, makeAddr(0x01), big.NewInt(1), principal, activeTerms())
	lender := makeAddr(0x20)
	env.fundAccount(lender, 100)
	if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
		t.Fatalf("fund: %v", err)
	}

	var transitions [][2]string
	for _, evt := range env.recorder.Events() {
		le, ok := evt.(loanEvent)
		if !ok || le.Event().Type != EventTypeStateChanged {
			continue
		}
		transitions = append(transitions, [2]string{le.Event().Attributes["prevState"], le.Event().Attributes["newState"]})
	}
	want := [][2]string{
		{"UNDEFINED", "UNSPONSORED"},
		{"UNSPONSORED", "FUNDED"},
		{"FUNDED", "ACTIVE_OPEN"},
	}
	if len(transitions) != len(want) {
		t.Fatalf("unexpected transition count: got %d want %d", len(transitions), len(want))
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: got %v want %v", i, transitions[i], want[i])
		}
	}
}

func TestDerivedRolesScopedPerLoan(t *testing.T) {
	env := newTestEnv(t)
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	collateral := makeAddr(0x01)
	borrower, first := env.proposeWithKey(t, key, collateral, big.NewInt(1), big.NewInt(100), activeTerms())
	_, second := env.proposeWithKey(t, key, collateral, big.NewInt(2), big.NewInt(200), activeTerms())

	if err := env.engine.WithdrawCollateral(borrower, first.DebtID); err != nil {
		t.Fatalf("withdraw collateral on first loan: %v", err)
	}

	// The first loan's revocation must not strip the borrower's standing on
	// the second loan.
	if !env.registry.HasScoped(roles.RoleCollateralOwner, second.DebtID, borrower) {
		t.Fatalf("second loan lost collateral owner role")
	}
	if err := env.engine.WithdrawCollateral(borrower, second.DebtID); err != nil {
		t.Fatalf("withdraw collateral on second loan: %v", err)
	}
}

func TestCustodianRoleSurvivesOtherLoanSettlement(t *testing.T) {
	env := newTestEnv(t)
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	collateral := makeAddr(0x01)
	terms := Terms{InterestRate: 0, Duration: 100, TermsExpiry: 1_900_000_000}
	borrower, first := env.proposeWithKey(t, key, collateral, big.NewInt(1), big.NewInt(1_000), terms)
	_, second := env.proposeWithKey(t, key, collateral, big.NewInt(2), big.NewInt(1_000), terms)

	lender := makeAddr(0x20)
	env.fundAccount(lender, 2_000)
	if err := env.engine.Fund(lender, first.DebtID, big.NewInt(1_000)); err != nil {
		t.Fatalf("fund first: %v", err)
	}
	if err := env.engine.Fund(lender, second.DebtID, big.NewInt(1_000)); err != nil {
		t.Fatalf("fund second: %v", err)
	}

	treasurer := makeAddr(0x40)
	env.registry.Grant(roles.RoleTreasurer, treasurer)
	env.fundAccount(borrower, 1_000)
	if err := env.engine.MakePayment(treasurer, borrower, first.DebtID, big.NewInt(1_000)); err != nil {
		t.Fatalf("settle first: %v", err)
	}

	if !env.registry.HasScoped(roles.RoleCollateralCustodian, second.DebtID, env.treasury) {
		t.Fatalf("settling the first loan revoked custody of the second")
	}
	owner, _ := env.custody.OwnerOf(collateral, big.NewInt(2))
	if owner != env.treasury {
		t.Fatalf("second loan's collateral left treasury custody")
	}
}

func TestFundFailureLeavesLenderBalance(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(5_000)
	_, record := env.propose(t, makeAddr(0x01), big.NewInt(9), principal, activeTerms())

	lender := makeAddr(0x20)
	env.fundAccount(lender, 5_000)

	// Custody lookup fails before any wei moves.
	delete(env.custody.owners, env.custody.key(record.CollateralAddr, record.CollateralID))
	if err := env.engine.Fund(lender, record.DebtID, principal); err == nil {
		t.Fatalf("expected funding failure on custody error")
	}

	acc, _ := env.state.GetAccount(lender)
	if acc.BalanceWei.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("failed funding moved lender wei: %s", acc.BalanceWei)
	}
	stored := env.state.loans[record.DebtID]
	if stored.Lender != ([20]byte{}) || stored.State != StateUnsponsored {
		t.Fatalf("failed funding mutated the record")
	}
}

func TestProposeDebtIDNotReusedAfterWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	collateral := makeAddr(0x01)
	tokenID := big.NewInt(3)

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env.state.loanPutErr = errors.New("write failed")
	borrower := [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))
	env.custody.set(collateral, tokenID, borrower)
	terms := activeTerms()
	terms.StateCode = uint8(StateUnsponsored)
	packed, err := Pack(terms)
	if err != nil {
		t.Fatalf("pack terms: %v", err)
	}
	digest := ProposalDigest(packed, collateral, tokenID, 1)
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	if _, err := env.engine.Propose(borrower, collateral, tokenID, big.NewInt(100), terms, sig); err == nil {
		t.Fatalf("expected proposal failure on record write")
	}

	// The counter advanced before the failed write, so the id is burned
	// rather than handed to the next proposal.
	env.state.loanPutErr = nil
	env.custody.set(collateral, tokenID, borrower)
	_, record := env.proposeWithKey(t, key, collateral, tokenID, big.NewInt(100), activeTerms())
	if record.DebtID != 2 {
		t.Fatalf("debt id reused after write failure: got %d", record.DebtID)
	}
	if len(env.state.loans) != 1 {
		t.Fatalf("unexpected record count: %d", len(env.state.loans))
	}
}

func TestSettlementCustodyFailureLeavesPayerBalance(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(2_000)
	borrower, _, record := fundedLoan(t, env, principal, Terms{InterestRate: 0, Duration: 100, TermsExpiry: 1_900_000_000})

	treasurer := makeAddr(0x40)
	env.registry.Grant(roles.RoleTreasurer, treasurer)
	env.fundAccount(borrower, 2_000)

	// Collateral vanished from treasury custody: the settling payment must
	// fail without debiting the payer or touching the record.
	env.custody.set(record.CollateralAddr, record.CollateralID, makeAddr(0x99))
	if err := env.engine.MakePayment(treasurer, borrower, record.DebtID, principal); err == nil {
		t.Fatalf("expected payment failure on custody error")
	}

	acc, _ := env.state.GetAccount(borrower)
	if acc.BalanceWei.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("failed payment moved payer wei: %s", acc.BalanceWei)
	}
	stored := env.state.loans[record.DebtID]
	if stored.Balance.Cmp(principal) != 0 || stored.State != StateActiveOpen {
		t.Fatalf("failed payment mutated the record")
	}
}

func TestFundRepullsWithdrawnCollateral(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000)
	borrower, record := env.propose(t, makeAddr(0x01), big.NewInt(5), principal, activeTerms())
	if err := env.engine.WithdrawCollateral(borrower, record.DebtID); err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}

	lender := makeAddr(0x20)
	env.fundAccount(lender, 1_000)
	if err := env.engine.Fund(lender, record.DebtID, principal); err != nil {
		t.Fatalf("fund withdrawn proposal: %v", err)
	}

	owner, _ := env.custody.OwnerOf(record.CollateralAddr, record.CollateralID)
	if owner != env.treasury {
		t.Fatalf("collateral not pulled back into treasury custody")
	}
	stored := env.state.loans[record.DebtID]
	if stored.State != StateActiveOpen {
		t.Fatalf("re-custodied loan did not activate: %s", stored.State)
	}
	if !env.registry.HasScoped(roles.RoleCollateralOwner, record.DebtID, borrower) {
		t.Fatalf("borrower roles not restored on re-custody")
	}
}

func TestFundRejectsDispersedCollateral(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(1_000)
	borrower, record := env.propose(t, makeAddr(0x01), big.NewInt(6), principal, activeTerms())
	if err := env.engine.WithdrawCollateral(borrower, record.DebtID); err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	// The borrower sold the collateral after withdrawing it.
	env.custody.set(record.CollateralAddr, record.CollateralID, makeAddr(0x77))

	lender := makeAddr(0x20)
	env.fundAccount(lender, 1_000)
	err := env.engine.Fund(lender, record.DebtID, principal)
	if !errors.Is(err, ErrCollateralUnavailable) {
		t.Fatalf("expected collateral unavailable, got %v", err)
	}
	acc, _ := env.state.GetAccount(lender)
	if acc.BalanceWei.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("rejected funding moved lender wei: %s", acc.BalanceWei)
	}
}

func TestPackedStateCodeTracksLifecycle(t *testing.T) {
	env := newTestEnv(t)
	principal := big.NewInt(500)
	borrower, _, record := fundedLoan(t, env, principal, Terms{InterestRate: 0, Duration: 100, TermsExpiry: 1_900_000_000})

	stored := env.state.loans[record.DebtID]
	if stored.Terms.StateCode != uint8(StateActiveOpen) {
		t.Fatalf("packed state code stale after activation: %d", stored.Terms.StateCode)
	}

	treasurer := makeAddr(0x40)
	env.registry.Grant(roles.RoleTreasurer, treasurer)
	env.fundAccount(borrower, 500)
	if err := env.engine.MakePayment(treasurer, borrower, record.DebtID, principal); err != nil {
		t.Fatalf("make payment: %v", err)
	}
	stored = env.state.loans[record.DebtID]
	if stored.Terms.StateCode != uint8(StatePaid) {
		t.Fatalf("packed state code stale after settlement: %d", stored.Terms.StateCode)
	}
	unpacked, err := Unpack(mustPack(t, stored.Terms))
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if unpacked.StateCode != uint8(StatePaid) {
		t.Fatalf("round-tripped state code mismatch: %d", unpacked.StateCode)
	}
}

func mustPack(t *testing.T, terms Terms) *PackedTerms {
	t.Helper()
	packed, err := Pack(terms)
	if err != nil {
		t.Fatalf("pack terms: %v", err)
	}
	return packed
}
