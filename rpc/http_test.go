package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"lienchain/core/types"
	"lienchain/native/debttoken"
	"lienchain/native/loan"
	"lienchain/native/roles"
	"lienchain/storage"
)

var testSecret = []byte("rpc-test-secret")

type testRig struct {
	server     *Server
	http       *httptest.Server
	store      *storage.Store
	custody    *storage.CustodyLedger
	registry   *roles.Registry
	engine     *loan.Engine
	token      string
	borrower   [20]byte
	lender     [20]byte
	treasurer  [20]byte
	treasury   [20]byte
	signDigest func([32]byte) []byte
}

func newTestRig(t *testing.T) (*testRig, func()) {
	t.Helper()
	db := storage.NewMemDB()
	store := storage.NewStore(db)
	custody := storage.NewCustodyLedger(db)
	registry := roles.NewRegistry()

	var treasury, lender, treasurer [20]byte
	treasury[19] = 0xee
	lender[19] = 0x02
	treasurer[19] = 0x03
	registry.Grant(roles.RoleTreasurer, treasurer)

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	borrower := [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))

	now := int64(1_700_000_000)
	engine := loan.NewEngine(treasury, registry)
	engine.SetState(store)
	engine.SetCustody(custody)
	engine.SetNowFunc(func() int64 { return now })

	tokenizer := debttoken.NewTokenizer(registry)
	tokenizer.SetState(store)
	var tokenContract [20]byte
	tokenContract[19] = 0xaa
	tokenizer.SetTokenContract(tokenContract)
	tokenizer.SetBaseURI("ipfs://")
	tokenizer.SetClockFunc(func() int64 { return now })

	hub := NewEventHub()
	engine.SetEmitter(hub)
	tokenizer.SetEmitter(hub)

	server := NewServer(engine, tokenizer, store, hub, nil, testSecret, 10_000)
	ts := httptest.NewServer(server.Router())

	bearer, err := IssueToken(testSecret, "ops", 3600, time.Now().Unix())
	require.NoError(t, err)

	// Seed collateral custody and the lender's wei balance.
	collateral := collateralContract()
	require.NoError(t, custody.Register(collateral, big.NewInt(7445), borrower))
	require.NoError(t, store.PutAccount(lender, &types.Account{BalanceWei: big.NewInt(800_000_000_000_000)}))

	rig := &testRig{
		server:    server,
		http:      ts,
		store:     store,
		custody:   custody,
		registry:  registry,
		engine:    engine,
		token:     bearer,
		borrower:  borrower,
		lender:    lender,
		treasurer: treasurer,
		treasury:  treasury,
	}
	rig.signDigest = func(digest [32]byte) []byte {
		sig, err := ethcrypto.Sign(digest[:], key)
		require.NoError(t, err)
		return sig
	}
	return rig, ts.Close
}

func collateralContract() [20]byte {
	var c [20]byte
	c[19] = 0x33
	return c
}

func (r *testRig) call(t *testing.T, bearer, method string, params interface{}) (*http.Response, RPCResponse) {
	t.Helper()
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		require.NoError(t, err)
		rawParams = []json.RawMessage{encoded}
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, r.http.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var envelope RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func decodeResult(t *testing.T, envelope RPCResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(envelope.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func activeTermsParam() TermsResult {
	return TermsResult{
		InterestRate: 10,
		Duration:     360,
		TermsExpiry:  1_900_000_000,
	}
}

func (r *testRig) propose(t *testing.T) LoanResult {
	t.Helper()
	terms := loan.Terms{
		InterestRate: 10,
		Duration:     360,
		TermsExpiry:  1_900_000_000,
		StateCode:    uint8(loan.StateUnsponsored),
	}
	packed, err := loan.Pack(terms)
	require.NoError(t, err)
	digest := loan.ProposalDigest(packed, collateralContract(), big.NewInt(7445), 1)
	sig := r.signDigest(digest)

	params := loanProposeParams{
		Caller:         encodeBech32(r.borrower),
		CollateralAddr: encodeBech32(collateralContract()),
		CollateralID:   "7445",
		Principal:      "800000000000000",
		Terms:          activeTermsParam(),
		Signature:      hex.EncodeToString(sig),
	}
	resp, envelope := r.call(t, r.token, "loan_propose", params)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var result LoanResult
	decodeResult(t, envelope, &result)
	return result
}

func TestLifecycleOverRPC(t *testing.T) {
	rig, done := newTestRig(t)
	defer done()

	created := rig.propose(t)
	require.Equal(t, "UNSPONSORED", created.State)
	require.Equal(t, encodeBech32(rig.borrower), created.Borrower)

	// Fund activates in the same call since collateral is already custodied.
	resp, envelope := rig.call(t, rig.token, "loan_fund", loanAmountParams{
		Caller: encodeBech32(rig.lender),
		DebtID: created.DebtID,
		Amount: "800000000000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var status loanStatusResult
	decodeResult(t, envelope, &status)
	require.Equal(t, "ACTIVE_OPEN", status.State)

	// The borrower draws down the credited principal and repays immediately.
	resp, envelope = rig.call(t, rig.token, "loan_withdrawFunds", loanDebtParams{
		Caller: encodeBech32(rig.borrower),
		DebtID: created.DebtID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)

	resp, envelope = rig.call(t, rig.token, "loan_makePayment", loanPaymentParams{
		Caller: encodeBech32(rig.treasurer),
		Payer:  encodeBech32(rig.borrower),
		DebtID: created.DebtID,
		Amount: "800000000000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	decodeResult(t, envelope, &status)
	require.Equal(t, "PAID", status.State)

	// Either participant may mint the receipt token once the loan settles.
	resp, envelope = rig.call(t, rig.token, "debttoken_issue", debtTokenIssueParams{
		Caller: encodeBech32(rig.lender),
		DebtID: created.DebtID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var token DebtTokenResult
	decodeResult(t, envelope, &token)
	require.Equal(t, created.DebtID, token.TokenID)
	require.Equal(t, "800000000000000", token.Quantity)

	resp, envelope = rig.call(t, "", "loan_get", loanDebtParams{DebtID: created.DebtID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var final LoanResult
	decodeResult(t, envelope, &final)
	require.Equal(t, "PAID", final.State)
	require.True(t, final.DebtTokenIssued)
}

func TestMutatingMethodsRequireAuth(t *testing.T) {
	rig, done := newTestRig(t)
	defer done()

	resp, envelope := rig.call(t, "", "loan_fund", loanAmountParams{
		Caller: encodeBech32(rig.lender),
		DebtID: 1,
		Amount: "1",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeUnauthorized, envelope.Error.Code)

	resp, envelope = rig.call(t, "garbage-token", "loan_fund", loanAmountParams{
		Caller: encodeBech32(rig.lender),
		DebtID: 1,
		Amount: "1",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, envelope.Error)
}

func TestUnknownMethodRejected(t *testing.T) {
	rig, done := newTestRig(t)
	defer done()

	resp, envelope := rig.call(t, "", "loan_teleport", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeMethodNotFound, envelope.Error.Code)
}

func TestLoanGetUnknownDebt(t *testing.T) {
	rig, done := newTestRig(t)
	defer done()

	resp, envelope := rig.call(t, "", "loan_get", loanDebtParams{DebtID: 404})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeNotFound, envelope.Error.Code)
}

func TestEventHubFanOut(t *testing.T) {
	rig, done := newTestRig(t)
	defer done()

	sub := rig.server.hub.subscribe()
	defer rig.server.hub.unsubscribe(sub)

	rig.propose(t)

	var seen []string
	for len(sub) > 0 {
		seen = append(seen, (<-sub).Type)
	}
	require.Contains(t, seen, loan.EventTypeLoanCreated)
	require.Contains(t, seen, loan.EventTypeStateChanged)
}

func TestLoanListFiltersByState(t *testing.T) {
	rig, done := newTestRig(t)
	defer done()

	created := rig.propose(t)

	resp, envelope := rig.call(t, "", "loan_list", loanListParams{State: "UNSPONSORED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []LoanResult
	decodeResult(t, envelope, &results)
	require.Len(t, results, 1)
	require.Equal(t, created.DebtID, results[0].DebtID)

	resp, envelope = rig.call(t, "", "loan_list", loanListParams{State: "PAID"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResult(t, envelope, &results)
	require.Empty(t, results)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	rig, done := newTestRig(t)
	defer done()

	resp, err := http.Get(rig.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(rig.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
