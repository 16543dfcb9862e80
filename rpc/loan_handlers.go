package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"lienchain/native/loan"
)

type loanProposeParams struct {
	Caller         string      `json:"caller"`
	CollateralAddr string      `json:"collateralAddr"`
	CollateralID   string      `json:"collateralId"`
	Principal      string      `json:"principal"`
	Terms          TermsResult `json:"terms"`
	Signature      string      `json:"signature"`
}

type loanDebtParams struct {
	Caller string `json:"caller"`
	DebtID uint64 `json:"debtId"`
}

type loanAmountParams struct {
	Caller string `json:"caller"`
	DebtID uint64 `json:"debtId"`
	Amount string `json:"amount"`
}

type loanPaymentParams struct {
	Caller string `json:"caller"`
	Payer  string `json:"payer"`
	DebtID uint64 `json:"debtId"`
	Amount string `json:"amount"`
}

type loanTermChangeParam struct {
	Field string `json:"field"`
	Value uint64 `json:"value"`
}

type loanUpdateTermsParams struct {
	Caller  string                `json:"caller"`
	DebtID  uint64                `json:"debtId"`
	Changes []loanTermChangeParam `json:"changes"`
}

type loanListParams struct {
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type loanStatusResult struct {
	DebtID uint64 `json:"debtId"`
	State  string `json:"state"`
}

type balanceResult struct {
	DebtID  uint64 `json:"debtId"`
	Balance string `json:"balance"`
}

type withdrawResult struct {
	DebtID uint64 `json:"debtId"`
	Amount string `json:"amount"`
}

type accountResult struct {
	Address    string `json:"address"`
	BalanceWei string `json:"balanceWei"`
	Nonce      uint64 `json:"nonce"`
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return false
	}
	return true
}

func (s *Server) handleLoanPropose(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanProposeParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeBech32(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	collateral, err := decodeBech32(params.CollateralAddr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid collateralAddr", err.Error())
		return
	}
	collateralID, err := parseAmount(params.CollateralID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid collateralId", err.Error())
		return
	}
	principal, err := parseAmount(params.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid principal", err.Error())
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Signature), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature encoding", err.Error())
		return
	}
	terms := loan.Terms{
		FIRInterval:   params.Terms.FIRInterval,
		InterestRate:  params.Terms.InterestRate,
		IsVariable:    params.Terms.IsVariable,
		GracePeriod:   params.Terms.GracePeriod,
		Duration:      params.Terms.Duration,
		CommitalRatio: params.Terms.CommitalRatio,
		TermsExpiry:   params.Terms.TermsExpiry,
		LenderRoyalty: params.Terms.LenderRoyalty,
	}
	record, err := s.engine.Propose(caller, collateral, collateralID, principal, terms, sig)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, loanResultFromRecord(record))
}

func (s *Server) handleLoanWithdrawCollateral(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLoanDebtOp(w, req, s.engine.WithdrawCollateral)
}

func (s *Server) handleLoanFund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanAmountParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeBech32(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.Fund(caller, params.DebtID, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	s.writeLoanStatus(w, req.ID, params.DebtID)
}

func (s *Server) handleLoanUpdateBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanDebtParams
	if !decodeParams(w, req, &params) {
		return
	}
	balance, err := s.engine.UpdateBalance(params.DebtID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{DebtID: params.DebtID, Balance: bigString(balance)})
}

func (s *Server) handleLoanMakePayment(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanPaymentParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeBech32(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	payer, err := decodeBech32(params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payer", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.MakePayment(caller, payer, params.DebtID, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	s.writeLoanStatus(w, req.ID, params.DebtID)
}

func (s *Server) handleLoanAssessMaturity(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLoanDebtOp(w, req, s.engine.AssessMaturity)
}

func (s *Server) handleLoanWithdrawFunds(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanDebtParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeBech32(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	amount, err := s.engine.WithdrawFunds(caller, params.DebtID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, withdrawResult{DebtID: params.DebtID, Amount: bigString(amount)})
}

func (s *Server) handleLoanUpdateTerms(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanUpdateTermsParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeBech32(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	changes := make([]loan.TermChange, 0, len(params.Changes))
	for _, change := range params.Changes {
		changes = append(changes, loan.TermChange{Field: change.Field, Value: change.Value})
	}
	if err := s.engine.UpdateTerms(caller, params.DebtID, changes); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	record, err := s.engine.GetLoan(params.DebtID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, loanResultFromRecord(record))
}

func (s *Server) handleLoanStartCollection(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLoanDebtOp(w, req, s.engine.StartCollection)
}

func (s *Server) handleLoanStartAuction(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLoanDebtOp(w, req, s.engine.StartAuction)
}

func (s *Server) handleLoanAward(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLoanDebtOp(w, req, s.engine.Award)
}

func (s *Server) handleLoanClose(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLoanDebtOp(w, req, s.engine.Close)
}

func (s *Server) handleLoanDebtOp(w http.ResponseWriter, req *RPCRequest, fn func([20]byte, uint64) error) {
	var params loanDebtParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeBech32(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	if err := fn(caller, params.DebtID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	s.writeLoanStatus(w, req.ID, params.DebtID)
}

func (s *Server) writeLoanStatus(w http.ResponseWriter, id interface{}, debtID uint64) {
	record, err := s.engine.GetLoan(debtID)
	if err != nil {
		writeEngineError(w, id, err)
		return
	}
	writeResult(w, id, loanStatusResult{DebtID: debtID, State: record.State.String()})
}

func (s *Server) handleLoanGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanDebtParams
	if !decodeParams(w, req, &params) {
		return
	}
	record, err := s.engine.GetLoan(params.DebtID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, loanResultFromRecord(record))
}

func (s *Server) handleLoanList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params := loanListParams{Limit: 100}
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "too many parameters", nil)
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
			return
		}
	}
	if params.Limit <= 0 || params.Limit > 1000 {
		params.Limit = 100
	}
	stateFilter := strings.TrimSpace(params.State)
	results := make([]LoanResult, 0, params.Limit)
	err := s.store.ForEachLoan(func(record *loan.LoanRecord) error {
		if len(results) >= params.Limit {
			return nil
		}
		if stateFilter != "" && record.State.String() != stateFilter {
			return nil
		}
		results = append(results, loanResultFromRecord(record))
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to scan loans", err.Error())
		return
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address parameter required", nil)
		return
	}
	var addrStr string
	if err := json.Unmarshal(req.Params[0], &addrStr); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address parameter", err.Error())
		return
	}
	addr, err := decodeBech32(addrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	account, err := s.store.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load account", err.Error())
		return
	}
	writeResult(w, req.ID, accountResult{
		Address:    addrStr,
		BalanceWei: bigString(account.BalanceWei),
		Nonce:      account.Nonce,
	})
}
