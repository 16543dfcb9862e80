package rpc

import (
	"net/http"
	"strings"

	"lienchain/native/debttoken"
	"lienchain/observability"
)

type debtTokenIssueParams struct {
	Caller     string `json:"caller"`
	DebtID     uint64 `json:"debtId"`
	Recipient  string `json:"recipient"`
	MetadataID string `json:"metadataId,omitempty"`
}

type debtTokenGetParams struct {
	DebtID uint64 `json:"debtId"`
}

func (s *Server) handleDebtTokenIssue(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params debtTokenIssueParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeBech32(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	recipient := caller
	if strings.TrimSpace(params.Recipient) != "" {
		recipient, err = decodeBech32(params.Recipient)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient", err.Error())
			return
		}
	}
	metadataID := strings.TrimSpace(params.MetadataID)
	if metadataID == "" {
		record, lookupErr := s.engine.GetLoan(params.DebtID)
		if lookupErr != nil {
			writeEngineError(w, req.ID, lookupErr)
			return
		}
		metadataID = debttoken.MetadataID(record)
	}
	token, err := s.tokenizer.Issue(caller, params.DebtID, recipient, metadataID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	observability.Events().RecordIssuance()
	writeResult(w, req.ID, debtTokenResultFromRecord(token))
}

func (s *Server) handleDebtTokenGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params debtTokenGetParams
	if !decodeParams(w, req, &params) {
		return
	}
	token, ok := s.store.DebtTokenGet(params.DebtID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeNotFound, "debt token not found", params.DebtID)
		return
	}
	writeResult(w, req.ID, debtTokenResultFromRecord(token))
}
