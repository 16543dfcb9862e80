package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"lienchain/crypto"
	"lienchain/native/loan"
)

// LoanResult summarises a loan record for RPC consumers.
type LoanResult struct {
	DebtID          uint64            `json:"debtId"`
	State           string            `json:"state"`
	Borrower        string            `json:"borrower"`
	Lender          string            `json:"lender,omitempty"`
	CollateralAddr  string            `json:"collateralAddr"`
	CollateralID    string            `json:"collateralId"`
	Principal       string            `json:"principal"`
	Balance         string            `json:"balance"`
	PaidTotal       string            `json:"paidTotal"`
	StartTime       int64             `json:"startTime,omitempty"`
	CommitTime      int64             `json:"commitTime,omitempty"`
	CreatedAt       int64             `json:"createdAt"`
	Terms           TermsResult       `json:"terms"`
	DebtTokenIssued bool              `json:"debtTokenIssued"`
	Credits         map[string]string `json:"credits,omitempty"`
}

// TermsResult is the decoded terms word.
type TermsResult struct {
	FIRInterval   uint8  `json:"firInterval"`
	InterestRate  uint8  `json:"interestRate"`
	IsVariable    bool   `json:"isVariable"`
	GracePeriod   uint32 `json:"gracePeriod"`
	Duration      uint32 `json:"duration"`
	CommitalRatio uint8  `json:"commitalRatio"`
	TermsExpiry   uint64 `json:"termsExpiry"`
	LenderRoyalty uint8  `json:"lenderRoyalty"`
}

// DebtTokenResult summarises an issued receipt token.
type DebtTokenResult struct {
	TokenContract string `json:"tokenContract"`
	TokenID       uint64 `json:"tokenId"`
	Quantity      string `json:"quantity"`
	URI           string `json:"uri"`
	Recipient     string `json:"recipient"`
	IssuedAt      int64  `json:"issuedAt"`
}

func encodeBech32(addr [20]byte) string {
	return crypto.NewAddress(crypto.LienPrefix, addr[:]).String()
}

func decodeBech32(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseAmount converts a base-10 amount string into a positive big integer.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func loanResultFromRecord(record *loan.LoanRecord) LoanResult {
	result := LoanResult{
		DebtID:          record.DebtID,
		State:           record.State.String(),
		Borrower:        encodeBech32(record.Borrower),
		CollateralAddr:  encodeBech32(record.CollateralAddr),
		CollateralID:    bigString(record.CollateralID),
		Principal:       bigString(record.Principal),
		Balance:         bigString(record.Balance),
		PaidTotal:       bigString(record.PaidTotal),
		StartTime:       record.StartTime,
		CommitTime:      record.CommitTime,
		CreatedAt:       record.CreatedAt,
		DebtTokenIssued: record.DebtTokenIssued,
		Terms: TermsResult{
			FIRInterval:   record.Terms.FIRInterval,
			InterestRate:  record.Terms.InterestRate,
			IsVariable:    record.Terms.IsVariable,
			GracePeriod:   record.Terms.GracePeriod,
			Duration:      record.Terms.Duration,
			CommitalRatio: record.Terms.CommitalRatio,
			TermsExpiry:   record.Terms.TermsExpiry,
			LenderRoyalty: record.Terms.LenderRoyalty,
		},
	}
	if record.Lender != ([20]byte{}) {
		result.Lender = encodeBech32(record.Lender)
	}
	if len(record.Credits) > 0 {
		result.Credits = make(map[string]string, len(record.Credits))
		for addr, amount := range record.Credits {
			result.Credits[encodeBech32(addr)] = bigString(amount)
		}
	}
	return result
}

func debtTokenResultFromRecord(token *loan.DebtTokenRecord) DebtTokenResult {
	return DebtTokenResult{
		TokenContract: encodeBech32(token.TokenContract),
		TokenID:       token.TokenID,
		Quantity:      bigString(token.Quantity),
		URI:           token.URI,
		Recipient:     encodeBech32(token.Recipient),
		IssuedAt:      token.IssuedAt,
	}
}
