package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"lienchain/core/types"
	"lienchain/native/loan"
)

// Key prefixes for the persisted record families. Debt ids are zero padded so
// prefix walks visit loans in id order.
const (
	prefixLoan    = "loan/"
	prefixAccount = "acct/"
	prefixToken   = "debttoken/"
	keyGlobals    = "globals"
)

// Store is the typed loan-record store persisted on a key-value backend. It
// satisfies the narrow state interfaces the lifecycle engine and debt
// tokenizer operate through.
type Store struct {
	db Database
}

// NewStore wraps a key-value database in the typed store.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

// Close releases the underlying database.
func (s *Store) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

func loanKey(debtID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixLoan, debtID))
}

func accountKey(addr [20]byte) []byte {
	return []byte(prefixAccount + hex.EncodeToString(addr[:]))
}

func tokenKey(debtID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixToken, debtID))
}

// storedLoan is the wire form of a loan record: fixed-size byte arrays and
// struct-keyed maps flattened into encodable fields.
type storedLoan struct {
	DebtID          uint64              `json:"debtId"`
	Borrower        string              `json:"borrower"`
	Lender          string              `json:"lender"`
	CollateralAddr  string              `json:"collateralAddr"`
	CollateralID    *big.Int            `json:"collateralId"`
	CollateralNonce uint64              `json:"collateralNonce"`
	Terms           loan.Terms          `json:"terms"`
	Principal       *big.Int            `json:"principal"`
	Balance         *big.Int            `json:"balance"`
	PaidTotal       *big.Int            `json:"paidTotal"`
	StartTime       int64               `json:"startTime"`
	CommitTime      int64               `json:"commitTime"`
	CreatedAt       int64               `json:"createdAt"`
	State           uint8               `json:"state"`
	DebtTokenIssued bool                `json:"debtTokenIssued"`
	Credits         map[string]*big.Int `json:"credits,omitempty"`
}

func encodeAddr(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func decodeAddr(s string) ([20]byte, error) {
	var out [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("storage: bad address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("storage: bad address length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func toStoredLoan(r *loan.LoanRecord) *storedLoan {
	stored := &storedLoan{
		DebtID:          r.DebtID,
		Borrower:        encodeAddr(r.Borrower),
		Lender:          encodeAddr(r.Lender),
		CollateralAddr:  encodeAddr(r.CollateralAddr),
		CollateralID:    r.CollateralID,
		CollateralNonce: r.CollateralNonce,
		Terms:           r.Terms,
		Principal:       r.Principal,
		Balance:         r.Balance,
		PaidTotal:       r.PaidTotal,
		StartTime:       r.StartTime,
		CommitTime:      r.CommitTime,
		CreatedAt:       r.CreatedAt,
		State:           uint8(r.State),
		DebtTokenIssued: r.DebtTokenIssued,
	}
	if len(r.Credits) > 0 {
		stored.Credits = make(map[string]*big.Int, len(r.Credits))
		for addr, amt := range r.Credits {
			stored.Credits[encodeAddr(addr)] = amt
		}
	}
	return stored
}

func fromStoredLoan(stored *storedLoan) (*loan.LoanRecord, error) {
	borrower, err := decodeAddr(stored.Borrower)
	if err != nil {
		return nil, err
	}
	lender, err := decodeAddr(stored.Lender)
	if err != nil {
		return nil, err
	}
	collateral, err := decodeAddr(stored.CollateralAddr)
	if err != nil {
		return nil, err
	}
	record := &loan.LoanRecord{
		DebtID:          stored.DebtID,
		Borrower:        borrower,
		Lender:          lender,
		CollateralAddr:  collateral,
		CollateralID:    stored.CollateralID,
		CollateralNonce: stored.CollateralNonce,
		Terms:           stored.Terms,
		Principal:       stored.Principal,
		Balance:         stored.Balance,
		PaidTotal:       stored.PaidTotal,
		StartTime:       stored.StartTime,
		CommitTime:      stored.CommitTime,
		CreatedAt:       stored.CreatedAt,
		State:           loan.LoanState(stored.State),
		DebtTokenIssued: stored.DebtTokenIssued,
		Credits:         make(map[[20]byte]*big.Int, len(stored.Credits)),
	}
	for key, amt := range stored.Credits {
		addr, err := decodeAddr(key)
		if err != nil {
			return nil, err
		}
		record.Credits[addr] = amt
	}
	return record, nil
}

// LoanGet loads one loan record by debt id.
func (s *Store) LoanGet(debtID uint64) (*loan.LoanRecord, bool) {
	raw, err := s.db.Get(loanKey(debtID))
	if err != nil {
		return nil, false
	}
	stored := &storedLoan{}
	if err := json.Unmarshal(raw, stored); err != nil {
		return nil, false
	}
	record, err := fromStoredLoan(stored)
	if err != nil {
		return nil, false
	}
	return record, true
}

// LoanPut persists a loan record.
func (s *Store) LoanPut(record *loan.LoanRecord) error {
	if record == nil {
		return fmt.Errorf("storage: nil loan record")
	}
	raw, err := json.Marshal(toStoredLoan(record))
	if err != nil {
		return err
	}
	return s.db.Put(loanKey(record.DebtID), raw)
}

// ForEachLoan visits every persisted loan in debt-id order.
func (s *Store) ForEachLoan(fn func(*loan.LoanRecord) error) error {
	return s.db.ForEachPrefix([]byte(prefixLoan), func(_, value []byte) error {
		stored := &storedLoan{}
		if err := json.Unmarshal(value, stored); err != nil {
			return err
		}
		record, err := fromStoredLoan(stored)
		if err != nil {
			return err
		}
		return fn(record)
	})
}

type storedGlobals struct {
	NextDebtID       uint64            `json:"nextDebtId"`
	CollateralNonces map[string]uint64 `json:"collateralNonces,omitempty"`
}

func nonceKey(key loan.CollateralKey) string {
	return encodeAddr(key.Contract) + "/" + key.TokenID
}

func parseNonceKey(s string) (loan.CollateralKey, error) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return loan.CollateralKey{}, fmt.Errorf("storage: bad nonce key %q", s)
	}
	contract, err := decodeAddr(s[:idx])
	if err != nil {
		return loan.CollateralKey{}, err
	}
	return loan.CollateralKey{Contract: contract, TokenID: s[idx+1:]}, nil
}

// GlobalsGet loads the cross-loan counters, returning fresh defaults when the
// store is empty.
func (s *Store) GlobalsGet() (*loan.Globals, error) {
	raw, err := s.db.Get([]byte(keyGlobals))
	if errors.Is(err, ErrNotFound) {
		return loan.EnsureGlobals(nil), nil
	}
	if err != nil {
		return nil, err
	}
	stored := &storedGlobals{}
	if err := json.Unmarshal(raw, stored); err != nil {
		return nil, err
	}
	globals := &loan.Globals{
		NextDebtID:       stored.NextDebtID,
		CollateralNonces: make(map[loan.CollateralKey]uint64, len(stored.CollateralNonces)),
	}
	for key, nonce := range stored.CollateralNonces {
		parsed, err := parseNonceKey(key)
		if err != nil {
			return nil, err
		}
		globals.CollateralNonces[parsed] = nonce
	}
	return loan.EnsureGlobals(globals), nil
}

// GlobalsPut persists the cross-loan counters.
func (s *Store) GlobalsPut(globals *loan.Globals) error {
	globals = loan.EnsureGlobals(globals)
	stored := &storedGlobals{
		NextDebtID:       globals.NextDebtID,
		CollateralNonces: make(map[string]uint64, len(globals.CollateralNonces)),
	}
	for key, nonce := range globals.CollateralNonces {
		stored.CollateralNonces[nonceKey(key)] = nonce
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(keyGlobals), raw)
}

// GetAccount loads the wei account for addr, returning an empty account when
// none has been stored yet.
func (s *Store) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, err := s.db.Get(accountKey(addr))
	if errors.Is(err, ErrNotFound) {
		return types.EnsureAccount(nil), nil
	}
	if err != nil {
		return nil, err
	}
	account := &types.Account{}
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, err
	}
	return types.EnsureAccount(account), nil
}

// PutAccount persists the wei account for addr.
func (s *Store) PutAccount(addr [20]byte, account *types.Account) error {
	raw, err := json.Marshal(types.EnsureAccount(account))
	if err != nil {
		return err
	}
	return s.db.Put(accountKey(addr), raw)
}

type storedToken struct {
	TokenContract string   `json:"tokenContract"`
	TokenID       uint64   `json:"tokenId"`
	Quantity      *big.Int `json:"quantity"`
	URI           string   `json:"uri"`
	Recipient     string   `json:"recipient"`
	IssuedAt      int64    `json:"issuedAt"`
}

// DebtTokenGet loads the receipt-token record for a debt id.
func (s *Store) DebtTokenGet(debtID uint64) (*loan.DebtTokenRecord, bool) {
	raw, err := s.db.Get(tokenKey(debtID))
	if err != nil {
		return nil, false
	}
	stored := &storedToken{}
	if err := json.Unmarshal(raw, stored); err != nil {
		return nil, false
	}
	contract, err := decodeAddr(stored.TokenContract)
	if err != nil {
		return nil, false
	}
	recipient, err := decodeAddr(stored.Recipient)
	if err != nil {
		return nil, false
	}
	return &loan.DebtTokenRecord{
		TokenContract: contract,
		TokenID:       stored.TokenID,
		Quantity:      stored.Quantity,
		URI:           stored.URI,
		Recipient:     recipient,
		IssuedAt:      stored.IssuedAt,
	}, true
}

// DebtTokenPut persists a receipt-token record. Records are immutable after
// creation; the tokenizer enforces the one-per-debt invariant.
func (s *Store) DebtTokenPut(debtID uint64, record *loan.DebtTokenRecord) error {
	if record == nil {
		return fmt.Errorf("storage: nil debt token record")
	}
	stored := &storedToken{
		TokenContract: encodeAddr(record.TokenContract),
		TokenID:       record.TokenID,
		Quantity:      record.Quantity,
		URI:           record.URI,
		Recipient:     encodeAddr(record.Recipient),
		IssuedAt:      record.IssuedAt,
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Put(tokenKey(debtID), raw)
}
