package types

import "math/big"

// Account tracks the native balance and replay nonce for a single address.
// Balances are denominated in wei and kept as big integers so ledger
// arithmetic never loses precision.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceWei *big.Int `json:"balanceWei"`
}

// EnsureAccount normalises a possibly-nil account into a usable value with a
// non-nil balance.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{BalanceWei: big.NewInt(0)}
	}
	if acc.BalanceWei == nil {
		acc.BalanceWei = big.NewInt(0)
	}
	return acc
}
