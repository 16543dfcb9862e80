package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const prefixCustody = "custody/"

var (
	ErrTokenUnknown   = errors.New("storage: collateral token not registered")
	ErrWrongCustodian = errors.New("storage: transfer from non-owner")
)

// CustodyLedger is a minimal ownership ledger standing in for the external
// collateral token contract. It only answers who controls a token and moves
// it between the borrower and the engine treasury.
type CustodyLedger struct {
	db Database
}

// NewCustodyLedger wraps a key-value database in a custody ledger.
func NewCustodyLedger(db Database) *CustodyLedger {
	return &CustodyLedger{db: db}
}

func custodyKey(contract [20]byte, tokenID *big.Int) []byte {
	id := "0"
	if tokenID != nil {
		id = tokenID.String()
	}
	return []byte(prefixCustody + hex.EncodeToString(contract[:]) + "/" + id)
}

// Register records the initial owner of a collateral token.
func (c *CustodyLedger) Register(contract [20]byte, tokenID *big.Int, owner [20]byte) error {
	return c.db.Put(custodyKey(contract, tokenID), owner[:])
}

// OwnerOf returns the current controller of the token.
func (c *CustodyLedger) OwnerOf(contract [20]byte, tokenID *big.Int) ([20]byte, error) {
	var owner [20]byte
	raw, err := c.db.Get(custodyKey(contract, tokenID))
	if errors.Is(err, ErrNotFound) {
		return owner, ErrTokenUnknown
	}
	if err != nil {
		return owner, err
	}
	if len(raw) != 20 {
		return owner, fmt.Errorf("storage: bad owner record length %d", len(raw))
	}
	copy(owner[:], raw)
	return owner, nil
}

// Transfer moves the token between parties, failing unless from is the
// current owner.
func (c *CustodyLedger) Transfer(contract [20]byte, tokenID *big.Int, from, to [20]byte) error {
	owner, err := c.OwnerOf(contract, tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return ErrWrongCustodian
	}
	return c.db.Put(custodyKey(contract, tokenID), to[:])
}
