package loan

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ProposalDigest derives the 32-byte digest a borrower or lender signs when
// submitting terms for a specific collateral pair. The collateral nonce binds
// the signature to one proposal generation, so a withdrawn-and-reproposed
// collateral invalidates all earlier signatures.
func ProposalDigest(packed *PackedTerms, collateralAddr [20]byte, collateralID *big.Int, nonce uint64) [32]byte {
	termsBytes := packed.Bytes32()
	idBytes := make([]byte, 32)
	if collateralID != nil {
		collateralID.FillBytes(idBytes)
	}
	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, nonce)
	return ethcrypto.Keccak256Hash(termsBytes[:], collateralAddr[:], idBytes, nonceBytes)
}

// VerifyProposalSig recovers the signer of a 65-byte secp256k1 signature over
// the proposal digest and checks it against the expected address.
func VerifyProposalSig(digest [32]byte, sig []byte, expected [20]byte) error {
	if len(sig) != 65 {
		return ErrBadSignature
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return ErrBadSignature
	}
	if [20]byte(ethcrypto.PubkeyToAddress(*pub)) != expected {
		return ErrBadSignature
	}
	return nil
}
