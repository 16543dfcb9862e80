package loan

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Terms is the unpacked form of the single-word loan terms record. Durations
// and grace periods are expressed in days; the expiry deadline is a unix
// timestamp in seconds.
type Terms struct {
	StateCode     uint8  // 4 bits, mirrors the record's lifecycle state
	FIRInterval   uint8  // 4 bits, accrual granularity code
	InterestRate  uint8  // 8 bits, fixed interest percentage
	IsVariable    bool   // 1 bit, fixed/variable rate flag
	GracePeriod   uint32 // 32 bits, days
	Duration      uint32 // 32 bits, days
	CommitalRatio uint8  // 8 bits, percentage of duration
	TermsExpiry   uint64 // 64 bits, unix seconds
	LenderRoyalty uint8  // 8 bits, percentage
}

// Packed word layout, low bits first. The two reference decoders drifted on
// these offsets; this table is the pinned, authoritative layout and both
// directions of the codec read it.
//
//	bits   0..3    state code
//	bits   4..7    FIR interval
//	bits   8..15   fixed interest rate
//	bit    16      variable-rate flag
//	bits  17..47   reserved (zero)
//	bits  48..79   grace period
//	bits  80..111  duration
//	bits 112..119  commital ratio
//	bits 120..183  terms expiry
//	bits 184..191  lender royalty
//	bits 192..255  reserved (zero)
const (
	shiftStateCode     = 0
	shiftFIRInterval   = 4
	shiftInterestRate  = 8
	shiftVariableFlag  = 16
	shiftGracePeriod   = 48
	shiftDuration      = 80
	shiftCommitalRatio = 112
	shiftTermsExpiry   = 120
	shiftLenderRoyalty = 184

	widthStateCode     = 4
	widthFIRInterval   = 4
	widthInterestRate  = 8
	widthVariableFlag  = 1
	widthGracePeriod   = 32
	widthDuration      = 32
	widthCommitalRatio = 8
	widthTermsExpiry   = 64
	widthLenderRoyalty = 8
)

// PackedTerms is the compact 256-bit wire form signed over by borrowers and
// lenders. The codec is total and lossless for all in-range field values.
type PackedTerms = uint256.Int

func maxForWidth(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

func packField(word *uint256.Int, value uint64, shift, width uint, name string) error {
	if value > maxForWidth(width) {
		return fmt.Errorf("%w: %s=%d", ErrFieldOverflow, name, value)
	}
	field := uint256.NewInt(value)
	field.Lsh(field, shift)
	word.Or(word, field)
	return nil
}

func unpackField(word *uint256.Int, shift, width uint) uint64 {
	field := new(uint256.Int).Rsh(word, shift)
	mask := uint256.NewInt(maxForWidth(width))
	field.And(field, mask)
	return field.Uint64()
}

// Pack encodes the terms into a single 256-bit word. Every field is range
// checked against its declared width and no field aliases another's bits.
func Pack(t Terms) (*PackedTerms, error) {
	word := new(uint256.Int)
	variable := uint64(0)
	if t.IsVariable {
		variable = 1
	}
	fields := []struct {
		value uint64
		shift uint
		width uint
		name  string
	}{
		{uint64(t.StateCode), shiftStateCode, widthStateCode, "stateCode"},
		{uint64(t.FIRInterval), shiftFIRInterval, widthFIRInterval, "firInterval"},
		{uint64(t.InterestRate), shiftInterestRate, widthInterestRate, "interestRate"},
		{variable, shiftVariableFlag, widthVariableFlag, "isVariable"},
		{uint64(t.GracePeriod), shiftGracePeriod, widthGracePeriod, "gracePeriod"},
		{uint64(t.Duration), shiftDuration, widthDuration, "duration"},
		{uint64(t.CommitalRatio), shiftCommitalRatio, widthCommitalRatio, "commitalRatio"},
		{t.TermsExpiry, shiftTermsExpiry, widthTermsExpiry, "termsExpiry"},
		{uint64(t.LenderRoyalty), shiftLenderRoyalty, widthLenderRoyalty, "lenderRoyalty"},
	}
	for _, f := range fields {
		if err := packField(word, f.value, f.shift, f.width, f.name); err != nil {
			return nil, err
		}
	}
	return word, nil
}

// Unpack decodes a packed word back into its field tuple. Words carrying
// non-zero reserved bits are rejected so a drifted layout cannot round-trip
// silently.
func Unpack(word *PackedTerms) (Terms, error) {
	if word == nil {
		return Terms{}, fmt.Errorf("loan terms: nil packed word")
	}
	if err := checkReserved(word); err != nil {
		return Terms{}, err
	}
	t := Terms{
		StateCode:     uint8(unpackField(word, shiftStateCode, widthStateCode)),
		FIRInterval:   uint8(unpackField(word, shiftFIRInterval, widthFIRInterval)),
		InterestRate:  uint8(unpackField(word, shiftInterestRate, widthInterestRate)),
		IsVariable:    unpackField(word, shiftVariableFlag, widthVariableFlag) == 1,
		GracePeriod:   uint32(unpackField(word, shiftGracePeriod, widthGracePeriod)),
		Duration:      uint32(unpackField(word, shiftDuration, widthDuration)),
		CommitalRatio: uint8(unpackField(word, shiftCommitalRatio, widthCommitalRatio)),
		TermsExpiry:   unpackField(word, shiftTermsExpiry, widthTermsExpiry),
		LenderRoyalty: uint8(unpackField(word, shiftLenderRoyalty, widthLenderRoyalty)),
	}
	return t, nil
}

func checkReserved(word *uint256.Int) error {
	// bits 17..47
	low := new(uint256.Int).Rsh(word, 17)
	low.And(low, uint256.NewInt((uint64(1)<<31)-1))
	if !low.IsZero() {
		return ErrTermsReservedBits
	}
	// bits 192..255
	high := new(uint256.Int).Rsh(word, 192)
	if !high.IsZero() {
		return ErrTermsReservedBits
	}
	return nil
}
