package loan

import "math/big"

// Accrual granularity. Durations and grace periods are expressed in days and
// a year is counted as 365 of them, matching the loan term encoding.
const (
	daysPerYear   = 365
	secondsPerDay = 86_400
)

var accrualDivisor = big.NewInt(daysPerYear * 100)

// accruedInterest returns floor(principal * elapsedDays / 365 * rate / 100)
// computed with a single flooring division so no precision is lost in the
// intermediate products.
func accruedInterest(principal *big.Int, rate uint8, elapsedDays uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rate == 0 || elapsedDays == 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(elapsedDays))
	interest.Mul(interest, big.NewInt(int64(rate)))
	return interest.Quo(interest, accrualDivisor)
}

// elapsedDays converts a pair of unix timestamps into whole elapsed duration
// units, flooring partial days.
func elapsedDays(start, now int64) uint64 {
	if now <= start {
		return 0
	}
	return uint64(now-start) / secondsPerDay
}

// currentBalance recomputes the outstanding balance for a record: simple
// (non-compounding) interest on principal over the elapsed time since loan
// start, less everything repaid so far. Accrual only runs once the loan is
// active; a funded-but-unactivated record owes exactly its principal.
func currentBalance(r *LoanRecord, now int64) *big.Int {
	if r == nil || r.Principal == nil {
		return big.NewInt(0)
	}
	balance := new(big.Int).Set(r.Principal)
	if r.State.Active() || r.State == StateDefault {
		balance.Add(balance, accruedInterest(r.Principal, r.Terms.InterestRate, elapsedDays(r.StartTime, now)))
	}
	if r.PaidTotal != nil {
		balance.Sub(balance, r.PaidTotal)
	}
	if balance.Sign() < 0 {
		balance.SetInt64(0)
	}
	return balance
}
