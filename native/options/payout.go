package options

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Exponents outside this window cannot produce a positive integer price that
// fits in a uint64 from an int64 mantissa.
const (
	minResolvableExpo = -18
	maxResolvableExpo = 19
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// ResolvePrice derives the integer price mantissa × 10^expo, truncated toward
// zero. ok is false when the value is not strictly positive or does not fit in
// a uint64.
func ResolvePrice(sample PriceSample) (price uint64, ok bool) {
	if sample.Price <= 0 {
		return 0, false
	}
	if sample.Expo < minResolvableExpo || sample.Expo > maxResolvableExpo {
		return 0, false
	}
	value := big.NewInt(sample.Price)
	if sample.Expo >= 0 {
		value.Mul(value, pow10(sample.Expo))
	} else {
		value.Quo(value, pow10(-sample.Expo))
	}
	if value.Sign() <= 0 || value.Cmp(maxUint64) > 0 {
		return 0, false
	}
	return value.Uint64(), true
}

func pow10(exp int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// ResolveWinner applies the settlement rule: the creator wins only when the
// resolved price is positive and exactly equals the strike; every other
// outcome goes to the taker. The creator's position does not enter the rule.
func ResolveWinner(esc *Escrow, sample PriceSample) (winner common.Address, price uint64) {
	price, ok := ResolvePrice(sample)
	if ok && price == esc.StrikePrice {
		return esc.Creator, price
	}
	return esc.Taker, price
}

// ComputePayout returns stakeCreator + stakeTaker - fee. The fee must be
// strictly lower than the pool.
func ComputePayout(stakeCreator, stakeTaker, fee uint64) (uint64, error) {
	pool := new(uint256.Int).Add(uint256.NewInt(stakeCreator), uint256.NewInt(stakeTaker))
	feeValue := uint256.NewInt(fee)
	if !feeValue.Lt(pool) {
		return 0, ErrFeeExceedsPool
	}
	payout, underflow := new(uint256.Int).SubOverflow(pool, feeValue)
	if underflow || !payout.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return payout.Uint64(), nil
}
