/*
This file contains conversion helpers between raw on-chain integer amounts
and decimal values, used wherever token quantities are valued in USD.
*/

package utils

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrInvalidDecimals = errors.New("token decimals are invalid")
	ErrAmountNil       = errors.New("amount is nil")
	ErrAmountNegative  = errors.New("amount is negative")
)

// AmountToDec converts a raw token amount in smallest units to a decimal
// token quantity (e.g. 1500000 with 6 decimals -> 1.5).
func AmountToDec(amount *big.Int, decimals int) (sdkmath.LegacyDec, error) {
	if decimals < 0 || decimals > 18 {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidDecimals, decimals)
	}
	if amount == nil {
		return sdkmath.LegacyDec{}, ErrAmountNil
	}
	if amount.Sign() < 0 {
		return sdkmath.LegacyDec{}, ErrAmountNegative
	}

	dec := sdkmath.LegacyNewDecFromBigInt(amount)
	return dec.Quo(pow10(decimals)), nil
}

// DecToAmount converts a decimal token quantity back to smallest units,
// truncating toward zero so the result never overstates the quantity.
func DecToAmount(value sdkmath.LegacyDec, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 18 {
		return nil, fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidDecimals, decimals)
	}
	if value.IsNil() {
		return nil, ErrAmountNil
	}
	if value.IsNegative() {
		return nil, ErrAmountNegative
	}

	return value.Mul(pow10(decimals)).TruncateInt().BigInt(), nil
}

// AmountToFloat converts a raw token amount to a float token quantity. Only
// for valuation and reporting; on-chain amounts stay integral.
func AmountToFloat(amount *big.Int, decimals int) (float64, error) {
	dec, err := AmountToDec(amount, decimals)
	if err != nil {
		return 0, err
	}
	f, err := dec.Float64()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("converted amount is not finite: %f", f)
	}
	return f, nil
}

// FloatToAmount converts a float token quantity to smallest units. The value
// goes through a fixed-precision string so binary float noise cannot leak
// into the integer amount.
func FloatToAmount(value float64, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 18 {
		return nil, fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidDecimals, decimals)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("value is not finite: %f", value)
	}
	if value < 0 {
		return nil, ErrAmountNegative
	}
	if value == 0 {
		return new(big.Int), nil
	}

	dec, err := sdkmath.LegacyNewDecFromStr(strconv.FormatFloat(value, 'f', decimals, 64))
	if err != nil {
		return nil, fmt.Errorf("failed to parse decimal: %w", err)
	}
	return DecToAmount(dec, decimals)
}

func pow10(n int) sdkmath.LegacyDec {
	factor := sdkmath.LegacyOneDec()
	ten := sdkmath.LegacyNewDec(10)
	for i := 0; i < n; i++ {
		factor = factor.Mul(ten)
	}
	return factor
}
