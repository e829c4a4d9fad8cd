package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiDecimals is the number of decimal places between the display unit and
// the smallest on-ledger unit.
const WeiDecimals = 18

// ParseAmount converts a display amount such as "1.5" into smallest units.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", s)
	}

	wei := d.Shift(WeiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", s, WeiDecimals)
	}

	return wei.BigInt(), nil
}

// FormatAmount renders smallest units in the display unit.
func FormatAmount(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -WeiDecimals).String()
}
