package ledger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MinorUnitsPerCoin is the number of minor units in one whole coin.
const MinorUnitsPerCoin = 100

// ParseAmount converts a user supplied decimal like "12.34" or "12,34" into
// minor units. At most two fractional digits are accepted and the result must
// be positive.
func ParseAmount(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	s = strings.Replace(s, ",", ".", 1)

	whole, frac, hasFrac := strings.Cut(s, ".")
	if !isDigits(whole) || (hasFrac && (len(frac) == 0 || len(frac) > 2 || !isDigits(frac))) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	var cents int64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	if units > (math.MaxInt64-cents)/MinorUnitsPerCoin {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, raw)
	}

	amount := units*MinorUnitsPerCoin + cents
	if amount <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return amount, nil
}

// FormatAmount renders minor units as a decimal with two fractional digits.
func FormatAmount(amount int64) string {
	sign := ""
	abs := uint64(amount)
	if amount < 0 {
		sign = "-"
		abs = uint64(-(amount + 1)) + 1
	}
	return fmt.Sprintf("%s%d.%02d", sign, abs/MinorUnitsPerCoin, abs%MinorUnitsPerCoin)
}

// PercentToBasisPoints converts a percentage in (0, 100] to hundredths of a
// percent, rounding to the nearest basis point.
func PercentToBasisPoints(percent float64) (int64, error) {
	if math.IsNaN(percent) || percent <= 0 || percent > 100 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPercent, percent)
	}
	bp := int64(math.Round(percent * 100))
	if bp <= 0 {
		return 0, fmt.Errorf("%w: %v rounds to zero", ErrInvalidPercent, percent)
	}
	return bp, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
