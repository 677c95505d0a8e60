package compose

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
)

// MaxAmountDecimals is the largest fractional precision accepted for a
// fungible amount, regardless of the chain's own precision.
const MaxAmountDecimals = 6

// Inline validation messages. These are surfaced verbatim next to the
// amount field and must stay stable.
const (
	MsgAmountNotNumber   = "Amount must be a number"
	MsgAmountRequired    = "Amount is required"
	MsgAmountNotPositive = "Amount must be greater than zero"
	MsgInsufficientBal   = "Insufficient balance"
	MsgNoDecimals        = "Asset does not allow decimal places"
	MsgTooManyDecimals   = "Amount must have at most 6 decimal places"
)

// ValidateAmount checks a raw amount input against the available balance
// and the asset's divisibility. Rules are checked in a fixed order and the
// first failure wins. On failure the returned amount is always zero so a
// consumer never stores the invalid raw value.
func ValidateAmount(input string, available decimal.Decimal, divisible bool) (decimal.Decimal, string) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Zero, MsgAmountRequired
	}

	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, MsgAmountNotNumber
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, MsgAmountNotPositive
	}
	if amount.GreaterThan(available) {
		return decimal.Zero, MsgInsufficientBal
	}

	// Precision rules run on the raw input: "1.0" on an indivisible asset
	// is rejected even though the value is integral.
	if dot := strings.IndexByte(trimmed, '.'); dot >= 0 {
		if !divisible {
			return decimal.Zero, MsgNoDecimals
		}
		if len(trimmed)-dot-1 > MaxAmountDecimals {
			return decimal.Zero, MsgTooManyDecimals
		}
	}

	return amount, ""
}

// FilterBalances narrows a candidate balance list by a text query matched
// case-insensitively against the asset id and, when cached details exist,
// the asset name and ticker. An empty query returns all candidates.
func FilterBalances(balances []chain.AssetBalance, details func(assetID string) (chain.AssetDetails, bool), query string) []chain.AssetBalance {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return balances
	}

	out := make([]chain.AssetBalance, 0, len(balances))
	for _, b := range balances {
		if strings.Contains(strings.ToLower(b.AssetID), query) {
			out = append(out, b)
			continue
		}
		if details == nil {
			continue
		}
		d, ok := details(b.AssetID)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), query) ||
			strings.Contains(strings.ToLower(d.Ticker), query) {
			out = append(out, b)
		}
	}
	return out
}
