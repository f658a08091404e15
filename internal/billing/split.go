package billing

import "github.com/shopspring/decimal"

// Allocate divides amount across weights, truncating each share to places and
// giving the remainder to index 0 so the shares always sum to amount. When
// every weight is zero the whole amount goes to index 0.
func Allocate(amount decimal.Decimal, weights []int64, places int32) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	for i := range shares {
		shares[i] = decimal.Zero
	}
	if len(weights) == 0 {
		return shares
	}

	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		shares[0] = amount
		return shares
	}

	allocated := decimal.Zero
	denom := decimal.NewFromInt(total)
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		shares[i] = amount.Mul(decimal.NewFromInt(w)).Div(denom).Truncate(places)
		allocated = allocated.Add(shares[i])
	}
	shares[0] = shares[0].Add(amount.Sub(allocated))
	return shares
}
