package billing

import "github.com/shopspring/decimal"

// SplitAmount divides an invoice total into platform commission and trainer
// net. The commission is rounded half-up to 2 fractional digits and the net
// is derived by exact subtraction, so commission + net always equals total
// with no rounding drift.
func SplitAmount(total, rate decimal.Decimal) (commission, net decimal.Decimal) {
	commission = total.Mul(rate).Round(2)
	if commission.GreaterThan(total) {
		commission = total
	}
	if commission.IsNegative() {
		commission = decimal.Zero
	}
	net = total.Sub(commission)
	return commission, net
}
