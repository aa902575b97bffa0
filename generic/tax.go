package generic

import "github.com/shopspring/decimal"

// =============================================================================
// TAX
// =============================================================================

// TaxRate is an organization tax rate. Rate is a percentage (15 means 15%).
type TaxRate struct {
	ID     string
	Name   string
	Rate   decimal.Decimal
	Exempt bool
}

// LineTax computes the tax carried by a line amount.
//
//	exempt:        0
//	tax-inclusive: amount - amount / (1 + rate/100)
//	tax-exclusive: amount * rate / 100
//
// The result is rounded half-up to 2 dp.
func LineTax(amount decimal.Decimal, rate TaxRate, inclusive bool) decimal.Decimal {
	if rate.Exempt || rate.Rate.IsZero() {
		return decimal.Zero
	}
	if inclusive {
		divisor := decimal.NewFromInt(1).Add(rate.Rate.Div(hundred))
		return Round2(amount.Sub(amount.Div(divisor)))
	}
	return Round2(amount.Mul(rate.Rate).Div(hundred))
}

// InvoiceTotal is subtotal when prices include tax, otherwise subtotal + tax.
func InvoiceTotal(subtotal, tax decimal.Decimal, inclusive bool) decimal.Decimal {
	if inclusive {
		return subtotal
	}
	return subtotal.Add(tax)
}
