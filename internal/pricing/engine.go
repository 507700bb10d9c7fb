package pricing

import (
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// divisionPrecision bounds the fractional digits kept when backing VAT out of a gross total.
const divisionPrecision int32 = 16

// Input carries everything the calculator needs for a single recomputation.
// It is rebuilt from current state on every quote or intent request.
type Input struct {
	ProductPrice     decimal.Decimal
	ProductCurrency  string
	VATRate          *decimal.Decimal
	PriceIncludesVAT bool
	AllowCustomPrice bool
	CustomAmount     *decimal.Decimal
	BumpPrice        *decimal.Decimal
	BumpSelected     bool
	Coupon           *Coupon
}

// Result is the derived price breakdown. Values keep full precision; use Display to round.
type Result struct {
	BasePrice      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalGross     decimal.Decimal
	TotalNet       decimal.Decimal
	VATAmount      decimal.Decimal
	VATRate        decimal.Decimal
}

// Compute calculates the checkout totals. It never fails: malformed amounts degrade to zero.
func Compute(in Input) Result {
	unitPrice := nonNegative(in.ProductPrice)
	if in.AllowCustomPrice && in.CustomAmount != nil {
		unitPrice = nonNegative(*in.CustomAmount)
	}

	bump := decimal.Zero
	if in.BumpSelected && in.BumpPrice != nil {
		bump = nonNegative(*in.BumpPrice)
	}
	base := unitPrice.Add(bump)

	discount := discountFor(in.Coupon, base, unitPrice)
	if discount.GreaterThan(base) {
		discount = base
	}
	gross := base.Sub(discount)
	if gross.IsNegative() {
		gross = decimal.Zero
	}

	rate := decimal.Zero
	if in.VATRate != nil {
		rate = nonNegative(*in.VATRate)
	}
	net := gross
	if in.PriceIncludesVAT && rate.IsPositive() {
		net = gross.DivRound(one.Add(rate.Div(hundred)), divisionPrecision)
	}

	return Result{
		BasePrice:      base,
		DiscountAmount: discount,
		TotalGross:     gross,
		TotalNet:       net,
		VATAmount:      gross.Sub(net),
		VATRate:        rate,
	}
}

func discountFor(c *Coupon, base, unitPrice decimal.Decimal) decimal.Decimal {
	if c == nil {
		return decimal.Zero
	}
	value := nonNegative(c.Discount.Value)
	switch c.Discount.Kind {
	case KindPercentage:
		target := base
		if c.ExcludeOrderBumps {
			target = unitPrice
		}
		return target.Mul(value).Div(hundred)
	case KindFixed:
		return decimal.Min(value, base)
	default:
		return decimal.Zero
	}
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
