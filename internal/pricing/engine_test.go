package pricing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ptr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "expected %s, got %s", want, got.String())
}

func TestComputeVATInclusiveNoCoupon(t *testing.T) {
	res := Compute(Input{
		ProductPrice:     dec("100"),
		VATRate:          ptr("23"),
		PriceIncludesVAT: true,
	})
	requireDecimal(t, "100", res.BasePrice)
	requireDecimal(t, "0", res.DiscountAmount)
	requireDecimal(t, "100", res.TotalGross)

	display := res.Display()
	require.Equal(t, "81.30", display.TotalNet)
	require.Equal(t, "18.70", display.VATAmount)
	require.Equal(t, "23", display.VATRate)
}

func TestComputeBumpWithPercentageCoupon(t *testing.T) {
	res := Compute(Input{
		ProductPrice: dec("50"),
		BumpSelected: true,
		BumpPrice:    ptr("20"),
		Coupon:       &Coupon{Discount: Percentage(dec("10"))},
	})
	requireDecimal(t, "70", res.BasePrice)
	requireDecimal(t, "7", res.DiscountAmount)
	requireDecimal(t, "63", res.TotalGross)
}

func TestComputeFixedDiscountClampedToBase(t *testing.T) {
	res := Compute(Input{
		ProductPrice: dec("50"),
		Coupon:       &Coupon{Discount: Fixed(dec("1000"))},
	})
	requireDecimal(t, "50", res.DiscountAmount)
	requireDecimal(t, "0", res.TotalGross)
	requireDecimal(t, "0", res.VATAmount)
}

func TestComputeExcludeOrderBumps(t *testing.T) {
	res := Compute(Input{
		ProductPrice: dec("50"),
		BumpSelected: true,
		BumpPrice:    ptr("20"),
		Coupon:       &Coupon{Discount: Percentage(dec("10")), ExcludeOrderBumps: true},
	})
	requireDecimal(t, "70", res.BasePrice)
	requireDecimal(t, "5", res.DiscountAmount)
	requireDecimal(t, "65", res.TotalGross)
}

func TestComputeFixedDiscountWithinBase(t *testing.T) {
	for _, tc := range []struct{ base, discount, want string }{
		{"29.99", "5", "24.99"},
		{"10", "10", "0"},
		{"0", "0", "0"},
		{"199.00", "0.01", "198.99"},
	} {
		res := Compute(Input{ProductPrice: dec(tc.base), Coupon: &Coupon{Discount: Fixed(dec(tc.discount))}})
		requireDecimal(t, tc.want, res.TotalGross)
		require.True(t, res.TotalGross.Equal(res.BasePrice.Sub(res.DiscountAmount)))
	}
}

func TestComputePercentageMatchesClosedForm(t *testing.T) {
	for _, p := range []string{"0", "12.5", "33", "50", "99.99", "100"} {
		base := dec("87.45")
		res := Compute(Input{ProductPrice: base, Coupon: &Coupon{Discount: Percentage(dec(p))}})
		want := base.Mul(decimal.NewFromInt(1).Sub(dec(p).Div(decimal.NewFromInt(100))))
		require.True(t, Round(want).Equal(Round(res.TotalGross)), "p=%s want %s got %s", p, want, res.TotalGross)
	}
}

func TestComputePercentageAboveHundredClampsTotal(t *testing.T) {
	res := Compute(Input{ProductPrice: dec("40"), Coupon: &Coupon{Discount: Percentage(dec("150"))}})
	requireDecimal(t, "0", res.TotalGross)
	requireDecimal(t, "40", res.DiscountAmount)
}

func TestComputeVATRoundTrip(t *testing.T) {
	for _, price := range []string{"0.99", "9.99", "29.99", "100", "1234.56"} {
		res := Compute(Input{ProductPrice: dec(price), VATRate: ptr("23"), PriceIncludesVAT: true})
		back := res.TotalNet.Mul(dec("1.23"))
		require.True(t, back.Sub(res.TotalGross).Abs().LessThanOrEqual(dec("0.01")), "price=%s", price)
		require.True(t, res.VATAmount.Equal(res.TotalGross.Sub(res.TotalNet)))
	}
}

func TestComputeWithoutVAT(t *testing.T) {
	for _, in := range []Input{
		{ProductPrice: dec("42"), PriceIncludesVAT: true},
		{ProductPrice: dec("42"), PriceIncludesVAT: true, VATRate: ptr("0")},
		{ProductPrice: dec("42"), PriceIncludesVAT: false, VATRate: ptr("23")},
	} {
		res := Compute(in)
		require.True(t, res.TotalNet.Equal(res.TotalGross))
		require.True(t, res.VATAmount.IsZero())
	}
}

func TestComputeCustomAmount(t *testing.T) {
	res := Compute(Input{ProductPrice: dec("10"), AllowCustomPrice: true, CustomAmount: ptr("25.50")})
	requireDecimal(t, "25.50", res.BasePrice)

	ignored := Compute(Input{ProductPrice: dec("10"), CustomAmount: ptr("25.50")})
	requireDecimal(t, "10", ignored.BasePrice)
}

func TestComputeBumpRequiresSelectionAndPrice(t *testing.T) {
	notSelected := Compute(Input{ProductPrice: dec("10"), BumpPrice: ptr("5")})
	requireDecimal(t, "10", notSelected.BasePrice)

	noPrice := Compute(Input{ProductPrice: dec("10"), BumpSelected: true})
	requireDecimal(t, "10", noPrice.BasePrice)
}

func TestComputeClampsNegativeInputs(t *testing.T) {
	res := Compute(Input{
		ProductPrice: dec("-10"),
		BumpSelected: true,
		BumpPrice:    ptr("-3"),
		VATRate:      ptr("-23"),
		Coupon:       &Coupon{Discount: Fixed(dec("-5"))},
	})
	requireDecimal(t, "0", res.BasePrice)
	requireDecimal(t, "0", res.DiscountAmount)
	requireDecimal(t, "0", res.TotalGross)
	requireDecimal(t, "0", res.VATRate)

	require.True(t, FromFloat(math.NaN()).IsZero())
	require.True(t, FromFloat(math.Inf(1)).IsZero())
	require.True(t, ParseAmount("not-a-number").IsZero())
}

func TestComputeIsDeterministic(t *testing.T) {
	in := Input{
		ProductPrice:     dec("59.90"),
		VATRate:          ptr("8"),
		PriceIncludesVAT: true,
		BumpSelected:     true,
		BumpPrice:        ptr("14.90"),
		Coupon:           &Coupon{Discount: Percentage(dec("15"))},
	}
	first := Compute(in)
	second := Compute(in)
	require.Equal(t, first.Display(), second.Display())
	require.True(t, first.TotalNet.Equal(second.TotalNet))
}
