package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind enumerates the supported coupon discount strategies.
type Kind int

const (
	// KindPercentage discounts a percentage of the discount base.
	KindPercentage Kind = iota + 1
	// KindFixed discounts a flat amount capped at the base price.
	KindFixed
)

// Wire names used by coupon payloads and storage.
const (
	WirePercentage = "percentage"
	WireFixed      = "fixed"
)

// ErrUnknownDiscountKind is returned when a payload names an unsupported discount type.
var ErrUnknownDiscountKind = errors.New("pricing: unknown discount kind")

// String returns the wire representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPercentage:
		return WirePercentage
	case KindFixed:
		return WireFixed
	default:
		return "unknown"
	}
}

// ParseKind maps the wire representation onto a Kind.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case WirePercentage, "percent":
		return KindPercentage, nil
	case WireFixed:
		return KindFixed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDiscountKind, value)
	}
}

// Discount is a tagged discount value; construct it with Percentage or Fixed.
type Discount struct {
	Kind  Kind
	Value decimal.Decimal
}

// Percentage builds a percentage discount (e.g. 10 for 10%).
func Percentage(value decimal.Decimal) Discount {
	return Discount{Kind: KindPercentage, Value: value}
}

// Fixed builds a flat discount in currency units.
func Fixed(value decimal.Decimal) Discount {
	return Discount{Kind: KindFixed, Value: value}
}

// Coupon is the pricing view of an applied coupon.
type Coupon struct {
	Discount          Discount
	ExcludeOrderBumps bool
}

// NewCoupon validates the wire kind and returns the pricing coupon.
func NewCoupon(kind string, value decimal.Decimal, excludeOrderBumps bool) (*Coupon, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return &Coupon{Discount: Discount{Kind: k, Value: value}, ExcludeOrderBumps: excludeOrderBumps}, nil
}

// FromFloat converts a float amount, treating NaN and infinities as zero.
func FromFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// ParseAmount parses a decimal string, returning zero for empty or malformed input.
func ParseAmount(value string) decimal.Decimal {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero
	}
	return d
}
