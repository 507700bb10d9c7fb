// Package product holds the catalog entries sold through checkout together with
// their order bumps and one-time-offer configuration.
package product

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/pricing"
)

var (
	// ErrNotFound is returned when a product does not exist or is inactive.
	ErrNotFound = errors.New("product: not found")
	// ErrSlugTaken is returned when creating a product with a duplicate slug.
	ErrSlugTaken = errors.New("product: slug already in use")
	// ErrCustomPriceNotAllowed is returned when a custom amount is sent for a fixed-price product.
	ErrCustomPriceNotAllowed = errors.New("product: custom price not allowed")
	// ErrCustomAmountOutOfRange is returned when a custom amount violates the product bounds.
	ErrCustomAmountOutOfRange = errors.New("product: custom amount out of range")
	// ErrBumpNotFound is returned when the requested order bump is not offered.
	ErrBumpNotFound = errors.New("product: order bump not found")
)

// Product is a sellable catalog entry.
type Product struct {
	ID               uuid.UUID        `json:"id"`
	Slug             string           `json:"slug"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Price            decimal.Decimal  `json:"price"`
	Currency         string           `json:"currency"`
	VATRate          *decimal.Decimal `json:"vatRate,omitempty"`
	PriceIncludesVAT bool             `json:"priceIncludesVat"`
	AllowCustomPrice bool             `json:"allowCustomPrice"`
	CustomPriceMin   *decimal.Decimal `json:"customPriceMin,omitempty"`
	CustomPriceMax   *decimal.Decimal `json:"customPriceMax,omitempty"`
	Active           bool             `json:"active"`
	Bumps            []Bump           `json:"bumps"`
	OTO              *OneTimeOffer    `json:"oneTimeOffer,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Bump is an add-on offered next to the main product at checkout.
type Bump struct {
	ID     uuid.UUID       `json:"id"`
	Title  string          `json:"title"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

// OneTimeOffer grants buyers of a product a single-use coupon for another product.
type OneTimeOffer struct {
	TargetProductID uuid.UUID       `json:"targetProductId"`
	DiscountType    string          `json:"discountType"`
	DiscountValue   decimal.Decimal `json:"discountValue"`
	ValidForSeconds int             `json:"validForSeconds"`
}

// ValidFor returns how long an issued offer stays redeemable.
func (o OneTimeOffer) ValidFor() time.Duration {
	if o.ValidForSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(o.ValidForSeconds) * time.Second
}

// ValidateCustomAmount checks a pay-what-you-want amount against the product bounds.
func (p Product) ValidateCustomAmount(amount decimal.Decimal) error {
	if !p.AllowCustomPrice {
		return ErrCustomPriceNotAllowed
	}
	if amount.IsNegative() {
		return ErrCustomAmountOutOfRange
	}
	if p.CustomPriceMin != nil && amount.LessThan(*p.CustomPriceMin) {
		return ErrCustomAmountOutOfRange
	}
	if p.CustomPriceMax != nil && amount.GreaterThan(*p.CustomPriceMax) {
		return ErrCustomAmountOutOfRange
	}
	return nil
}

// FindBump returns the active bump with id.
func (p Product) FindBump(id uuid.UUID) (Bump, error) {
	for _, b := range p.Bumps {
		if b.ID == id && b.Active {
			return b, nil
		}
	}
	return Bump{}, ErrBumpNotFound
}

// PricingInput validates the buyer's selections and builds the calculator input.
// The coupon is attached by the caller after verification.
func (p Product) PricingInput(customAmount *decimal.Decimal, bumpID *uuid.UUID) (pricing.Input, error) {
	in := pricing.Input{
		ProductPrice:     p.Price,
		ProductCurrency:  p.Currency,
		VATRate:          p.VATRate,
		PriceIncludesVAT: p.PriceIncludesVAT,
		AllowCustomPrice: p.AllowCustomPrice,
	}
	if customAmount != nil {
		if err := p.ValidateCustomAmount(*customAmount); err != nil {
			return pricing.Input{}, err
		}
		amount := *customAmount
		in.CustomAmount = &amount
	}
	if bumpID != nil {
		bump, err := p.FindBump(*bumpID)
		if err != nil {
			return pricing.Input{}, err
		}
		price := bump.Price
		in.BumpSelected = true
		in.BumpPrice = &price
	}
	return in, nil
}
