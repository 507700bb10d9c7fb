// Package checkout resolves a buyer's selection into a priced order. The quote
// endpoint uses it for display; payment intents reuse it as the authority.
package checkout

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/coupon"
	"github.com/noah-isme/backend-checkout/internal/pricing"
	"github.com/noah-isme/backend-checkout/internal/product"
)

// Wire reasons attached to checkout errors.
const (
	ReasonProductNotFound     = "product-not-found"
	ReasonInvalidCustomAmount = "invalid-custom-amount"
	ReasonBumpNotFound        = "bump-not-found"
)

// ProductSource loads products offered at checkout.
type ProductSource interface {
	Get(ctx context.Context, id uuid.UUID) (product.Product, error)
}

// CouponVerifier checks coupon codes.
type CouponVerifier interface {
	Verify(ctx context.Context, code string, productID uuid.UUID, email string) (coupon.Verification, error)
}

// Selection is what the buyer picked on the checkout form.
type Selection struct {
	ProductID    uuid.UUID
	Email        string
	BumpID       *uuid.UUID
	CouponCode   string
	CustomAmount *decimal.Decimal
}

// Priced is a selection resolved against current product and coupon state.
type Priced struct {
	Product product.Product
	Input   pricing.Input
	Result  pricing.Result
	// Coupon is set when a code was supplied, valid or not.
	Coupon *coupon.Verification
	// CouponErr holds the rule failure for an invalid code; the result then excludes the coupon.
	CouponErr error
}

// Service prices checkout selections.
type Service struct {
	Products ProductSource
	Coupons  CouponVerifier
}

// ReasonError builds an AppError carrying a wire reason in its details.
func ReasonError(status int, code, reason, message string, err error) *common.AppError {
	return common.NewAppError(code, message, status, err).WithDetails(map[string]string{"reason": reason})
}

// Resolve loads the product, validates custom amount and bump, verifies the
// coupon and runs the calculator. Coupon rule failures do not fail Resolve.
func (s *Service) Resolve(ctx context.Context, sel Selection) (Priced, error) {
	if s == nil || s.Products == nil {
		return Priced{}, errors.New("checkout service not configured")
	}
	p, err := s.Products.Get(ctx, sel.ProductID)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			return Priced{}, ReasonError(http.StatusNotFound, "NOT_FOUND", ReasonProductNotFound, "product not found", err)
		}
		return Priced{}, err
	}
	in, err := p.PricingInput(sel.CustomAmount, sel.BumpID)
	switch {
	case errors.Is(err, product.ErrCustomPriceNotAllowed), errors.Is(err, product.ErrCustomAmountOutOfRange):
		return Priced{}, ReasonError(http.StatusUnprocessableEntity, "UNPROCESSABLE", ReasonInvalidCustomAmount, "custom amount not accepted", err)
	case errors.Is(err, product.ErrBumpNotFound):
		return Priced{}, ReasonError(http.StatusUnprocessableEntity, "UNPROCESSABLE", ReasonBumpNotFound, "order bump not offered", err)
	case err != nil:
		return Priced{}, err
	}

	out := Priced{Product: p}
	if code := strings.TrimSpace(sel.CouponCode); code != "" && s.Coupons != nil {
		v, err := s.Coupons.Verify(ctx, code, p.ID, sel.Email)
		switch {
		case err == nil:
			in.Coupon = v.Coupon()
		case errors.Is(err, coupon.ErrInvalid), errors.Is(err, coupon.ErrExpired), errors.Is(err, coupon.ErrNotApplicable):
			out.CouponErr = err
		default:
			return Priced{}, err
		}
		out.Coupon = &v
	}
	out.Input = in
	out.Result = pricing.Compute(in)
	return out, nil
}

// QuoteCoupon is the coupon section of a quote.
type QuoteCoupon struct {
	Code   string `json:"code"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Quote is the display breakdown returned to the checkout form.
type Quote struct {
	Currency string `json:"currency"`
	pricing.DisplayResult
	Coupon *QuoteCoupon `json:"coupon,omitempty"`
}

// Quote prices sel for display. It never authorises a charge.
func (s *Service) Quote(ctx context.Context, sel Selection) (Quote, error) {
	priced, err := s.Resolve(ctx, sel)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Currency: priced.Product.Currency, DisplayResult: priced.Result.Display()}
	if priced.Coupon != nil {
		q.Coupon = &QuoteCoupon{Code: priced.Coupon.Code, Valid: priced.CouponErr == nil, Reason: priced.Coupon.Reason}
	}
	return q, nil
}
