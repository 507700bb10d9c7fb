// Package coupon verifies and redeems discount codes, including the single-use
// one-time offers issued after a purchase.
package coupon

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/pricing"
)

// Wire reasons returned to clients when a coupon cannot be used.
const (
	ReasonInvalid       = "invalid"
	ReasonExpired       = "expired"
	ReasonNotApplicable = "not-applicable"
)

var (
	// ErrInvalid means the code is unknown, inactive or not yet valid.
	ErrInvalid = errors.New("coupon invalid")
	// ErrExpired means the coupon window closed or its usage limit is exhausted.
	ErrExpired = errors.New("coupon expired")
	// ErrNotApplicable means the coupon exists but not for this product or buyer.
	ErrNotApplicable = errors.New("coupon not applicable")
)

// Reason maps a coupon error onto its wire reason. Unknown errors map to "invalid".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrNotApplicable):
		return ReasonNotApplicable
	default:
		return ReasonInvalid
	}
}

// Rule captures the stored constraints of a coupon.
type Rule struct {
	ID                uuid.UUID       `json:"id"`
	Code              string          `json:"code"`
	DiscountType      string          `json:"discountType"`
	DiscountValue     decimal.Decimal `json:"discountValue"`
	ExcludeOrderBumps bool            `json:"excludeOrderBumps"`
	ProductIDs        []uuid.UUID     `json:"productIds"`
	AllowedEmails     []string        `json:"allowedEmails"`
	UsageLimit        *int            `json:"usageLimit,omitempty"`
	UsedCount         int             `json:"usedCount"`
	Reserved          int             `json:"-"`
	PerUserLimit      *int            `json:"perUserLimit,omitempty"`
	ValidFrom         *time.Time      `json:"validFrom,omitempty"`
	ValidTo           *time.Time      `json:"validTo,omitempty"`
	Active            bool            `json:"active"`
	OneTimeOffer      bool            `json:"oneTimeOffer"`
	SourcePaymentID   *uuid.UUID      `json:"sourcePaymentId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// NormalizeCode upper-cases and trims a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check validates the rule for a purchase at now. usedByEmail is the number of
// prior redemptions by the buyer; perUserDefault applies when the rule has no own limit.
func (r Rule) Check(now time.Time, productID uuid.UUID, email string, usedByEmail, perUserDefault int) error {
	if !r.Active {
		return ErrInvalid
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return ErrInvalid
	}
	if r.ValidTo != nil && now.After(*r.ValidTo) {
		return ErrExpired
	}
	if !r.HasCapacity() {
		return ErrExpired
	}
	if len(r.ProductIDs) > 0 && !containsID(r.ProductIDs, productID) {
		return ErrNotApplicable
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if len(r.AllowedEmails) > 0 {
		if email == "" || !containsEmail(r.AllowedEmails, email) {
			return ErrNotApplicable
		}
	}
	if limit := r.perUserLimit(perUserDefault); limit > 0 && email != "" && usedByEmail >= limit {
		return ErrNotApplicable
	}
	return nil
}

// HasCapacity reports whether a further redemption fits the usage limit once
// redemptions held by open payments are counted.
func (r Rule) HasCapacity() bool {
	return r.UsageLimit == nil || *r.UsageLimit < 0 || r.UsedCount+r.Reserved < *r.UsageLimit
}

func (r Rule) perUserLimit(fallback int) int {
	if r.PerUserLimit != nil && *r.PerUserLimit > 0 {
		return *r.PerUserLimit
	}
	return fallback
}

// PricingCoupon converts the rule into the calculator's coupon.
func (r Rule) PricingCoupon() (*pricing.Coupon, error) {
	return pricing.NewCoupon(r.DiscountType, r.DiscountValue, r.ExcludeOrderBumps)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func containsEmail(emails []string, email string) bool {
	for _, candidate := range emails {
		if strings.EqualFold(strings.TrimSpace(candidate), email) {
			return true
		}
	}
	return false
}
