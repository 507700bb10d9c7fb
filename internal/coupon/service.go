package coupon

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/obs"
	"github.com/noah-isme/backend-checkout/internal/pricing"
	"github.com/noah-isme/backend-checkout/internal/product"
)

// Verification is the outcome of checking a code for a purchase.
type Verification struct {
	Valid             bool            `json:"valid"`
	Code              string          `json:"code"`
	DiscountType      string          `json:"discountType,omitempty"`
	DiscountValue     decimal.Decimal `json:"discountValue"`
	ExcludeOrderBumps bool            `json:"excludeOrderBumps"`
	Reason            string          `json:"reason,omitempty"`

	coupon *pricing.Coupon
}

// Coupon returns the calculator coupon for a valid verification.
func (v Verification) Coupon() *pricing.Coupon {
	return v.coupon
}

// DefaultReservationTTL bounds how long an unsettled payment holds a coupon use.
const DefaultReservationTTL = time.Hour

// Service encapsulates coupon rule evaluation and redemption.
type Service struct {
	Store               Store
	Now                 func() time.Time
	DefaultPerUserLimit int
	ReservationTTL      time.Duration
	Logger              zerolog.Logger
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Verify checks code for productID and the optional buyer email. Rule failures
// return a Verification carrying the wire reason together with the matching error.
func (s *Service) Verify(ctx context.Context, code string, productID uuid.UUID, email string) (Verification, error) {
	if s == nil || s.Store == nil {
		return Verification{}, errors.New("coupon service not configured")
	}
	code = NormalizeCode(code)
	v, err := s.verify(ctx, code, productID, email)
	if err != nil {
		if !isRuleError(err) {
			obs.Inc(obs.CouponVerificationTotal, "error")
			return Verification{}, err
		}
		obs.Inc(obs.CouponVerificationTotal, Reason(err))
		return Verification{Code: code, Reason: Reason(err)}, err
	}
	obs.Inc(obs.CouponVerificationTotal, "valid")
	return v, nil
}

func (s *Service) verify(ctx context.Context, code string, productID uuid.UUID, email string) (Verification, error) {
	if code == "" {
		return Verification{}, ErrInvalid
	}
	rule, err := s.Store.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Verification{}, ErrInvalid
		}
		return Verification{}, err
	}
	used := 0
	email = strings.TrimSpace(email)
	if rule.UsageLimit != nil {
		if rule.Reserved, err = s.Store.CountReservations(ctx, rule.ID, email, s.now()); err != nil {
			return Verification{}, err
		}
	}
	if email != "" {
		if used, err = s.Store.CountRedemptionsByEmail(ctx, rule.ID, email); err != nil {
			return Verification{}, err
		}
	}
	if err := rule.Check(s.now(), productID, email, used, s.DefaultPerUserLimit); err != nil {
		return Verification{}, err
	}
	c, err := rule.PricingCoupon()
	if err != nil {
		s.Logger.Error().Err(err).Str("code", rule.Code).Msg("stored coupon has unknown discount type")
		return Verification{}, ErrInvalid
	}
	return Verification{
		Valid:             true,
		Code:              rule.Code,
		DiscountType:      c.Discount.Kind.String(),
		DiscountValue:     rule.DiscountValue,
		ExcludeOrderBumps: rule.ExcludeOrderBumps,
		coupon:            c,
	}, nil
}

func isRuleError(err error) bool {
	return errors.Is(err, ErrInvalid) || errors.Is(err, ErrExpired) || errors.Is(err, ErrNotApplicable)
}

// Reserve holds one use of code for an unsettled payment so concurrent
// checkouts cannot exceed the usage limit. Rule failures return coupon errors.
func (s *Service) Reserve(ctx context.Context, code string, paymentID uuid.UUID, email string) error {
	if s == nil || s.Store == nil {
		return errors.New("coupon service not configured")
	}
	rule, err := s.Store.GetByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalid
		}
		return err
	}
	ttl := s.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	now := s.now()
	return s.Store.Reserve(ctx, Reservation{
		CouponID:  rule.ID,
		PaymentID: paymentID,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		ExpiresAt: now.Add(ttl),
	}, now, rule.perUserLimit(s.DefaultPerUserLimit))
}

// Release drops any hold the payment has on a coupon.
func (s *Service) Release(ctx context.Context, paymentID uuid.UUID) error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.Release(ctx, paymentID)
}

// Redeem records usage of code by a paid order. Repeated calls for the same
// payment are no-ops; it reports whether a new redemption was stored.
func (s *Service) Redeem(ctx context.Context, code string, paymentID uuid.UUID, email string, amount decimal.Decimal) (bool, error) {
	if s == nil || s.Store == nil {
		return false, errors.New("coupon service not configured")
	}
	code = NormalizeCode(code)
	if code == "" || paymentID == uuid.Nil {
		return false, nil
	}
	rule, err := s.Store.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return s.Store.Redeem(ctx, rule.ID, paymentID, strings.TrimSpace(email), amount, s.now())
}

// IssueOneTimeOffer creates the single-use coupon granted after a purchase.
// Issuing twice for the same source payment returns the first coupon.
func (s *Service) IssueOneTimeOffer(ctx context.Context, offer product.OneTimeOffer, email string, sourcePaymentID uuid.UUID) (Rule, bool, error) {
	if s == nil || s.Store == nil {
		return Rule{}, false, errors.New("coupon service not configured")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Rule{}, false, errors.New("one-time offer requires a buyer email")
	}
	if existing, err := s.Store.GetBySourcePayment(ctx, sourcePaymentID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Rule{}, false, err
	}
	kind, err := pricing.ParseKind(offer.DiscountType)
	if err != nil {
		return Rule{}, false, err
	}
	limit := 1
	validTo := s.now().Add(offer.ValidFor())
	for attempt := 0; attempt < 3; attempt++ {
		code, err := randomCode("OTO-")
		if err != nil {
			return Rule{}, false, err
		}
		created, err := s.Store.Create(ctx, Rule{
			Code:            code,
			DiscountType:    kind.String(),
			DiscountValue:   offer.DiscountValue,
			ProductIDs:      []uuid.UUID{offer.TargetProductID},
			AllowedEmails:   []string{email},
			UsageLimit:      &limit,
			PerUserLimit:    &limit,
			ValidTo:         &validTo,
			Active:          true,
			OneTimeOffer:    true,
			SourcePaymentID: &sourcePaymentID,
		})
		if errors.Is(err, ErrCodeTaken) {
			if existing, getErr := s.Store.GetBySourcePayment(ctx, sourcePaymentID); getErr == nil {
				return existing, false, nil
			}
			continue
		}
		if err != nil {
			return Rule{}, false, err
		}
		return created, true, nil
	}
	return Rule{}, false, errors.New("could not allocate a unique offer code")
}

// ActiveOffer returns the buyer's current one-time offer for productID.
func (s *Service) ActiveOffer(ctx context.Context, productID uuid.UUID, email string) (Rule, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Rule{}, ErrNotFound
	}
	return s.Store.ActiveOffer(ctx, productID, email, s.now())
}

// Create validates and stores an admin-defined coupon.
func (s *Service) Create(ctx context.Context, r Rule) (Rule, error) {
	r.Code = NormalizeCode(r.Code)
	fields := map[string]string{}
	if r.Code == "" || len(r.Code) > 64 {
		fields["code"] = "required, at most 64 characters"
	}
	kind, err := pricing.ParseKind(r.DiscountType)
	if err != nil {
		fields["discountType"] = "must be percentage or fixed"
	} else {
		r.DiscountType = kind.String()
	}
	if r.DiscountValue.IsNegative() {
		fields["discountValue"] = "must not be negative"
	}
	if kind == pricing.KindPercentage && r.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
		fields["discountValue"] = "percentage must not exceed 100"
	}
	if r.ValidFrom != nil && r.ValidTo != nil && r.ValidTo.Before(*r.ValidFrom) {
		fields["validTo"] = "must be after validFrom"
	}
	if len(fields) > 0 {
		return Rule{}, common.NewAppError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest, nil).WithDetails(fields)
	}
	for i, e := range r.AllowedEmails {
		r.AllowedEmails[i] = strings.ToLower(strings.TrimSpace(e))
	}
	created, err := s.Store.Create(ctx, r)
	if errors.Is(err, ErrCodeTaken) {
		return Rule{}, common.NewAppError("CONFLICT", "coupon code already exists", http.StatusConflict, err)
	}
	return created, err
}

// List returns a page of coupons.
func (s *Service) List(ctx context.Context, page, perPage int) ([]Rule, int64, error) {
	items, total, err := s.Store.List(ctx, perPage, common.Offset(page, perPage))
	if items == nil {
		items = []Rule{}
	}
	return items, total, err
}

// Deactivate disables a coupon by code.
func (s *Service) Deactivate(ctx context.Context, code string) error {
	err := s.Store.Deactivate(ctx, NormalizeCode(code))
	if errors.Is(err, ErrNotFound) {
		return common.NewAppError("NOT_FOUND", "coupon not found", http.StatusNotFound, err)
	}
	return err
}

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func randomCode(prefix string) (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return prefix + codeEncoding.EncodeToString(buf), nil
}
