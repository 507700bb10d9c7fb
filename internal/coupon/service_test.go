package coupon_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/coupon"
	"github.com/noah-isme/backend-checkout/internal/pricing"
	"github.com/noah-isme/backend-checkout/internal/product"
)

type redemption struct {
	couponID  uuid.UUID
	paymentID uuid.UUID
	email     string
}

type memStore struct {
	mu          sync.Mutex
	coupons     map[string]coupon.Rule
	redemptions []redemption
	holds       []coupon.Reservation
}

func newMemStore(rules ...coupon.Rule) *memStore {
	s := &memStore{coupons: map[string]coupon.Rule{}}
	for _, r := range rules {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		s.coupons[r.Code] = r
	}
	return s
}

func (s *memStore) GetByCode(_ context.Context, code string) (coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.coupons[code]
	if !ok {
		return coupon.Rule{}, coupon.ErrNotFound
	}
	return r, nil
}

func (s *memStore) GetBySourcePayment(_ context.Context, paymentID uuid.UUID) (coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.coupons {
		if r.SourcePaymentID != nil && *r.SourcePaymentID == paymentID {
			return r, nil
		}
	}
	return coupon.Rule{}, coupon.ErrNotFound
}

func (s *memStore) CountRedemptionsByEmail(_ context.Context, couponID uuid.UUID, email string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.redemptions {
		if r.couponID == couponID && strings.EqualFold(r.email, email) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ruleByID(id uuid.UUID) (string, coupon.Rule) {
	for code, r := range s.coupons {
		if r.ID == id {
			return code, r
		}
	}
	return "", coupon.Rule{}
}

func (s *memStore) liveHolds(couponID, except uuid.UUID, excludeEmail string, now time.Time) int {
	n := 0
	for _, h := range s.holds {
		if h.CouponID != couponID || h.PaymentID == except || !h.ExpiresAt.After(now) {
			continue
		}
		if excludeEmail != "" && strings.EqualFold(h.Email, excludeEmail) {
			continue
		}
		n++
	}
	return n
}

func (s *memStore) CountReservations(_ context.Context, couponID uuid.UUID, excludeEmail string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveHolds(couponID, uuid.Nil, excludeEmail, now), nil
}

func (s *memStore) Reserve(_ context.Context, res coupon.Reservation, now time.Time, perUserLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.holds[:0]
	for _, h := range s.holds {
		if h.CouponID == res.CouponID && res.Email != "" && strings.EqualFold(h.Email, res.Email) && h.PaymentID != res.PaymentID {
			continue
		}
		kept = append(kept, h)
	}
	s.holds = kept
	if perUserLimit > 0 && res.Email != "" {
		used := 0
		for _, r := range s.redemptions {
			if r.couponID == res.CouponID && strings.EqualFold(r.email, res.Email) {
				used++
			}
		}
		if used >= perUserLimit {
			return coupon.ErrNotApplicable
		}
	}
	_, r := s.ruleByID(res.CouponID)
	r.Reserved = s.liveHolds(res.CouponID, res.PaymentID, "", now)
	if !r.HasCapacity() {
		return coupon.ErrExpired
	}
	s.holds = append(s.holds, res)
	return nil
}

func (s *memStore) Release(_ context.Context, paymentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropHold(paymentID)
	return nil
}

func (s *memStore) dropHold(paymentID uuid.UUID) (coupon.Reservation, bool) {
	for i, h := range s.holds {
		if h.PaymentID == paymentID {
			s.holds = append(s.holds[:i], s.holds[i+1:]...)
			return h, true
		}
	}
	return coupon.Reservation{}, false
}

func (s *memStore) Redeem(_ context.Context, couponID, paymentID uuid.UUID, email string, _ decimal.Decimal, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.redemptions {
		if r.couponID == couponID && r.paymentID == paymentID {
			return false, nil
		}
	}
	code, rule := s.ruleByID(couponID)
	held := false
	for _, h := range s.holds {
		if h.PaymentID == paymentID && h.ExpiresAt.After(now) {
			held = true
		}
	}
	if !held {
		rule.Reserved = s.liveHolds(couponID, paymentID, "", now)
		if !rule.HasCapacity() {
			return false, coupon.ErrExpired
		}
	}
	s.dropHold(paymentID)
	s.redemptions = append(s.redemptions, redemption{couponID: couponID, paymentID: paymentID, email: email})
	rule.UsedCount++
	s.coupons[code] = rule
	return true, nil
}

func (s *memStore) Create(_ context.Context, r coupon.Rule) (coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.coupons[r.Code]; ok {
		return coupon.Rule{}, coupon.ErrCodeTaken
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	s.coupons[r.Code] = r
	return r, nil
}

func (s *memStore) List(context.Context, int, int) ([]coupon.Rule, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coupon.Rule, 0, len(s.coupons))
	for _, r := range s.coupons {
		out = append(out, r)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) Deactivate(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.coupons[code]
	if !ok {
		return coupon.ErrNotFound
	}
	r.Active = false
	s.coupons[code] = r
	return nil
}

func (s *memStore) ActiveOffer(_ context.Context, productID uuid.UUID, email string, now time.Time) (coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.coupons {
		if !r.OneTimeOffer || !r.Active || r.UsedCount >= 1 {
			continue
		}
		if r.ValidTo != nil && !r.ValidTo.After(now) {
			continue
		}
		if len(r.ProductIDs) == 1 && r.ProductIDs[0] == productID && strings.EqualFold(r.AllowedEmails[0], email) {
			return r, nil
		}
	}
	return coupon.Rule{}, coupon.ErrNotFound
}

func TestVerifyNormalisesCodeAndReturnsPricingCoupon(t *testing.T) {
	store := newMemStore(coupon.Rule{Code: "SPRING", DiscountType: "percentage", DiscountValue: decimal.NewFromInt(15), Active: true, ExcludeOrderBumps: true})
	svc := &coupon.Service{Store: store}

	v, err := svc.Verify(context.Background(), "  spring ", uuid.New(), "")
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, "SPRING", v.Code)
	require.Equal(t, "percentage", v.DiscountType)
	require.NotNil(t, v.Coupon())
	require.Equal(t, pricing.KindPercentage, v.Coupon().Discount.Kind)
	require.True(t, v.Coupon().ExcludeOrderBumps)
}

func TestVerifyReportsReasons(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := newMemStore(
		coupon.Rule{Code: "OLD", DiscountType: "fixed", DiscountValue: decimal.NewFromInt(5), Active: true, ValidTo: &past},
		coupon.Rule{Code: "SCOPED", DiscountType: "fixed", DiscountValue: decimal.NewFromInt(5), Active: true, ProductIDs: []uuid.UUID{uuid.New()}},
	)
	svc := &coupon.Service{Store: store}

	v, err := svc.Verify(context.Background(), "nope", uuid.New(), "")
	require.ErrorIs(t, err, coupon.ErrInvalid)
	require.False(t, v.Valid)
	require.Equal(t, coupon.ReasonInvalid, v.Reason)

	v, err = svc.Verify(context.Background(), "old", uuid.New(), "")
	require.ErrorIs(t, err, coupon.ErrExpired)
	require.Equal(t, coupon.ReasonExpired, v.Reason)

	v, err = svc.Verify(context.Background(), "scoped", uuid.New(), "")
	require.ErrorIs(t, err, coupon.ErrNotApplicable)
	require.Equal(t, coupon.ReasonNotApplicable, v.Reason)
	require.Nil(t, v.Coupon())
}

func TestRedeemIsIdempotentPerPayment(t *testing.T) {
	store := newMemStore(coupon.Rule{Code: "ONCE", DiscountType: "fixed", DiscountValue: decimal.NewFromInt(5), Active: true, PerUserLimit: intPtr(1)})
	svc := &coupon.Service{Store: store}
	paymentID := uuid.New()

	ok, err := svc.Redeem(context.Background(), "once", paymentID, "a@example.com", decimal.NewFromInt(5))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = svc.Redeem(context.Background(), "ONCE", paymentID, "a@example.com", decimal.NewFromInt(5))
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, store.redemptions, 1)

	_, err = svc.Verify(context.Background(), "ONCE", uuid.New(), "A@example.com")
	require.ErrorIs(t, err, coupon.ErrNotApplicable)

	ok, err = svc.Redeem(context.Background(), "missing", paymentID, "a@example.com", decimal.Zero)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReserveHoldsSingleUseCoupon(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	store := newMemStore(coupon.Rule{Code: "ONCE", DiscountType: "fixed", DiscountValue: decimal.NewFromInt(5), Active: true, UsageLimit: intPtr(1)})
	svc := &coupon.Service{Store: store, Now: func() time.Time { return now }, ReservationTTL: 30 * time.Minute}
	productID := uuid.New()
	first, second := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Reserve(ctx, "once", first, "a@example.com"))

	_, err := svc.Verify(ctx, "ONCE", productID, "b@example.com")
	require.ErrorIs(t, err, coupon.ErrExpired)
	v, err := svc.Verify(ctx, "ONCE", productID, "a@example.com")
	require.NoError(t, err)
	require.True(t, v.Valid)

	require.ErrorIs(t, svc.Reserve(ctx, "ONCE", second, "b@example.com"), coupon.ErrExpired)
	ok, err := svc.Redeem(ctx, "ONCE", second, "b@example.com", decimal.NewFromInt(5))
	require.ErrorIs(t, err, coupon.ErrExpired)
	require.False(t, ok)

	ok, err = svc.Redeem(ctx, "ONCE", first, "a@example.com", decimal.NewFromInt(5))
	require.NoError(t, err)
	require.True(t, ok)
	rule, _ := store.GetByCode(ctx, "ONCE")
	require.Equal(t, 1, rule.UsedCount)
	require.Empty(t, store.holds)
}

func TestReleasedOrExpiredHoldFreesCoupon(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	store := newMemStore(coupon.Rule{Code: "ONCE", DiscountType: "fixed", DiscountValue: decimal.NewFromInt(5), Active: true, UsageLimit: intPtr(1)})
	svc := &coupon.Service{Store: store, Now: func() time.Time { return now }, ReservationTTL: 30 * time.Minute}
	ctx := context.Background()

	first := uuid.New()
	require.NoError(t, svc.Reserve(ctx, "ONCE", first, "a@example.com"))
	require.NoError(t, svc.Release(ctx, first))
	require.NoError(t, svc.Reserve(ctx, "ONCE", uuid.New(), "b@example.com"))

	now = now.Add(time.Hour)
	require.NoError(t, svc.Reserve(ctx, "ONCE", uuid.New(), "c@example.com"))
}

func TestIssueOneTimeOffer(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := &coupon.Service{Store: store, Now: func() time.Time { return now }}
	target := uuid.New()
	source := uuid.New()
	offer := product.OneTimeOffer{TargetProductID: target, DiscountType: "Percentage", DiscountValue: decimal.NewFromInt(30), ValidForSeconds: 3600}

	rule, created, err := svc.IssueOneTimeOffer(context.Background(), offer, "Buyer@Example.com", source)
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, strings.HasPrefix(rule.Code, "OTO-"))
	require.Equal(t, "percentage", rule.DiscountType)
	require.Equal(t, []string{"buyer@example.com"}, rule.AllowedEmails)
	require.Equal(t, 1, *rule.UsageLimit)
	require.Equal(t, now.Add(time.Hour), *rule.ValidTo)

	again, created, err := svc.IssueOneTimeOffer(context.Background(), offer, "buyer@example.com", source)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, rule.Code, again.Code)

	active, err := svc.ActiveOffer(context.Background(), target, "buyer@example.com")
	require.NoError(t, err)
	require.Equal(t, rule.Code, active.Code)

	v, err := svc.Verify(context.Background(), rule.Code, target, "buyer@example.com")
	require.NoError(t, err)
	require.True(t, v.Valid)
	_, err = svc.Verify(context.Background(), rule.Code, target, "someone@example.com")
	require.ErrorIs(t, err, coupon.ErrNotApplicable)
}

func TestCreateValidates(t *testing.T) {
	svc := &coupon.Service{Store: newMemStore(coupon.Rule{Code: "TAKEN", DiscountType: "fixed", Active: true})}

	_, err := svc.Create(context.Background(), coupon.Rule{Code: "x", DiscountType: "percentage", DiscountValue: decimal.NewFromInt(150)})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "VALIDATION_ERROR", appErr.Code)

	_, err = svc.Create(context.Background(), coupon.Rule{Code: "taken", DiscountType: "fixed", DiscountValue: decimal.NewFromInt(1)})
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "CONFLICT", appErr.Code)
}

func intPtr(v int) *int { return &v }
