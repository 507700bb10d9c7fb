package payment_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/coupon"
	"github.com/noah-isme/backend-checkout/internal/events"
	"github.com/noah-isme/backend-checkout/internal/payment"
	"github.com/noah-isme/backend-checkout/internal/product"
)

type accessKey struct {
	product uuid.UUID
	email   string
}

type memPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]payment.Payment
	access   map[accessKey]uuid.UUID
}

func newMemPayments() *memPayments {
	return &memPayments{payments: map[uuid.UUID]payment.Payment{}, access: map[accessKey]uuid.UUID{}}
}

func (s *memPayments) insert(p payment.Payment) payment.Payment {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.payments[p.ID] = p
	return p
}

func (s *memPayments) grant(p payment.Payment) {
	if p.Email == "" {
		return
	}
	key := accessKey{p.ProductID, strings.ToLower(p.Email)}
	if _, ok := s.access[key]; !ok {
		s.access[key] = p.ID
	}
}

func (s *memPayments) Create(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(p), nil
}

func (s *memPayments) Get(_ context.Context, id uuid.UUID) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

func (s *memPayments) GetByProviderRef(_ context.Context, ref string) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ProviderRef != nil && *p.ProviderRef == ref {
			return p, nil
		}
	}
	return payment.Payment{}, payment.ErrNotFound
}

func (s *memPayments) AttachProvider(_ context.Context, id uuid.UUID, ref, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return payment.ErrNotFound
	}
	p.ProviderRef = &ref
	p.ClientSecret = &secret
	s.payments[id] = p
	return nil
}

func (s *memPayments) Transition(_ context.Context, id uuid.UUID, status payment.Status, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != payment.StatusPending {
		return false, nil
	}
	p.Status = status
	p.FailureReason = nil
	if reason != "" {
		p.FailureReason = &reason
	}
	s.payments[id] = p
	if status == payment.StatusSucceeded {
		s.grant(p)
	}
	return true, nil
}

func (s *memPayments) RecordAttemptFailure(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != payment.StatusPending {
		return false, nil
	}
	p.FailureReason = &reason
	s.payments[id] = p
	return true, nil
}

func (s *memPayments) HasAccess(_ context.Context, productID uuid.UUID, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.access[accessKey{productID, strings.ToLower(email)}]
	return ok, nil
}

func (s *memPayments) List(_ context.Context, status payment.Status, _, _ int) ([]payment.Payment, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payment.Payment
	for _, p := range s.payments {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memPayments) only() payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		return p
	}
	return payment.Payment{}
}

type productMap map[uuid.UUID]product.Product

func (m productMap) Get(_ context.Context, id uuid.UUID) (product.Product, error) {
	p, ok := m[id]
	if !ok {
		return product.Product{}, product.ErrNotFound
	}
	return p, nil
}

type couponStore struct {
	mu          sync.Mutex
	rules       map[string]coupon.Rule
	redemptions map[uuid.UUID]string
	holds       map[uuid.UUID]coupon.Reservation
}

func newCouponStore(rules ...coupon.Rule) *couponStore {
	s := &couponStore{rules: map[string]coupon.Rule{}, redemptions: map[uuid.UUID]string{}, holds: map[uuid.UUID]coupon.Reservation{}}
	for _, r := range rules {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		s.rules[r.Code] = r
	}
	return s
}

func (s *couponStore) GetByCode(_ context.Context, code string) (coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[code]
	if !ok {
		return coupon.Rule{}, coupon.ErrNotFound
	}
	return r, nil
}

func (s *couponStore) GetBySourcePayment(_ context.Context, paymentID uuid.UUID) (coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.SourcePaymentID != nil && *r.SourcePaymentID == paymentID {
			return r, nil
		}
	}
	return coupon.Rule{}, coupon.ErrNotFound
}

func (s *couponStore) CountRedemptionsByEmail(context.Context, uuid.UUID, string) (int, error) {
	return 0, nil
}

func (s *couponStore) ruleByID(id uuid.UUID) (string, coupon.Rule) {
	for code, r := range s.rules {
		if r.ID == id {
			return code, r
		}
	}
	return "", coupon.Rule{}
}

func (s *couponStore) liveHolds(couponID, except uuid.UUID, now time.Time) int {
	n := 0
	for paymentID, h := range s.holds {
		if h.CouponID == couponID && paymentID != except && h.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

func (s *couponStore) CountReservations(_ context.Context, couponID uuid.UUID, _ string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveHolds(couponID, uuid.Nil, now), nil
}

func (s *couponStore) Reserve(_ context.Context, res coupon.Reservation, now time.Time, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, r := s.ruleByID(res.CouponID)
	r.Reserved = s.liveHolds(res.CouponID, res.PaymentID, now)
	if !r.HasCapacity() {
		return coupon.ErrExpired
	}
	s.holds[res.PaymentID] = res
	return nil
}

func (s *couponStore) Release(_ context.Context, paymentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holds, paymentID)
	return nil
}

func (s *couponStore) Redeem(_ context.Context, couponID, paymentID uuid.UUID, _ string, _ decimal.Decimal, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.redemptions[paymentID]; ok {
		return false, nil
	}
	code, r := s.ruleByID(couponID)
	if h, held := s.holds[paymentID]; !held || !h.ExpiresAt.After(now) {
		r.Reserved = s.liveHolds(couponID, paymentID, now)
		if !r.HasCapacity() {
			return false, coupon.ErrExpired
		}
	}
	delete(s.holds, paymentID)
	s.redemptions[paymentID] = couponID.String()
	r.UsedCount++
	s.rules[code] = r
	return true, nil
}

func (s *couponStore) rule(code string) coupon.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[code]
}

func (s *couponStore) heldBy(paymentID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.holds[paymentID]
	return ok
}

func (s *couponStore) Create(_ context.Context, r coupon.Rule) (coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.Code]; ok {
		return coupon.Rule{}, coupon.ErrCodeTaken
	}
	r.ID = uuid.New()
	s.rules[r.Code] = r
	return r, nil
}

func (s *couponStore) List(context.Context, int, int) ([]coupon.Rule, int64, error) {
	return nil, 0, nil
}

func (s *couponStore) Deactivate(context.Context, string) error { return nil }

func (s *couponStore) ActiveOffer(context.Context, uuid.UUID, string, time.Time) (coupon.Rule, error) {
	return coupon.Rule{}, coupon.ErrNotFound
}

func (s *couponStore) offers() []coupon.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coupon.Rule
	for _, r := range s.rules {
		if r.OneTimeOffer {
			out = append(out, r)
		}
	}
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	topics []string
}

func (e *recordingEmitter) Emit(_ context.Context, topic string, aggregateID uuid.UUID, _ any) (events.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, topic)
	return events.Event{ID: uuid.New(), Topic: topic, AggregateID: aggregateID}, nil
}

func (e *recordingEmitter) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.topics...)
}
