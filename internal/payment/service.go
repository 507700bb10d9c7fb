// Package payment opens payment intents, settles them from provider webhooks
// and grants product access.
package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-checkout/internal/checkout"
	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/coupon"
	"github.com/noah-isme/backend-checkout/internal/events"
	"github.com/noah-isme/backend-checkout/internal/obs"
	"github.com/noah-isme/backend-checkout/internal/pricing"
	"github.com/noah-isme/backend-checkout/internal/product"
)

// Wire reasons returned by intent creation.
const (
	ReasonAlreadyHasAccess = "already-has-access"
	ReasonCreationFailed   = "creation-failed"
	ReasonTotalMismatch    = "total-mismatch"
	ReasonInvalidCoupon    = "invalid-coupon"
)

// ProviderFree labels orders whose total is zero and never reach a provider.
const ProviderFree = "free"

var (
	// ErrAmountMismatch means the provider reported a different amount than was recorded.
	ErrAmountMismatch = errors.New("payment: provider amount does not match")
	// ErrUnknownPayment means a webhook referenced no known payment.
	ErrUnknownPayment = errors.New("payment: webhook references unknown payment")
)

// Resolver prices a checkout selection.
type Resolver interface {
	Resolve(ctx context.Context, sel checkout.Selection) (checkout.Priced, error)
}

// CouponLedger holds and records coupon uses and issues post-purchase offers.
type CouponLedger interface {
	Reserve(ctx context.Context, code string, paymentID uuid.UUID, email string) error
	Release(ctx context.Context, paymentID uuid.UUID) error
	Redeem(ctx context.Context, code string, paymentID uuid.UUID, email string, amount decimal.Decimal) (bool, error)
	IssueOneTimeOffer(ctx context.Context, offer product.OneTimeOffer, email string, sourcePaymentID uuid.UUID) (coupon.Rule, bool, error)
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (events.Event, error)
}

// Service coordinates payment intents and settlement.
type Service struct {
	Store    Store
	Checkout Resolver
	Products checkout.ProductSource
	Coupons  CouponLedger
	Provider Provider
	Events   Emitter
	Logger   zerolog.Logger
}

// IntentInput is a buyer's request to pay for a selection.
type IntentInput struct {
	ProductID     uuid.UUID
	Email         string
	BumpID        *uuid.UUID
	CouponCode    string
	CustomAmount  *decimal.Decimal
	ExpectedTotal *decimal.Decimal
}

// Intent is returned to the client after creation.
type Intent struct {
	PaymentID    uuid.UUID `json:"paymentId"`
	Status       Status    `json:"status"`
	Provider     string    `json:"provider"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	Currency     string    `json:"currency"`
	AmountMinor  int64     `json:"amountMinor"`
	Free         bool      `json:"free"`
	pricing.DisplayResult
}

func (s *Service) providerName() string {
	if s.Provider == nil {
		return "unknown"
	}
	return s.Provider.Name()
}

// CreateIntent recomputes the price server-side and opens a provider intent.
// It fails closed: any disagreement with the client's expected total rejects the request.
func (s *Service) CreateIntent(ctx context.Context, in IntentInput) (Intent, error) {
	if s == nil || s.Store == nil || s.Checkout == nil {
		return Intent{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateIntent")
	defer span.End()

	start := time.Now()
	providerName := s.providerName()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.String("product.id", in.ProductID.String()),
			attribute.Float64("payment.intent.duration_ms", obs.DurationMillis(time.Since(start))),
			attribute.String("payment.intent.result", result),
		)
		obs.Inc(obs.PaymentIntentTotal, providerName, result)
	}()

	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email != "" {
		has, err := s.Store.HasAccess(ctx, in.ProductID, email)
		if err != nil {
			return Intent{}, err
		}
		if has {
			result = "rejected"
			return Intent{}, checkout.ReasonError(http.StatusConflict, "CONFLICT", ReasonAlreadyHasAccess, "buyer already has access", nil)
		}
	}

	priced, err := s.Checkout.Resolve(ctx, checkout.Selection{
		ProductID:    in.ProductID,
		Email:        email,
		BumpID:       in.BumpID,
		CouponCode:   in.CouponCode,
		CustomAmount: in.CustomAmount,
	})
	if err != nil {
		if common.IsAppError(err) {
			result = "rejected"
		}
		return Intent{}, err
	}
	if priced.CouponErr != nil {
		result = "rejected"
		return Intent{}, checkout.ReasonError(http.StatusUnprocessableEntity, "UNPROCESSABLE", couponReason(priced.CouponErr), "coupon cannot be applied", priced.CouponErr)
	}
	if err := pricing.Authorize(in.ExpectedTotal, priced.Result); err != nil {
		result = "mismatch"
		if obs.PricingMismatchTotal != nil {
			obs.PricingMismatchTotal.Inc()
		}
		display := priced.Result.Display()
		s.Logger.Warn().Str("product_id", in.ProductID.String()).Str("client_total", in.ExpectedTotal.String()).
			Str("server_total", display.TotalGross).Msg("rejecting intent with mismatched total")
		return Intent{}, common.NewAppError("CONFLICT", "total does not match server price", http.StatusConflict, err).
			WithDetails(map[string]string{"reason": ReasonTotalMismatch, "totalGross": display.TotalGross})
	}

	p := snapshot(priced, in, email)
	free := pricing.Round(priced.Result.TotalGross).IsZero()
	p.Provider = providerName
	if free {
		p.Provider = ProviderFree
		providerName = ProviderFree
	}
	p.Status = StatusPending
	p, err = s.Store.Create(ctx, p)
	if err != nil {
		return Intent{}, err
	}
	if err := s.reserveCoupon(ctx, p); err != nil {
		if common.IsAppError(err) {
			result = "rejected"
		}
		return Intent{}, err
	}
	if free {
		if _, err := s.Store.Transition(ctx, p.ID, StatusSucceeded, ""); err != nil {
			return Intent{}, err
		}
		p.Status = StatusSucceeded
		result = "free"
		s.afterSuccess(ctx, p, &priced.Product)
		return intentOf(p, "", priced.Result), nil
	}

	span.SetAttributes(attribute.String("payment.id", p.ID.String()))
	resp, err := s.Provider.CreateIntent(ctx, IntentRequest{
		PaymentID:      p.ID,
		ProductID:      p.ProductID,
		AmountMinor:    p.AmountMinor,
		Currency:       p.Currency,
		Email:          p.Email,
		Description:    priced.Product.Name,
		IdempotencyKey: "payment-" + p.ID.String(),
	})
	if err != nil {
		span.RecordError(err)
		s.Logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("provider intent creation failed")
		s.fail(ctx, p.ID, ReasonCreationFailed)
		return Intent{}, checkout.ReasonError(http.StatusBadGateway, "BAD_GATEWAY", ReasonCreationFailed, "payment provider unavailable", err)
	}
	if err := s.Store.AttachProvider(ctx, p.ID, resp.Ref, resp.ClientSecret); err != nil {
		return Intent{}, err
	}
	result = "success"
	return intentOf(p, resp.ClientSecret, priced.Result), nil
}

// reserveCoupon holds the payment's coupon use. A coupon that ran out between
// pricing and reservation fails the payment and rejects the intent.
func (s *Service) reserveCoupon(ctx context.Context, p Payment) error {
	if p.CouponCode == nil || s.Coupons == nil {
		return nil
	}
	err := s.Coupons.Reserve(ctx, *p.CouponCode, p.ID, p.Email)
	if err == nil {
		return nil
	}
	s.fail(ctx, p.ID, ReasonInvalidCoupon)
	if errors.Is(err, coupon.ErrInvalid) || errors.Is(err, coupon.ErrExpired) || errors.Is(err, coupon.ErrNotApplicable) {
		return checkout.ReasonError(http.StatusUnprocessableEntity, "UNPROCESSABLE", couponReason(err), "coupon cannot be applied", err)
	}
	return err
}

// fail marks a pending payment failed and drops its coupon hold.
func (s *Service) fail(ctx context.Context, id uuid.UUID, reason string) {
	if _, err := s.Store.Transition(ctx, id, StatusFailed, reason); err != nil {
		s.Logger.Error().Err(err).Str("payment_id", id.String()).Msg("mark payment failed")
	}
	s.release(ctx, id)
}

func (s *Service) release(ctx context.Context, id uuid.UUID) {
	if s.Coupons == nil {
		return
	}
	if err := s.Coupons.Release(ctx, id); err != nil {
		s.Logger.Error().Err(err).Str("payment_id", id.String()).Msg("release coupon hold")
	}
}

func couponReason(err error) string {
	if r := coupon.Reason(err); r != coupon.ReasonInvalid {
		return r
	}
	return ReasonInvalidCoupon
}

func snapshot(priced checkout.Priced, in IntentInput, email string) Payment {
	res := priced.Result
	p := Payment{
		ProductID:      priced.Product.ID,
		Email:          email,
		Currency:       priced.Product.Currency,
		BasePrice:      res.BasePrice,
		DiscountAmount: res.DiscountAmount,
		TotalGross:     pricing.Round(res.TotalGross),
		TotalNet:       res.TotalNet,
		VATAmount:      res.VATAmount,
		VATRate:        res.VATRate,
		AmountMinor:    pricing.MinorUnits(res.TotalGross, priced.Product.Currency),
	}
	if priced.Input.BumpSelected {
		p.BumpID = in.BumpID
	}
	if priced.Input.AllowCustomPrice && in.CustomAmount != nil {
		p.CustomAmount = in.CustomAmount
	}
	if priced.Coupon != nil && priced.CouponErr == nil {
		code := priced.Coupon.Code
		p.CouponCode = &code
	}
	return p
}

func intentOf(p Payment, clientSecret string, res pricing.Result) Intent {
	return Intent{
		PaymentID:     p.ID,
		Status:        p.Status,
		Provider:      p.Provider,
		ClientSecret:  clientSecret,
		Currency:      p.Currency,
		AmountMinor:   p.AmountMinor,
		Free:          p.Provider == ProviderFree,
		DisplayResult: res.Display(),
	}
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.Store.Get(ctx, id)
}

// List returns payments for the admin view.
func (s *Service) List(ctx context.Context, status Status, page, perPage int) ([]Payment, int64, error) {
	return s.Store.List(ctx, status, perPage, common.Offset(page, perPage))
}

// Apply settles a verified webhook. It reports whether the payment changed state;
// replays of an already settled payment return false without side effects.
func (s *Service) Apply(ctx context.Context, res WebhookResult) (bool, error) {
	if res.Status == "" {
		return false, nil
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Apply")
	defer span.End()

	var (
		p   Payment
		err error
	)
	if res.PaymentID != uuid.Nil {
		p, err = s.Store.Get(ctx, res.PaymentID)
	} else {
		p, err = s.Store.GetByProviderRef(ctx, res.Ref)
	}
	if errors.Is(err, ErrNotFound) {
		return false, ErrUnknownPayment
	}
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("payment.id", p.ID.String()), attribute.String("payment.status", string(res.Status)))
	if p.ProviderRef != nil && res.Ref != "" && *p.ProviderRef != res.Ref {
		return false, ErrUnknownPayment
	}
	if res.Status == StatusSucceeded {
		if res.AmountMinor != p.AmountMinor || (res.Currency != "" && !strings.EqualFold(res.Currency, p.Currency)) {
			s.Logger.Error().Str("payment_id", p.ID.String()).Int64("recorded", p.AmountMinor).
				Int64("reported", res.AmountMinor).Msg("webhook amount mismatch")
			return false, ErrAmountMismatch
		}
	}

	if res.Status == StatusPending {
		changed, err := s.Store.RecordAttemptFailure(ctx, p.ID, res.FailureReason)
		if err == nil && changed {
			s.Logger.Info().Str("payment_id", p.ID.String()).Str("reason", res.FailureReason).Msg("payment attempt declined")
		}
		return changed, err
	}

	changed, err := s.Store.Transition(ctx, p.ID, res.Status, res.FailureReason)
	if err != nil || !changed {
		return false, err
	}
	p.Status = res.Status
	switch res.Status {
	case StatusSucceeded:
		s.afterSuccess(ctx, p, nil)
	case StatusFailed:
		s.release(ctx, p.ID)
		s.emit(ctx, events.TopicPaymentFailed, p.ID, map[string]any{
			"paymentId": p.ID,
			"productId": p.ProductID,
			"email":     p.Email,
			"reason":    res.FailureReason,
		})
	}
	return true, nil
}

// afterSuccess runs the post-commit effects of a paid order. Failures are
// logged; the payment itself is already settled.
func (s *Service) afterSuccess(ctx context.Context, p Payment, prod *product.Product) {
	s.emit(ctx, events.TopicPaymentSucceeded, p.ID, map[string]any{
		"paymentId":  p.ID,
		"productId":  p.ProductID,
		"email":      p.Email,
		"currency":   p.Currency,
		"totalGross": pricing.Round(p.TotalGross).StringFixed(pricing.DisplayPlaces),
		"provider":   p.Provider,
	})
	if p.Email != "" {
		s.emit(ctx, events.TopicAccessGranted, p.ID, map[string]any{
			"paymentId": p.ID,
			"productId": p.ProductID,
			"email":     p.Email,
		})
	}
	if s.Coupons == nil {
		return
	}
	if p.CouponCode != nil {
		redeemed, err := s.Coupons.Redeem(ctx, *p.CouponCode, p.ID, p.Email, p.DiscountAmount)
		if errors.Is(err, coupon.ErrExpired) {
			s.Logger.Warn().Str("payment_id", p.ID.String()).Str("code", *p.CouponCode).Msg("coupon hold lapsed and usage limit was reached before settlement")
		} else if err != nil {
			s.Logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("redeem coupon")
		} else if redeemed {
			s.emit(ctx, events.TopicCouponRedeemed, p.ID, map[string]any{
				"paymentId":      p.ID,
				"code":           *p.CouponCode,
				"email":          p.Email,
				"discountAmount": pricing.Round(p.DiscountAmount).StringFixed(pricing.DisplayPlaces),
			})
		}
	}
	if p.Email == "" {
		return
	}
	if prod == nil && s.Products != nil {
		loaded, err := s.Products.Get(ctx, p.ProductID)
		if err != nil {
			s.Logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("load product for offer")
			return
		}
		prod = &loaded
	}
	if prod == nil || prod.OTO == nil {
		return
	}
	rule, issued, err := s.Coupons.IssueOneTimeOffer(ctx, *prod.OTO, p.Email, p.ID)
	if err != nil {
		s.Logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("issue one-time offer")
		return
	}
	if issued {
		payload := map[string]any{
			"paymentId":       p.ID,
			"code":            rule.Code,
			"email":           p.Email,
			"targetProductId": prod.OTO.TargetProductID,
			"discountType":    rule.DiscountType,
			"discountValue":   rule.DiscountValue.String(),
		}
		if rule.ValidTo != nil {
			payload["expiresAt"] = rule.ValidTo.UTC()
		}
		s.emit(ctx, events.TopicOTOIssued, p.ID, payload)
	}
}

func (s *Service) emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload map[string]any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		s.Logger.Error().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID.String()).Msg("emit event")
	}
}
