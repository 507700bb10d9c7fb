package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-checkout/internal/resilience"
)

// DefaultStripeTolerance bounds the age of a signed webhook timestamp.
const DefaultStripeTolerance = 5 * time.Minute

// Stripe implements Provider over the Stripe REST API.
type Stripe struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	HTTP          *resilience.HTTPClient
	Tolerance     time.Duration
	Now           func() time.Time
}

// Name identifies the provider in routes, metrics and payment rows.
func (Stripe) Name() string { return "stripe" }

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripeIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreateIntent opens a PaymentIntent. The idempotency key makes retried calls
// return the same intent.
func (s Stripe) CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(s.SecretKey) == "" || s.HTTP == nil {
		return IntentResponse{}, errors.New("stripe: not configured")
	}
	if req.AmountMinor <= 0 {
		return IntentResponse{}, errors.New("stripe: amount must be positive")
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[payment_id]", req.PaymentID.String())
	form.Set("metadata[product_id]", req.ProductID.String())
	if req.Email != "" {
		form.Set("receipt_email", req.Email)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	endpoint := strings.TrimRight(s.baseURL(), "/") + "/v1/payment_intents"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return IntentResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := s.HTTP.Do(ctx, httpReq)
	if err != nil {
		return IntentResponse{}, fmt.Errorf("stripe: create intent: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return IntentResponse{}, fmt.Errorf("stripe: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var se stripeError
		_ = json.Unmarshal(body, &se)
		msg := se.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return IntentResponse{}, fmt.Errorf("stripe: create intent: %d %s", resp.StatusCode, msg)
	}
	var pi stripeIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return IntentResponse{}, fmt.Errorf("stripe: decode intent: %w", err)
	}
	if pi.ID == "" {
		return IntentResponse{}, errors.New("stripe: response missing intent id")
	}
	return IntentResponse{Provider: s.Name(), Ref: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s Stripe) baseURL() string {
	if strings.TrimSpace(s.BaseURL) == "" {
		return "https://api.stripe.com"
	}
	return s.BaseURL
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                 string            `json:"id"`
			Amount             int64             `json:"amount"`
			AmountReceived     int64             `json:"amount_received"`
			Currency           string            `json:"currency"`
			Metadata           map[string]string `json:"metadata"`
			CancellationReason string            `json:"cancellation_reason"`
			LastPaymentError   *struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyWebhook checks the Stripe-Signature header and decodes payment_intent events.
func (s Stripe) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	if strings.TrimSpace(s.WebhookSecret) == "" {
		return WebhookResult{}, errors.New("stripe: webhook secret not configured")
	}
	if err := s.verifySignature(r.Header.Get("Stripe-Signature"), body); err != nil {
		return WebhookResult{}, err
	}
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookResult{}, fmt.Errorf("stripe: decode event: %w", err)
	}
	obj := ev.Data.Object
	res := WebhookResult{
		EventID:  ev.ID,
		Type:     ev.Type,
		Ref:      obj.ID,
		Currency: strings.ToUpper(obj.Currency),
	}
	if id, err := uuid.Parse(obj.Metadata["payment_id"]); err == nil {
		res.PaymentID = id
	}
	switch ev.Type {
	case "payment_intent.succeeded":
		res.Status = StatusSucceeded
		res.AmountMinor = obj.AmountReceived
		if res.AmountMinor == 0 {
			res.AmountMinor = obj.Amount
		}
	case "payment_intent.payment_failed":
		// The intent returns to requires_payment_method and can still succeed.
		res.Status = StatusPending
		res.AmountMinor = obj.Amount
		res.FailureReason = "payment_failed"
		if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
			res.FailureReason = obj.LastPaymentError.Message
		}
	case "payment_intent.canceled":
		res.Status = StatusFailed
		res.AmountMinor = obj.Amount
		res.FailureReason = "canceled"
		if obj.CancellationReason != "" {
			res.FailureReason = "canceled: " + obj.CancellationReason
		}
	}
	return res, nil
}

func (s Stripe) verifySignature(header string, body []byte) error {
	var (
		ts         string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultStripeTolerance
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	expected := []byte(StripeSignature(s.WebhookSecret, unix, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// StripeSignature computes the v1 scheme signature for a payload signed at ts.
func StripeSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
