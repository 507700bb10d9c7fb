package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// ErrInvalidSignature is returned by providers when a webhook signature does not verify.
var ErrInvalidSignature = errors.New("payment: invalid webhook signature")

// IntentRequest captures the information required to open a payment intent with a provider.
type IntentRequest struct {
	PaymentID      uuid.UUID
	ProductID      uuid.UUID
	AmountMinor    int64
	Currency       string
	Email          string
	Description    string
	IdempotencyKey string
}

// IntentResponse is what the provider hands back for a newly created intent.
type IntentResponse struct {
	Provider     string
	Ref          string
	ClientSecret string
}

// WebhookResult contains the normalised data extracted from a verified webhook.
// An empty Status means the event type is not one we act on. StatusPending with
// a FailureReason is a declined attempt the buyer may still retry.
type WebhookResult struct {
	EventID       string
	Type          string
	Ref           string
	PaymentID     uuid.UUID
	Status        Status
	AmountMinor   int64
	Currency      string
	FailureReason string
}

// Provider abstracts the operations required from an upstream payment provider.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}
