package payment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/obs"
)

const maxWebhookBody = 1 << 20

// Webhook handles payment provider callbacks: signature verification, replay
// suppression and settlement.
type Webhook struct {
	Svc       *Service
	Providers map[string]Provider
	Replay    redis.Cmdable
	ReplayTTL time.Duration
}

// Handle serves POST /webhooks/payment/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Providers == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	result := "error"
	defer func() { obs.Inc(obs.PaymentWebhookTotal, providerKey, result) }()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			result = "too_large"
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload exceeds limit", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	res, err := provider.VerifyWebhook(r, body)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			result = "invalid_signature"
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
			return
		}
		result = "invalid"
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}

	ctx := r.Context()
	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		id := res.EventID
		if id == "" {
			id = common.Digest(string(body))
		}
		replayKey = fmt.Sprintf("wh:in:%s:%s", providerKey, id)
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", "replay store unavailable", nil)
			return
		}
		if !fresh {
			result = "duplicate"
			common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	changed, err := h.Svc.Apply(ctx, res)
	if err != nil {
		if replayKey != "" {
			_ = h.Replay.Del(ctx, replayKey).Err()
		}
		switch {
		case errors.Is(err, ErrUnknownPayment):
			result = "unknown_payment"
			common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
		case errors.Is(err, ErrAmountMismatch):
			result = "amount_mismatch"
			common.JSONError(w, http.StatusBadRequest, "AMOUNT_MISMATCH", "provider amount mismatch", nil)
		default:
			h.Svc.Logger.Error().Err(err).Str("provider", providerKey).Str("event_id", res.EventID).Msg("apply payment webhook")
			common.JSONError(w, http.StatusInternalServerError, "PAYMENT_UPDATE_ERROR", "unable to settle payment", nil)
		}
		return
	}
	status := "ignored"
	if changed {
		status = "processed"
	}
	result = status
	common.JSON(w, http.StatusOK, map[string]string{"status": status})
}
