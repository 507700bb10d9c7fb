package payment

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/checkout"
	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/pricing"
)

// Handler exposes HTTP endpoints for payment intents and status polling.
type Handler struct {
	Svc *Service
}

type intentRequest struct {
	ProductID     string           `json:"productId" validate:"required,uuid"`
	Email         string           `json:"email" validate:"omitempty,email,max=254"`
	BumpID        *string          `json:"bumpId" validate:"omitempty,uuid"`
	CouponCode    string           `json:"couponCode" validate:"max=64"`
	CustomAmount  *decimal.Decimal `json:"customAmount"`
	ExpectedTotal *decimal.Decimal `json:"expectedTotal"`
}

type statusResponse struct {
	ID            uuid.UUID `json:"id"`
	Status        Status    `json:"status"`
	ProductID     uuid.UUID `json:"productId"`
	Currency      string    `json:"currency"`
	TotalGross    string    `json:"totalGross"`
	FailureReason string    `json:"failureReason,omitempty"`
}

// Routes mounts the buyer-facing endpoints. idem wraps intent creation.
func (h *Handler) Routes(r chi.Router, idem func(http.Handler) http.Handler) {
	if idem == nil {
		r.Post("/payments/intent", h.Intent)
	} else {
		r.With(idem).Post("/payments/intent", h.Intent)
	}
	r.Get("/payments/{id}/status", h.Status)
}

// AdminRoutes mounts the admin listing.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/payments", h.AdminList)
}

// Intent creates a payment intent for the buyer's selection.
func (h *Handler) Intent(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req intentRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	sel := checkout.SelectionFromRequest(req.ProductID, req.BumpID, req.CustomAmount, req.CouponCode, req.Email)
	intent, err := h.Svc.CreateIntent(r.Context(), IntentInput{
		ProductID:     sel.ProductID,
		Email:         sel.Email,
		BumpID:        sel.BumpID,
		CouponCode:    sel.CouponCode,
		CustomAmount:  sel.CustomAmount,
		ExpectedTotal: req.ExpectedTotal,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if intent.Free {
		status = http.StatusOK
	}
	common.JSON(w, status, intent)
}

// Status reports the state of a payment.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payment id", nil)
		return
	}
	p, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
			return
		}
		common.WriteError(w, err)
		return
	}
	resp := statusResponse{
		ID:         p.ID,
		Status:     p.Status,
		ProductID:  p.ProductID,
		Currency:   p.Currency,
		TotalGross: pricing.Round(p.TotalGross).StringFixed(pricing.DisplayPlaces),
	}
	if p.FailureReason != nil {
		resp.FailureReason = *p.FailureReason
	}
	common.JSON(w, http.StatusOK, resp)
}

// AdminList returns payments, optionally filtered by status.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	status := Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch status {
	case "", StatusPending, StatusSucceeded, StatusFailed:
	default:
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status filter", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50)
	items, total, err := h.Svc.List(r.Context(), status, page, perPage)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if items == nil {
		items = []Payment{}
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}
