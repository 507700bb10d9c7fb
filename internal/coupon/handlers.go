package coupon

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/common"
)

// Handler exposes coupon verification and admin management endpoints.
type Handler struct {
	Svc *Service
}

type verifyRequest struct {
	Code      string `json:"code" validate:"required,max=64"`
	ProductID string `json:"productId" validate:"required,uuid"`
	Email     string `json:"email" validate:"omitempty,email"`
}

type couponPayload struct {
	Code              string          `json:"code" validate:"required,max=64"`
	DiscountType      string          `json:"discountType" validate:"required,oneof=percentage fixed"`
	DiscountValue     decimal.Decimal `json:"discountValue"`
	ExcludeOrderBumps bool            `json:"excludeOrderBumps"`
	ProductIDs        []uuid.UUID     `json:"productIds"`
	AllowedEmails     []string        `json:"allowedEmails" validate:"omitempty,dive,email"`
	UsageLimit        *int            `json:"usageLimit" validate:"omitempty,min=0"`
	PerUserLimit      *int            `json:"perUserLimit" validate:"omitempty,min=0"`
	ValidFrom         *time.Time      `json:"validFrom"`
	ValidTo           *time.Time      `json:"validTo"`
	Active            *bool           `json:"active"`
}

// Verify handles POST /api/v1/coupons/verify. Rule failures are reported with
// valid=false and a reason rather than an HTTP error.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	var req verifyRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	productID, _ := uuid.Parse(req.ProductID)
	v, err := h.Svc.Verify(r.Context(), req.Code, productID, req.Email)
	if err != nil && !isRuleError(err) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon verification failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, v)
}

// ActiveOffer handles GET /api/v1/oto/{productId}?email=. The code itself is
// returned only with the paymentId of the purchase that earned the offer.
func (h *Handler) ActiveOffer(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	productID, err := uuid.Parse(chi.URLParam(r, "productId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid product id", nil)
		return
	}
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "email is required", nil)
		return
	}
	offer, err := h.Svc.ActiveOffer(r.Context(), productID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "no active offer", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "offer lookup failed", nil)
		return
	}
	out := map[string]any{
		"discountType":  offer.DiscountType,
		"discountValue": offer.DiscountValue,
		"expiresAt":     offer.ValidTo,
	}
	if source, err := uuid.Parse(r.URL.Query().Get("paymentId")); err == nil &&
		offer.SourcePaymentID != nil && *offer.SourcePaymentID == source {
		out["code"] = offer.Code
	}
	common.JSON(w, http.StatusOK, out)
}

// List handles GET /admin/coupons.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50)
	items, total, err := h.Svc.List(r.Context(), page, perPage)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}

// Create handles POST /admin/coupons.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	var req couponPayload
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	created, err := h.Svc.Create(r.Context(), Rule{
		Code:              req.Code,
		DiscountType:      req.DiscountType,
		DiscountValue:     req.DiscountValue,
		ExcludeOrderBumps: req.ExcludeOrderBumps,
		ProductIDs:        req.ProductIDs,
		AllowedEmails:     req.AllowedEmails,
		UsageLimit:        req.UsageLimit,
		PerUserLimit:      req.PerUserLimit,
		ValidFrom:         req.ValidFrom,
		ValidTo:           req.ValidTo,
		Active:            active,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, created)
}

// Delete handles DELETE /admin/coupons/{code} by deactivating the coupon.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	if err := h.Svc.Deactivate(r.Context(), chi.URLParam(r, "code")); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
