package checkout

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/common"
)

// Handler serves the display-side quote endpoint.
type Handler struct {
	Svc *Service
}

type quoteRequest struct {
	ProductID    string           `json:"productId" validate:"required,uuid"`
	BumpID       *string          `json:"bumpId" validate:"omitempty,uuid"`
	CustomAmount *decimal.Decimal `json:"customAmount"`
	CouponCode   string           `json:"couponCode" validate:"max=64"`
	Email        string           `json:"email" validate:"omitempty,email"`
}

// SelectionFromRequest converts validated request ids into a Selection.
func SelectionFromRequest(productID string, bumpID *string, customAmount *decimal.Decimal, couponCode, email string) Selection {
	sel := Selection{CustomAmount: customAmount, CouponCode: couponCode, Email: email}
	sel.ProductID, _ = uuid.Parse(productID)
	if bumpID != nil {
		if id, err := uuid.Parse(*bumpID); err == nil {
			sel.BumpID = &id
		}
	}
	return sel
}

// Quote handles POST /api/v1/checkout/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var req quoteRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	q, err := h.Svc.Quote(r.Context(), SelectionFromRequest(req.ProductID, req.BumpID, req.CustomAmount, req.CouponCode, req.Email))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, q)
}
