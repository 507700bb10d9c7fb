package taxid

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-checkout/internal/common"
)

// Handler serves tax identifier checks.
type Handler struct {
	Registry *Registry
}

type checkResponse struct {
	Result
	Registered *bool    `json:"registered,omitempty"`
	Company    *Company `json:"company,omitempty"`
	Lookup     string   `json:"lookup,omitempty"`
}

// Check handles GET /tax-id/{value}. Polish numbers that pass validation are
// enriched from the registry; a registry outage is reported but is not fatal.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "value"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid tax id", nil)
		return
	}
	resp := checkResponse{Result: Validate(raw)}
	if !resp.Valid || resp.Country != CountryPL || h == nil || h.Registry == nil {
		common.JSON(w, http.StatusOK, resp)
		return
	}
	company, err := h.Registry.Lookup(r.Context(), raw)
	switch {
	case err == nil:
		registered := true
		resp.Registered = &registered
		resp.Company = &company
	case errors.Is(err, ErrNotRegistered):
		registered := false
		resp.Registered = &registered
	default:
		h.Registry.Logger.Warn().Err(err).Msg("tax id registry lookup failed")
		resp.Lookup = "unavailable"
	}
	common.JSON(w, http.StatusOK, resp)
}
