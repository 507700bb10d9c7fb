package product

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/common"
)

// Handler exposes public and admin product endpoints.
type Handler struct {
	service *Service
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service *Service
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{service: cfg.Service}
}

type bumpRequest struct {
	ID     *uuid.UUID      `json:"id"`
	Title  string          `json:"title" validate:"required,max=200"`
	Price  decimal.Decimal `json:"price"`
	Active *bool           `json:"active"`
}

type productRequest struct {
	Slug             string           `json:"slug" validate:"required,max=120"`
	Name             string           `json:"name" validate:"required,max=200"`
	Description      string           `json:"description"`
	Price            decimal.Decimal  `json:"price"`
	Currency         string           `json:"currency" validate:"omitempty,len=3"`
	VATRate          *decimal.Decimal `json:"vatRate"`
	PriceIncludesVAT *bool            `json:"priceIncludesVat"`
	AllowCustomPrice bool             `json:"allowCustomPrice"`
	CustomPriceMin   *decimal.Decimal `json:"customPriceMin"`
	CustomPriceMax   *decimal.Decimal `json:"customPriceMax"`
	Active           *bool            `json:"active"`
	Bumps            []bumpRequest    `json:"bumps" validate:"dive"`
	OneTimeOffer     *OneTimeOffer    `json:"oneTimeOffer"`
}

func (req productRequest) toProduct() Product {
	p := Product{
		Slug:             req.Slug,
		Name:             req.Name,
		Description:      req.Description,
		Price:            req.Price,
		Currency:         req.Currency,
		VATRate:          req.VATRate,
		PriceIncludesVAT: true,
		AllowCustomPrice: req.AllowCustomPrice,
		CustomPriceMin:   req.CustomPriceMin,
		CustomPriceMax:   req.CustomPriceMax,
		Active:           true,
		OTO:              req.OneTimeOffer,
	}
	if req.PriceIncludesVAT != nil {
		p.PriceIncludesVAT = *req.PriceIncludesVAT
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	for _, b := range req.Bumps {
		bump := Bump{Title: b.Title, Price: b.Price, Active: true}
		if b.ID != nil {
			bump.ID = *b.ID
		}
		if b.Active != nil {
			bump.Active = *b.Active
		}
		p.Bumps = append(p.Bumps, bump)
	}
	return p
}

// Routes mounts the public product routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/products", h.List)
	r.Get("/products/{slug}", h.Detail)
}

// AdminRoutes mounts the admin product routes.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/products", h.AdminList)
	r.Post("/products", h.Create)
	r.Get("/products/{id}", h.AdminGet)
	r.Put("/products/{id}", h.Update)
	r.Delete("/products/{id}", h.Deactivate)
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "product service not configured", nil)
		return false
	}
	return true
}

// List handles GET /api/v1/products.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, true)
}

// AdminList handles GET /admin/products, including inactive products.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	if !h.ready(w) {
		return
	}
	page, perPage := common.ParsePagination(r, 20)
	items, total, err := h.service.List(r.Context(), activeOnly, page, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}

// Detail handles GET /api/v1/products/{slug}.
func (h *Handler) Detail(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	p, err := h.service.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": p})
}

// AdminGet handles GET /admin/products/{id}.
func (h *Handler) AdminGet(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.AdminGet(r.Context(), id)
	if err != nil {
		writeError(w, mapStoreError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": p})
}

// Create handles POST /admin/products.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req productRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	p, err := h.service.Create(r.Context(), req.toProduct())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": p})
}

// Update handles PUT /admin/products/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req productRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	p := req.toProduct()
	p.ID = id
	updated, err := h.service.Update(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": updated})
}

// Deactivate handles DELETE /admin/products/{id}.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.Deactivate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) && !common.IsAppError(err) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
		return
	}
	common.WriteError(w, err)
}
