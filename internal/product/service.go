package product

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/cache"
	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/pricing"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Service reads products for checkout and manages them for admins.
type Service struct {
	store           Store
	cache           *cache.Cache
	defaultCurrency string
	logger          zerolog.Logger
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Store           Store
	Cache           *cache.Cache
	DefaultCurrency string
	Logger          zerolog.Logger
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("product: store is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if currency == "" {
		currency = "PLN"
	}
	return &Service{store: cfg.Store, cache: cfg.Cache, defaultCurrency: currency, logger: cfg.Logger}, nil
}

// Get returns an active product by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Product, error) {
	return s.cached(ctx, cache.KeyProductID(id.String()), func() (Product, error) {
		return s.store.Get(ctx, id)
	})
}

// GetBySlug returns an active product by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Product, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return Product{}, ErrNotFound
	}
	return s.cached(ctx, cache.KeyProductSlug(slug), func() (Product, error) {
		return s.store.GetBySlug(ctx, slug)
	})
}

func (s *Service) cached(ctx context.Context, key string, load func() (Product, error)) (Product, error) {
	var p Product
	if ok, err := s.cache.GetJSON(ctx, key, &p); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("product cache read failed")
	} else if ok {
		return p, nil
	}
	p, err := load()
	if err != nil {
		return Product{}, err
	}
	if !p.Active {
		return Product{}, ErrNotFound
	}
	if err := s.cache.SetJSON(ctx, key, p); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("product cache write failed")
	}
	return p, nil
}

// AdminGet returns a product regardless of its active flag.
func (s *Service) AdminGet(ctx context.Context, id uuid.UUID) (Product, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of products; public listings only include active products.
func (s *Service) List(ctx context.Context, activeOnly bool, page, perPage int) ([]Product, int64, error) {
	items, total, err := s.store.List(ctx, activeOnly, perPage, common.Offset(page, perPage))
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []Product{}
	}
	return items, total, nil
}

// Create validates and stores a new product.
func (s *Service) Create(ctx context.Context, p Product) (Product, error) {
	if err := s.normalise(&p); err != nil {
		return Product{}, err
	}
	created, err := s.store.Create(ctx, p)
	if err != nil {
		return Product{}, mapStoreError(err)
	}
	return created, nil
}

// Update replaces a product and drops its cached copies.
func (s *Service) Update(ctx context.Context, p Product) (Product, error) {
	if err := s.normalise(&p); err != nil {
		return Product{}, err
	}
	previous, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return Product{}, mapStoreError(err)
	}
	updated, err := s.store.Update(ctx, p)
	if err != nil {
		return Product{}, mapStoreError(err)
	}
	s.invalidate(ctx, previous, updated)
	return updated, nil
}

// Deactivate hides a product from checkout.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (Product, error) {
	p, err := s.store.Deactivate(ctx, id)
	if err != nil {
		return Product{}, mapStoreError(err)
	}
	s.invalidate(ctx, p)
	return p, nil
}

func (s *Service) invalidate(ctx context.Context, products ...Product) {
	keys := make([]string, 0, len(products)*2)
	for _, p := range products {
		keys = append(keys, cache.KeyProductID(p.ID.String()), cache.KeyProductSlug(p.Slug))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn().Err(err).Msg("product cache invalidation failed")
	}
}

func (s *Service) normalise(p *Product) error {
	p.Slug = strings.ToLower(strings.TrimSpace(p.Slug))
	p.Name = strings.TrimSpace(p.Name)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = s.defaultCurrency
	}
	fields := map[string]string{}
	if !slugPattern.MatchString(p.Slug) {
		fields["slug"] = "must be lowercase words separated by dashes"
	}
	if p.Name == "" {
		fields["name"] = "required"
	}
	if len(p.Currency) != 3 {
		fields["currency"] = "must be an ISO 4217 code"
	}
	if p.Price.IsNegative() {
		fields["price"] = "must not be negative"
	}
	if p.VATRate != nil && (p.VATRate.IsNegative() || p.VATRate.GreaterThan(decimal.NewFromInt(100))) {
		fields["vatRate"] = "must be between 0 and 100"
	}
	if p.CustomPriceMin != nil && p.CustomPriceMax != nil && p.CustomPriceMin.GreaterThan(*p.CustomPriceMax) {
		fields["customPriceMin"] = "must not exceed customPriceMax"
	}
	for _, b := range p.Bumps {
		if strings.TrimSpace(b.Title) == "" || b.Price.IsNegative() {
			fields["bumps"] = "each bump needs a title and a non-negative price"
			break
		}
	}
	if p.OTO != nil {
		if _, err := pricing.ParseKind(p.OTO.DiscountType); err != nil {
			fields["oneTimeOffer.discountType"] = "must be percentage or fixed"
		} else {
			p.OTO.DiscountType = strings.ToLower(strings.TrimSpace(p.OTO.DiscountType))
		}
		if p.OTO.TargetProductID == uuid.Nil {
			fields["oneTimeOffer.targetProductId"] = "required"
		}
		if p.OTO.DiscountValue.IsNegative() {
			fields["oneTimeOffer.discountValue"] = "must not be negative"
		}
	}
	if len(fields) > 0 {
		return common.NewAppError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest, nil).WithDetails(fields)
	}
	return nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("NOT_FOUND", "product not found", http.StatusNotFound, err)
	case errors.Is(err, ErrSlugTaken):
		return common.NewAppError("CONFLICT", "slug already in use", http.StatusConflict, err)
	default:
		return err
	}
}
