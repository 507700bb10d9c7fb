package product_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-checkout/internal/cache"
	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/product"
)

type fakeStore struct {
	mu       sync.Mutex
	products map[uuid.UUID]product.Product
	gets     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{products: map[uuid.UUID]product.Product{}}
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	p, ok := s.products[id]
	if !ok {
		return product.Product{}, product.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) GetBySlug(_ context.Context, slug string) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	for _, p := range s.products {
		if p.Slug == slug {
			return p, nil
		}
	}
	return product.Product{}, product.ErrNotFound
}

func (s *fakeStore) List(_ context.Context, activeOnly bool, _, _ int) ([]product.Product, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []product.Product
	for _, p := range s.products {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	return out, int64(len(out)), nil
}

func (s *fakeStore) Create(_ context.Context, p product.Product) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.products {
		if existing.Slug == p.Slug {
			return product.Product{}, product.ErrSlugTaken
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	for i := range p.Bumps {
		if p.Bumps[i].ID == uuid.Nil {
			p.Bumps[i].ID = uuid.New()
		}
	}
	s.products[p.ID] = p
	return p, nil
}

func (s *fakeStore) Update(_ context.Context, p product.Product) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; !ok {
		return product.Product{}, product.ErrNotFound
	}
	s.products[p.ID] = p
	return p, nil
}

func (s *fakeStore) Deactivate(_ context.Context, id uuid.UUID) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return product.Product{}, product.ErrNotFound
	}
	p.Active = false
	s.products[id] = p
	return p, nil
}

func newService(t *testing.T) (*product.Service, *fakeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := newFakeStore()
	svc, err := product.NewService(product.ServiceConfig{
		Store:  store,
		Cache:  cache.New(rdb, time.Minute),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return svc, store, mr
}

func sampleProduct() product.Product {
	vat := decimal.NewFromInt(23)
	return product.Product{
		Slug:             "go-course",
		Name:             "Go Course",
		Price:            decimal.RequireFromString("199.00"),
		VATRate:          &vat,
		PriceIncludesVAT: true,
		Active:           true,
		Bumps:            []product.Bump{{Title: "Cheat sheet", Price: decimal.RequireFromString("29"), Active: true}},
	}
}

func TestServiceCreateDefaultsCurrencyAndCaches(t *testing.T) {
	svc, store, mr := newService(t)
	created, err := svc.Create(context.Background(), sampleProduct())
	require.NoError(t, err)
	require.Equal(t, "PLN", created.Currency)

	_, err = svc.GetBySlug(context.Background(), "GO-course")
	require.NoError(t, err)
	require.True(t, mr.Exists("product:slug:go-course"))

	before := store.gets
	got, err := svc.GetBySlug(context.Background(), "go-course")
	require.NoError(t, err)
	require.Equal(t, before, store.gets)
	require.Equal(t, created.ID, got.ID)
	require.True(t, got.Price.Equal(decimal.RequireFromString("199")))
}

func TestServiceUpdateInvalidatesCache(t *testing.T) {
	svc, _, mr := newService(t)
	created, err := svc.Create(context.Background(), sampleProduct())
	require.NoError(t, err)
	_, err = svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, mr.Exists("product:id:"+created.ID.String()))

	created.Name = "Go Course 2"
	_, err = svc.Update(context.Background(), created)
	require.NoError(t, err)
	require.False(t, mr.Exists("product:id:"+created.ID.String()))

	_, err = svc.Deactivate(context.Background(), created.ID)
	require.NoError(t, err)
	_, err = svc.Get(context.Background(), created.ID)
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestServiceCreateValidation(t *testing.T) {
	svc, _, _ := newService(t)
	bad := sampleProduct()
	bad.Slug = "Not A Slug"
	bad.Price = decimal.NewFromInt(-1)
	bad.OTO = &product.OneTimeOffer{DiscountType: "bogo"}

	_, err := svc.Create(context.Background(), bad)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "VALIDATION_ERROR", appErr.Code)
	details := appErr.Details.(map[string]string)
	require.Contains(t, details, "slug")
	require.Contains(t, details, "price")
	require.Contains(t, details, "oneTimeOffer.discountType")
	require.Contains(t, details, "oneTimeOffer.targetProductId")

	_, err = svc.Create(context.Background(), sampleProduct())
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), sampleProduct())
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "CONFLICT", appErr.Code)
}
