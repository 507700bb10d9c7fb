package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/backend-checkout/internal/app"
	"github.com/noah-isme/backend-checkout/internal/auth"
	"github.com/noah-isme/backend-checkout/internal/config"
	"github.com/noah-isme/backend-checkout/internal/coupon"
	"github.com/noah-isme/backend-checkout/internal/db"
	"github.com/noah-isme/backend-checkout/internal/obs"
	"github.com/noah-isme/backend-checkout/internal/product"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

type fixtures struct {
	Admins   []adminFixture   `yaml:"admins"`
	Products []productFixture `yaml:"products"`
	Coupons  []couponFixture  `yaml:"coupons"`
}

type adminFixture struct {
	Email    string   `yaml:"email"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

type productFixture struct {
	Slug             string        `yaml:"slug"`
	Name             string        `yaml:"name"`
	Description      string        `yaml:"description"`
	Price            string        `yaml:"price"`
	Currency         string        `yaml:"currency"`
	VATRate          string        `yaml:"vatRate"`
	PriceIncludesVAT bool          `yaml:"priceIncludesVat"`
	AllowCustomPrice bool          `yaml:"allowCustomPrice"`
	CustomPriceMin   string        `yaml:"customPriceMin"`
	CustomPriceMax   string        `yaml:"customPriceMax"`
	Bumps            []bumpFixture `yaml:"bumps"`
	OneTimeOffer     *otoFixture   `yaml:"oneTimeOffer"`
}

type bumpFixture struct {
	Title string `yaml:"title"`
	Price string `yaml:"price"`
}

type otoFixture struct {
	TargetSlug      string `yaml:"targetSlug"`
	DiscountType    string `yaml:"discountType"`
	DiscountValue   string `yaml:"discountValue"`
	ValidForSeconds int    `yaml:"validForSeconds"`
}

type couponFixture struct {
	Code              string   `yaml:"code"`
	DiscountType      string   `yaml:"discountType"`
	DiscountValue     string   `yaml:"discountValue"`
	ExcludeOrderBumps bool     `yaml:"excludeOrderBumps"`
	ProductSlugs      []string `yaml:"productSlugs"`
	AllowedEmails     []string `yaml:"allowedEmails"`
	UsageLimit        *int     `yaml:"usageLimit"`
	PerUserLimit      *int     `yaml:"perUserLimit"`
	ValidDays         int      `yaml:"validDays"`
}

type seeder struct {
	db       db.Pool
	products product.PGStore
	catalog  *product.Service
	coupons  *coupon.Service
	logger   zerolog.Logger
}

func main() {
	path := flag.String("fixtures", "", "path to a YAML fixtures file (defaults to the embedded set)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "seeder").Logger()

	raw := defaultFixtures
	if *path != "" {
		if raw, err = os.ReadFile(*path); err != nil {
			logger.Fatal().Err(err).Str("path", *path).Msg("read fixtures")
		}
	}
	var fx fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		logger.Fatal().Err(err).Msg("parse fixtures")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := app.ConnectPostgres(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	store := product.PGStore{DB: pool}
	catalog, err := product.NewService(product.ServiceConfig{Store: store, DefaultCurrency: cfg.DefaultCurrency, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise product service")
	}
	s := seeder{
		db:       pool,
		products: store,
		catalog:  catalog,
		coupons:  &coupon.Service{Store: coupon.PGStore{DB: pool}, Logger: logger},
		logger:   logger,
	}

	if err := s.run(ctx, fx); err != nil {
		logger.Fatal().Err(err).Msg("seeding failed")
	}
	logger.Info().Msg("seeding completed")
}

func (s seeder) run(ctx context.Context, fx fixtures) error {
	for _, a := range fx.Admins {
		if err := s.seedAdmin(ctx, a); err != nil {
			return fmt.Errorf("admin %s: %w", a.Email, err)
		}
	}
	// Offers reference other products by slug, so plain products go first.
	for _, withOffer := range []bool{false, true} {
		for _, p := range fx.Products {
			if (p.OneTimeOffer != nil) != withOffer {
				continue
			}
			if err := s.seedProduct(ctx, p); err != nil {
				return fmt.Errorf("product %s: %w", p.Slug, err)
			}
		}
	}
	for _, c := range fx.Coupons {
		if err := s.seedCoupon(ctx, c); err != nil {
			return fmt.Errorf("coupon %s: %w", c.Code, err)
		}
	}
	return nil
}

func (s seeder) seedAdmin(ctx context.Context, a adminFixture) error {
	hash, err := auth.HashPassword(a.Password)
	if err != nil {
		return err
	}
	roles := a.Roles
	if len(roles) == 0 {
		roles = []string{"admin"}
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO admin_users (email, password_hash, roles)
		VALUES (lower($1), $2, $3)
		ON CONFLICT (lower(email)) DO NOTHING`,
		strings.TrimSpace(a.Email), hash, roles,
	)
	if err != nil {
		return err
	}
	s.logger.Info().Str("email", a.Email).Bool("created", tag.RowsAffected() > 0).Msg("admin seeded")
	return nil
}

func (s seeder) seedProduct(ctx context.Context, f productFixture) error {
	if existing, err := s.products.GetBySlug(ctx, f.Slug); err == nil {
		s.logger.Info().Str("slug", f.Slug).Str("id", existing.ID.String()).Msg("product exists, skipping")
		return nil
	} else if !errors.Is(err, product.ErrNotFound) {
		return err
	}

	price, err := amount(f.Price)
	if err != nil {
		return err
	}
	p := product.Product{
		Slug:             f.Slug,
		Name:             f.Name,
		Description:      f.Description,
		Price:            price,
		Currency:         f.Currency,
		PriceIncludesVAT: f.PriceIncludesVAT,
		AllowCustomPrice: f.AllowCustomPrice,
		Active:           true,
	}
	if p.VATRate, err = optionalAmount(f.VATRate); err != nil {
		return err
	}
	if p.CustomPriceMin, err = optionalAmount(f.CustomPriceMin); err != nil {
		return err
	}
	if p.CustomPriceMax, err = optionalAmount(f.CustomPriceMax); err != nil {
		return err
	}
	for _, b := range f.Bumps {
		bumpPrice, err := amount(b.Price)
		if err != nil {
			return err
		}
		p.Bumps = append(p.Bumps, product.Bump{Title: b.Title, Price: bumpPrice, Active: true})
	}
	if o := f.OneTimeOffer; o != nil {
		target, err := s.products.GetBySlug(ctx, o.TargetSlug)
		if err != nil {
			return fmt.Errorf("offer target %s: %w", o.TargetSlug, err)
		}
		value, err := amount(o.DiscountValue)
		if err != nil {
			return err
		}
		p.OTO = &product.OneTimeOffer{
			TargetProductID: target.ID,
			DiscountType:    o.DiscountType,
			DiscountValue:   value,
			ValidForSeconds: o.ValidForSeconds,
		}
	}

	created, err := s.catalog.Create(ctx, p)
	if err != nil {
		return err
	}
	s.logger.Info().Str("slug", created.Slug).Str("id", created.ID.String()).Msg("product seeded")
	return nil
}

func (s seeder) seedCoupon(ctx context.Context, f couponFixture) error {
	value, err := amount(f.DiscountValue)
	if err != nil {
		return err
	}
	r := coupon.Rule{
		Code:              f.Code,
		DiscountType:      f.DiscountType,
		DiscountValue:     value,
		ExcludeOrderBumps: f.ExcludeOrderBumps,
		AllowedEmails:     f.AllowedEmails,
		UsageLimit:        f.UsageLimit,
		PerUserLimit:      f.PerUserLimit,
		Active:            true,
	}
	for _, slug := range f.ProductSlugs {
		p, err := s.products.GetBySlug(ctx, slug)
		if err != nil {
			return fmt.Errorf("product %s: %w", slug, err)
		}
		r.ProductIDs = append(r.ProductIDs, p.ID)
	}
	if r.ProductIDs == nil {
		r.ProductIDs = []uuid.UUID{}
	}
	if f.ValidDays > 0 {
		until := time.Now().UTC().AddDate(0, 0, f.ValidDays)
		r.ValidTo = &until
	}

	created, err := s.coupons.Create(ctx, r)
	if errors.Is(err, coupon.ErrCodeTaken) {
		s.logger.Info().Str("code", f.Code).Msg("coupon exists, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info().Str("code", created.Code).Msg("coupon seeded")
	return nil
}

func amount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return d, nil
}

func optionalAmount(raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := amount(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
