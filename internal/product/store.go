package product

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/db"
)

// Store persists products and their bumps.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Product, error)
	GetBySlug(ctx context.Context, slug string) (Product, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]Product, int64, error)
	Create(ctx context.Context, p Product) (Product, error)
	Update(ctx context.Context, p Product) (Product, error)
	Deactivate(ctx context.Context, id uuid.UUID) (Product, error)
}

// PGStore implements Store on Postgres.
type PGStore struct {
	DB db.Pool
}

const productColumns = `id, slug, name, description, price, currency, vat_rate, price_includes_vat,
	allow_custom_price, custom_price_min, custom_price_max, oto_target_product_id, oto_discount_type,
	oto_discount_value, oto_valid_for_seconds, active, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p           Product
		otoTarget   *uuid.UUID
		otoType     *string
		otoValue    *decimal.Decimal
		otoValidFor *int
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.Price, &p.Currency, &p.VATRate,
		&p.PriceIncludesVAT, &p.AllowCustomPrice, &p.CustomPriceMin, &p.CustomPriceMax,
		&otoTarget, &otoType, &otoValue, &otoValidFor, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, err
	}
	if otoTarget != nil && otoType != nil && otoValue != nil {
		p.OTO = &OneTimeOffer{TargetProductID: *otoTarget, DiscountType: *otoType, DiscountValue: *otoValue}
		if otoValidFor != nil {
			p.OTO.ValidForSeconds = *otoValidFor
		}
	}
	return p, nil
}

func otoArgs(o *OneTimeOffer) (any, any, any, any) {
	if o == nil {
		return nil, nil, nil, nil
	}
	return o.TargetProductID, o.DiscountType, o.DiscountValue, o.ValidForSeconds
}

func (s PGStore) Get(ctx context.Context, id uuid.UUID) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	return s.withBumps(ctx, s.DB, p, err)
}

func (s PGStore) GetBySlug(ctx context.Context, slug string) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE slug = $1`, slug))
	return s.withBumps(ctx, s.DB, p, err)
}

func (s PGStore) withBumps(ctx context.Context, q db.DBTX, p Product, err error) (Product, error) {
	if err != nil {
		return Product{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, title, price, active FROM order_bumps WHERE product_id = $1 ORDER BY position, title`, p.ID)
	if err != nil {
		return Product{}, err
	}
	defer rows.Close()
	p.Bumps = []Bump{}
	for rows.Next() {
		var b Bump
		if err := rows.Scan(&b.ID, &b.Title, &b.Price, &b.Active); err != nil {
			return Product{}, err
		}
		p.Bumps = append(p.Bumps, b)
	}
	return p, rows.Err()
}

func (s PGStore) List(ctx context.Context, activeOnly bool, limit, offset int) ([]Product, int64, error) {
	where := ""
	if activeOnly {
		where = "WHERE active"
	}
	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM products `+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`SELECT %s FROM products %s ORDER BY created_at DESC LIMIT $1 OFFSET $2`, productColumns, where), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if out[i], err = s.withBumps(ctx, s.DB, out[i], nil); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (s PGStore) Create(ctx context.Context, p Product) (Product, error) {
	var created Product
	err := db.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		target, kind, value, validFor := otoArgs(p.OTO)
		var err error
		created, err = scanProduct(tx.QueryRow(ctx, `
			INSERT INTO products (slug, name, description, price, currency, vat_rate, price_includes_vat,
				allow_custom_price, custom_price_min, custom_price_max, oto_target_product_id,
				oto_discount_type, oto_discount_value, oto_valid_for_seconds, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING `+productColumns,
			p.Slug, p.Name, p.Description, p.Price, p.Currency, p.VATRate, p.PriceIncludesVAT,
			p.AllowCustomPrice, p.CustomPriceMin, p.CustomPriceMax, target, kind, value, validFor, p.Active))
		if err != nil {
			return err
		}
		if err := replaceBumps(ctx, tx, created.ID, p.Bumps); err != nil {
			return err
		}
		created, err = s.withBumps(ctx, tx, created, nil)
		return err
	})
	if db.IsUniqueViolation(err) {
		return Product{}, ErrSlugTaken
	}
	return created, err
}

func (s PGStore) Update(ctx context.Context, p Product) (Product, error) {
	var updated Product
	err := db.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		target, kind, value, validFor := otoArgs(p.OTO)
		var err error
		updated, err = scanProduct(tx.QueryRow(ctx, `
			UPDATE products SET slug = $2, name = $3, description = $4, price = $5, currency = $6,
				vat_rate = $7, price_includes_vat = $8, allow_custom_price = $9, custom_price_min = $10,
				custom_price_max = $11, oto_target_product_id = $12, oto_discount_type = $13,
				oto_discount_value = $14, oto_valid_for_seconds = $15, active = $16, updated_at = now()
			WHERE id = $1
			RETURNING `+productColumns,
			p.ID, p.Slug, p.Name, p.Description, p.Price, p.Currency, p.VATRate, p.PriceIncludesVAT,
			p.AllowCustomPrice, p.CustomPriceMin, p.CustomPriceMax, target, kind, value, validFor, p.Active))
		if err != nil {
			return err
		}
		if err := replaceBumps(ctx, tx, updated.ID, p.Bumps); err != nil {
			return err
		}
		updated, err = s.withBumps(ctx, tx, updated, nil)
		return err
	})
	if db.IsUniqueViolation(err) {
		return Product{}, ErrSlugTaken
	}
	return updated, err
}

func (s PGStore) Deactivate(ctx context.Context, id uuid.UUID) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `UPDATE products SET active = FALSE, updated_at = now()
		WHERE id = $1 RETURNING `+productColumns, id))
	return s.withBumps(ctx, s.DB, p, err)
}

// replaceBumps keeps bump ids stable for rows that still exist so recorded
// payments continue to reference them; removed bumps are deactivated.
func replaceBumps(ctx context.Context, tx pgx.Tx, productID uuid.UUID, bumps []Bump) error {
	keep := make([]uuid.UUID, 0, len(bumps))
	for i, b := range bumps {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		keep = append(keep, b.ID)
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_bumps (id, product_id, title, price, active, position)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, price = EXCLUDED.price,
				active = EXCLUDED.active, position = EXCLUDED.position
			WHERE order_bumps.product_id = EXCLUDED.product_id`,
			b.ID, productID, b.Title, b.Price, b.Active, i); err != nil {
			return err
		}
	}
	_, err := tx.Exec(ctx, `UPDATE order_bumps SET active = FALSE WHERE product_id = $1 AND NOT (id = ANY($2))`, productID, keep)
	return err
}
