package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/db"
)

// Status is the lifecycle state of a payment row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when a payment does not exist.
var ErrNotFound = errors.New("payment not found")

// Payment is a persisted checkout payment with its pricing snapshot.
type Payment struct {
	ID             uuid.UUID        `json:"id"`
	ProductID      uuid.UUID        `json:"productId"`
	Email          string           `json:"email"`
	BumpID         *uuid.UUID       `json:"bumpId,omitempty"`
	CouponCode     *string          `json:"couponCode,omitempty"`
	CustomAmount   *decimal.Decimal `json:"customAmount,omitempty"`
	Currency       string           `json:"currency"`
	BasePrice      decimal.Decimal  `json:"basePrice"`
	DiscountAmount decimal.Decimal  `json:"discountAmount"`
	TotalGross     decimal.Decimal  `json:"totalGross"`
	TotalNet       decimal.Decimal  `json:"totalNet"`
	VATAmount      decimal.Decimal  `json:"vatAmount"`
	VATRate        decimal.Decimal  `json:"vatRate"`
	AmountMinor    int64            `json:"amountMinor"`
	Status         Status           `json:"status"`
	Provider       string           `json:"provider"`
	ProviderRef    *string          `json:"providerRef,omitempty"`
	ClientSecret   *string          `json:"-"`
	FailureReason  *string          `json:"failureReason,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Store persists payments and the product access they grant.
type Store interface {
	Create(ctx context.Context, p Payment) (Payment, error)
	Get(ctx context.Context, id uuid.UUID) (Payment, error)
	GetByProviderRef(ctx context.Context, ref string) (Payment, error)
	AttachProvider(ctx context.Context, id uuid.UUID, ref, clientSecret string) error
	// Transition moves a pending payment to status. It reports false when the
	// payment was no longer pending. Success grants product access atomically.
	Transition(ctx context.Context, id uuid.UUID, status Status, failureReason string) (bool, error)
	// RecordAttemptFailure notes a declined attempt on a payment that stays pending.
	RecordAttemptFailure(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	HasAccess(ctx context.Context, productID uuid.UUID, email string) (bool, error)
	List(ctx context.Context, status Status, limit, offset int) ([]Payment, int64, error)
}

// PGStore implements Store on Postgres.
type PGStore struct {
	DB db.Pool
}

const paymentColumns = `id, product_id, email, bump_id, coupon_code, custom_amount, currency, base_price,
	discount_amount, total_gross, total_net, vat_amount, vat_rate, amount_minor, status, provider,
	provider_ref, client_secret, failure_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		status string
	)
	err := row.Scan(&p.ID, &p.ProductID, &p.Email, &p.BumpID, &p.CouponCode, &p.CustomAmount, &p.Currency,
		&p.BasePrice, &p.DiscountAmount, &p.TotalGross, &p.TotalNet, &p.VATAmount, &p.VATRate, &p.AmountMinor,
		&status, &p.Provider, &p.ProviderRef, &p.ClientSecret, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	p.Status = Status(status)
	return p, nil
}

func insertPayment(ctx context.Context, q db.DBTX, p Payment) (Payment, error) {
	return scanPayment(q.QueryRow(ctx, `INSERT INTO payments (product_id, email, bump_id, coupon_code, custom_amount,
		currency, base_price, discount_amount, total_gross, total_net, vat_amount, vat_rate, amount_minor, status, provider)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+paymentColumns,
		p.ProductID, p.Email, p.BumpID, p.CouponCode, p.CustomAmount, p.Currency, p.BasePrice, p.DiscountAmount,
		p.TotalGross, p.TotalNet, p.VATAmount, p.VATRate, p.AmountMinor, string(p.Status), p.Provider))
}

func grantAccess(ctx context.Context, q db.DBTX, p Payment) error {
	if strings.TrimSpace(p.Email) == "" {
		return nil
	}
	_, err := q.Exec(ctx, `INSERT INTO product_access (product_id, email, payment_id) VALUES ($1, lower($2), $3)
		ON CONFLICT (product_id, lower(email)) DO NOTHING`, p.ProductID, p.Email, p.ID)
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}

func (s PGStore) Create(ctx context.Context, p Payment) (Payment, error) {
	return insertPayment(ctx, s.DB, p)
}

func (s PGStore) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return scanPayment(s.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s PGStore) GetByProviderRef(ctx context.Context, ref string) (Payment, error) {
	return scanPayment(s.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, ref))
}

func (s PGStore) AttachProvider(ctx context.Context, id uuid.UUID, ref, clientSecret string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE payments SET provider_ref = $2, client_secret = $3, updated_at = now() WHERE id = $1`,
		id, ref, clientSecret)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s PGStore) Transition(ctx context.Context, id uuid.UUID, status Status, failureReason string) (bool, error) {
	var changed bool
	err := db.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		var reason any
		if failureReason != "" {
			reason = failureReason
		}
		p, err := scanPayment(tx.QueryRow(ctx, `UPDATE payments SET status = $2, failure_reason = $3, updated_at = now()
			WHERE id = $1 AND status = 'pending' RETURNING `+paymentColumns, id, string(status), reason))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		changed = true
		if status == StatusSucceeded {
			return grantAccess(ctx, tx, p)
		}
		return nil
	})
	return changed, err
}

func (s PGStore) RecordAttemptFailure(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `UPDATE payments SET failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s PGStore) HasAccess(ctx context.Context, productID uuid.UUID, email string) (bool, error) {
	var ok bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM product_access WHERE product_id = $1 AND lower(email) = lower($2))`,
		productID, email).Scan(&ok)
	return ok, err
}

func (s PGStore) List(ctx context.Context, status Status, limit, offset int) ([]Payment, int64, error) {
	where, args := "", []any{}
	if status != "" {
		where = "WHERE status = $1"
		args = append(args, string(status))
	}
	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM payments `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`SELECT %s FROM payments %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		paymentColumns, where, n+1, n+2), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
