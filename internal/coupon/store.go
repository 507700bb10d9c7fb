package coupon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-checkout/internal/db"
)

var (
	// ErrNotFound is returned by the store when no coupon matches.
	ErrNotFound = errors.New("coupon: not found")
	// ErrCodeTaken is returned when creating a coupon with an existing code.
	ErrCodeTaken = errors.New("coupon: code already exists")
)

// Store persists coupons and redemptions.
type Store interface {
	GetByCode(ctx context.Context, code string) (Rule, error)
	GetBySourcePayment(ctx context.Context, paymentID uuid.UUID) (Rule, error)
	CountRedemptionsByEmail(ctx context.Context, couponID uuid.UUID, email string) (int, error)
	// CountReservations counts unexpired holds on the coupon, ignoring those of excludeEmail.
	CountReservations(ctx context.Context, couponID uuid.UUID, excludeEmail string, now time.Time) (int, error)
	// Reserve holds one use of the coupon for an open payment. It returns ErrExpired
	// when the usage limit is taken and ErrNotApplicable when the buyer's own limit is.
	Reserve(ctx context.Context, res Reservation, now time.Time, perUserLimit int) error
	Release(ctx context.Context, paymentID uuid.UUID) error
	// Redeem converts the payment's hold into a redemption. Without a live hold it
	// returns ErrExpired if the usage limit has been reached meanwhile.
	Redeem(ctx context.Context, couponID, paymentID uuid.UUID, email string, amount decimal.Decimal, now time.Time) (bool, error)
	Create(ctx context.Context, r Rule) (Rule, error)
	List(ctx context.Context, limit, offset int) ([]Rule, int64, error)
	Deactivate(ctx context.Context, code string) error
	ActiveOffer(ctx context.Context, productID uuid.UUID, email string, now time.Time) (Rule, error)
}

// Reservation is a use of a coupon held by a payment that has not settled yet.
type Reservation struct {
	CouponID  uuid.UUID
	PaymentID uuid.UUID
	Email     string
	ExpiresAt time.Time
}

// PGStore implements Store on Postgres.
type PGStore struct {
	DB db.Pool
}

const couponColumns = `id, code, discount_type, discount_value, exclude_order_bumps, product_ids,
	allowed_emails, usage_limit, used_count, per_user_limit, valid_from, valid_to, active,
	one_time_offer, source_payment_id, created_at`

func scanRule(row pgx.Row) (Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.Code, &r.DiscountType, &r.DiscountValue, &r.ExcludeOrderBumps,
		&r.ProductIDs, &r.AllowedEmails, &r.UsageLimit, &r.UsedCount, &r.PerUserLimit,
		&r.ValidFrom, &r.ValidTo, &r.Active, &r.OneTimeOffer, &r.SourcePaymentID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	return r, err
}

func (s PGStore) GetByCode(ctx context.Context, code string) (Rule, error) {
	return scanRule(s.DB.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code))
}

func (s PGStore) GetBySourcePayment(ctx context.Context, paymentID uuid.UUID) (Rule, error) {
	return scanRule(s.DB.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE source_payment_id = $1`, paymentID))
}

func (s PGStore) CountRedemptionsByEmail(ctx context.Context, couponID uuid.UUID, email string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count(*) FROM coupon_redemptions
		WHERE coupon_id = $1 AND lower(email) = lower($2)`, couponID, email).Scan(&n)
	return n, err
}

func (s PGStore) CountReservations(ctx context.Context, couponID uuid.UUID, excludeEmail string, now time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count(*) FROM coupon_reservations
		WHERE coupon_id = $1 AND expires_at > $2 AND ($3 = '' OR lower(email) <> lower($3))`,
		couponID, now, excludeEmail).Scan(&n)
	return n, err
}

func lockRule(ctx context.Context, tx pgx.Tx, couponID uuid.UUID) (Rule, error) {
	return scanRule(tx.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1 FOR UPDATE`, couponID))
}

func countHolds(ctx context.Context, tx pgx.Tx, couponID, paymentID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM coupon_reservations
		WHERE coupon_id = $1 AND payment_id <> $2 AND expires_at > $3`, couponID, paymentID, now).Scan(&n)
	return n, err
}

// Reserve locks the coupon row so concurrent intents see each other's holds.
// A buyer's earlier holds on the same coupon are superseded by the new one.
func (s PGStore) Reserve(ctx context.Context, res Reservation, now time.Time, perUserLimit int) error {
	return db.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		rule, err := lockRule(ctx, tx, res.CouponID)
		if err != nil {
			return err
		}
		if res.Email != "" {
			if _, err := tx.Exec(ctx, `DELETE FROM coupon_reservations
				WHERE coupon_id = $1 AND lower(email) = lower($2) AND payment_id <> $3`,
				res.CouponID, res.Email, res.PaymentID); err != nil {
				return err
			}
			if perUserLimit > 0 {
				var used int
				if err := tx.QueryRow(ctx, `SELECT count(*) FROM coupon_redemptions
					WHERE coupon_id = $1 AND lower(email) = lower($2)`, res.CouponID, res.Email).Scan(&used); err != nil {
					return err
				}
				if used >= perUserLimit {
					return ErrNotApplicable
				}
			}
		}
		if rule.Reserved, err = countHolds(ctx, tx, res.CouponID, res.PaymentID, now); err != nil {
			return err
		}
		if !rule.HasCapacity() {
			return ErrExpired
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO coupon_reservations (coupon_id, payment_id, email, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (coupon_id, payment_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
			res.CouponID, res.PaymentID, res.Email, res.ExpiresAt)
		return err
	})
}

func (s PGStore) Release(ctx context.Context, paymentID uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM coupon_reservations WHERE payment_id = $1`, paymentID)
	return err
}

// Redeem records a redemption once per payment and bumps the usage counter
// only when the redemption row is new.
func (s PGStore) Redeem(ctx context.Context, couponID, paymentID uuid.UUID, email string, amount decimal.Decimal, now time.Time) (bool, error) {
	var inserted bool
	err := db.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		rule, err := lockRule(ctx, tx, couponID)
		if err != nil {
			return err
		}
		var seen bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coupon_redemptions WHERE coupon_id = $1 AND payment_id = $2)`,
			couponID, paymentID).Scan(&seen); err != nil {
			return err
		}
		if seen {
			return nil
		}
		var held bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coupon_reservations
			WHERE coupon_id = $1 AND payment_id = $2 AND expires_at > $3)`, couponID, paymentID, now).Scan(&held); err != nil {
			return err
		}
		if !held {
			if rule.Reserved, err = countHolds(ctx, tx, couponID, paymentID, now); err != nil {
				return err
			}
			if !rule.HasCapacity() {
				return ErrExpired
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM coupon_reservations WHERE coupon_id = $1 AND payment_id = $2`, couponID, paymentID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO coupon_redemptions (coupon_id, payment_id, email, amount)
			VALUES ($1, $2, $3, $4)`, couponID, paymentID, email, amount); err != nil {
			return err
		}
		inserted = true
		_, err = tx.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1`, couponID)
		return err
	})
	return inserted, err
}

func (s PGStore) Create(ctx context.Context, r Rule) (Rule, error) {
	if r.ProductIDs == nil {
		r.ProductIDs = []uuid.UUID{}
	}
	if r.AllowedEmails == nil {
		r.AllowedEmails = []string{}
	}
	created, err := scanRule(s.DB.QueryRow(ctx, `
		INSERT INTO coupons (code, discount_type, discount_value, exclude_order_bumps, product_ids,
			allowed_emails, usage_limit, per_user_limit, valid_from, valid_to, active, one_time_offer,
			source_payment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+couponColumns,
		r.Code, r.DiscountType, r.DiscountValue, r.ExcludeOrderBumps, r.ProductIDs, r.AllowedEmails,
		r.UsageLimit, r.PerUserLimit, r.ValidFrom, r.ValidTo, r.Active, r.OneTimeOffer, r.SourcePaymentID))
	if db.IsUniqueViolation(err) {
		return Rule{}, ErrCodeTaken
	}
	return created, err
}

func (s PGStore) List(ctx context.Context, limit, offset int) ([]Rule, int64, error) {
	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM coupons`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s PGStore) Deactivate(ctx context.Context, code string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE coupons SET active = FALSE WHERE code = $1`, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s PGStore) ActiveOffer(ctx context.Context, productID uuid.UUID, email string, now time.Time) (Rule, error) {
	return scanRule(s.DB.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons
		WHERE one_time_offer AND active AND $1 = ANY(product_ids)
		  AND EXISTS (SELECT 1 FROM unnest(allowed_emails) e WHERE lower(e) = lower($2))
		  AND (valid_to IS NULL OR valid_to > $3)
		  AND (usage_limit IS NULL OR used_count < usage_limit)
		ORDER BY created_at DESC LIMIT 1`, productID, email, now))
}
