// Package auth signs in admin users and guards the admin API with HS256 tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/db"
)

const (
	defaultAccessTTL = time.Hour
	rolesClaim       = "roles"
	// RoleAdmin grants access to the admin API.
	RoleAdmin = "admin"
)

// ErrNotFound is returned when no admin matches an email.
var ErrNotFound = errors.New("auth: admin not found")

// dummyHash is compared against when the email is unknown so both paths cost the same.
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=2$c29tZXNhbHRzb21lc2FsdA$2Xk1k0jGqYdUu3e4m9l3nq7cWd8Yx8dJ4p1QYz5e4mM"

// Admin is an operator account.
type Admin struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store loads admin accounts.
type Store interface {
	GetByEmail(ctx context.Context, email string) (Admin, error)
}

// PGStore implements Store on Postgres.
type PGStore struct {
	DB db.DBTX
}

func (s PGStore) GetByEmail(ctx context.Context, email string) (Admin, error) {
	var a Admin
	err := s.DB.QueryRow(ctx, `SELECT id, email, password_hash, roles, active, created_at
		FROM admin_users WHERE lower(email) = lower($1)`, email).
		Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Roles, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Admin{}, ErrNotFound
	}
	return a, err
}

// HashPassword derives an argon2id hash suitable for admin_users.password_hash.
func HashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, argon2id.DefaultParams)
}

// Claims are the verified contents of an access token.
type Claims struct {
	Subject   string
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

// HasRole reports whether the claims carry role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Service signs admins in and verifies their tokens.
type Service struct {
	store     Store
	secret    []byte
	accessTTL time.Duration
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

// Config configures the auth service.
type Config struct {
	Store          Store
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string
	Audience       string
	ClockSkew      time.Duration
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Admin       Admin     `json:"admin"`
}

// NewService constructs a Service instance with sane defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "backend-checkout"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "checkout-admin"
	}
	skew := cfg.ClockSkew
	if skew < 0 {
		skew = 0
	}
	return &Service{
		store:     cfg.Store,
		secret:    []byte(secret),
		accessTTL: ttl,
		issuer:    issuer,
		audience:  audience,
		clockSkew: skew,
		now:       time.Now,
	}, nil
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func invalidCredentials() error {
	return common.NewAppError("INVALID_CREDENTIALS", "invalid email or password", http.StatusUnauthorized, nil)
}

// Login verifies the password and returns a signed access token.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, invalidCredentials()
	}
	admin, err := s.store.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return LoginResult{}, fmt.Errorf("load admin: %w", err)
	}
	hash := admin.PasswordHash
	if errors.Is(err, ErrNotFound) {
		hash = dummyHash
	}
	ok, cmpErr := argon2id.ComparePasswordAndHash(password, hash)
	if errors.Is(err, ErrNotFound) || cmpErr != nil || !ok || !admin.Active {
		return LoginResult{}, invalidCredentials()
	}
	token, expiresAt, err := s.sign(admin)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign token: %w", err)
	}
	return LoginResult{AccessToken: token, TokenType: "Bearer", ExpiresAt: expiresAt, Admin: admin}, nil
}

func (s *Service) sign(admin Admin) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	roles := admin.Roles
	if roles == nil {
		roles = []string{}
	}
	token, err := jwt.NewBuilder().
		Subject(admin.ID.String()).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt).
		Claim("email", admin.Email).
		Claim(rolesClaim, roles).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func unauthorized(err error) error {
	return common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
}

// ParseAccessToken verifies signature, algorithm, issuer, audience and expiry.
func (s *Service) ParseAccessToken(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "missing token", http.StatusUnauthorized, nil)
	}
	if err := requireHS256(trimmed); err != nil {
		return Claims{}, unauthorized(err)
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.now)),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	}
	if s.clockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(s.clockSkew))
	}
	parsed, err := jwt.ParseString(trimmed, opts...)
	if err != nil {
		return Claims{}, unauthorized(err)
	}
	claims := Claims{Subject: parsed.Subject(), ExpiresAt: parsed.Expiration()}
	if v, ok := parsed.Get("email"); ok {
		claims.Email, _ = v.(string)
	}
	if v, ok := parsed.Get(rolesClaim); ok {
		claims.Roles = toStrings(v)
	}
	return claims, nil
}

func requireHS256(token string) error {
	msg, err := jws.ParseString(token)
	if err != nil {
		return err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return errors.New("auth: expected exactly one signature")
	}
	headers := sigs[0].ProtectedHeaders()
	if headers == nil || headers.Algorithm() != jwa.HS256 {
		return errors.New("auth: unexpected token algorithm")
	}
	return nil
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
