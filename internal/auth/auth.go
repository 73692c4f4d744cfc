// File: internal/auth/auth.go
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrInvalidToken is returned for tokens that fail validation for any
// reason; callers must not leak which check failed.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal behind an extension token.
type Identity struct {
	UserID string
	Email  string
}

// Validator checks an extension token and resolves its identity.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// -- Postgres Token Validator --

// PgxQuerier is the subset of pgxpool.Pool the validator needs; pgxmock
// satisfies it in tests.
type PgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresValidator resolves "sei_" prefixed tokens against the
// credential store: the token's sha256 hash must belong to an active
// user.
type PostgresValidator struct {
	db     PgxQuerier
	logger *zap.Logger
}

// NewPostgresValidator wires the validator over an open pool.
func NewPostgresValidator(db PgxQuerier, logger *zap.Logger) *PostgresValidator {
	return &PostgresValidator{db: db, logger: logger.Named("auth.postgres")}
}

const tokenLookupSQL = `SELECT user_id, email FROM extension_tokens
JOIN users ON users.id = extension_tokens.user_id
WHERE token_hash = $1 AND users.is_active`

// Validate checks a sei_ token against the store.
func (v *PostgresValidator) Validate(ctx context.Context, token string) (Identity, error) {
	if !strings.HasPrefix(token, "sei_") {
		return Identity{}, ErrInvalidToken
	}

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	var id Identity
	err := v.db.QueryRow(ctx, tokenLookupSQL, hash).Scan(&id.UserID, &id.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrInvalidToken
		}
		v.logger.Error("Token lookup failed.", zap.Error(err))
		return Identity{}, fmt.Errorf("token lookup: %w", err)
	}
	return id, nil
}

// -- JWT Validator --

// JWTValidator accepts HS256 access tokens minted by the licensing
// backend.
type JWTValidator struct {
	secret []byte
	logger *zap.Logger
}

// NewJWTValidator wires the validator with the shared secret.
func NewJWTValidator(secret string, logger *zap.Logger) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), logger: logger.Named("auth.jwt")}
}

// Validate parses and verifies the token. Only HS256 access tokens are
// accepted.
func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	if typ, _ := claims["type"].(string); typ != "access" {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		id.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	return id, nil
}

// -- Static Token Validator --

// StaticValidator accepts a fixed token list. It is the development
// fallback when no database or JWT secret is configured.
type StaticValidator struct {
	tokens map[string]struct{}
}

// NewStaticValidator wires the validator with the allowed tokens.
func NewStaticValidator(tokens []string) *StaticValidator {
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			m[t] = struct{}{}
		}
	}
	return &StaticValidator{tokens: m}
}

// Validate checks membership in constant time per candidate.
func (v *StaticValidator) Validate(_ context.Context, token string) (Identity, error) {
	for allowed := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(allowed), []byte(token)) == 1 {
			return Identity{UserID: "static"}, nil
		}
	}
	return Identity{}, ErrInvalidToken
}

// -- Chain Validator --

// ChainValidator tries each validator in order and accepts the first
// success.
type ChainValidator struct {
	validators []Validator
}

// NewChainValidator builds the ordered chain, skipping nils.
func NewChainValidator(validators ...Validator) *ChainValidator {
	chain := make([]Validator, 0, len(validators))
	for _, v := range validators {
		if v != nil {
			chain = append(chain, v)
		}
	}
	return &ChainValidator{validators: chain}
}

// Validate returns the first successful identity.
func (c *ChainValidator) Validate(ctx context.Context, token string) (Identity, error) {
	for _, v := range c.validators {
		if id, err := v.Validate(ctx, token); err == nil {
			return id, nil
		}
	}
	return Identity{}, ErrInvalidToken
}
