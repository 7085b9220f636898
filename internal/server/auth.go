package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator verifies HS256 bearer tokens. The subject claim is the
// caller's uuid; that uuid is the owner of every operation the request
// runs.
type Authenticator struct {
	secret []byte
	leeway time.Duration
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(strings.TrimSpace(secret)),
		leeway: 30 * time.Second,
	}
}

// Enabled reports whether a secret is configured. Without one every
// authenticated route is rejected.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Authenticate parses an Authorization header value and returns the caller.
func (a *Authenticator) Authenticate(header string) (uuid.UUID, error) {
	token := extractBearer(header)
	if token == "" {
		return uuid.Nil, ErrMissingToken
	}
	if !a.Enabled() {
		return uuid.Nil, fmt.Errorf("%w: auth secret not configured", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(a.leeway))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	caller, err := uuid.Parse(claims.Subject)
	if err != nil || caller == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return caller, nil
}

// IssueToken signs a token for subject valid for ttl.
func IssueToken(secret string, subject uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

type callerCtx struct{}

func withCaller(ctx context.Context, caller uuid.UUID) context.Context {
	return context.WithValue(ctx, callerCtx{}, caller)
}

// CallerFrom returns the authenticated caller, uuid.Nil if none.
func CallerFrom(ctx context.Context) uuid.UUID {
	caller, _ := ctx.Value(callerCtx{}).(uuid.UUID)
	return caller
}

// requestKey scopes a client idempotency key to its caller so two callers
// cannot collide.
func requestKey(caller uuid.UUID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return caller.String() + ":" + key
}
