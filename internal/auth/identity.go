// Package auth resolves bearer tokens to caller identities. Authentication is
// advisory here: a missing or invalid token yields an anonymous caller, and
// access decisions happen downstream against the document's access level.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/config"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the resolved caller.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

// Verifier validates HMAC-signed bearer tokens issued by the account system.
type Verifier struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

// NewVerifier builds a verifier. An empty secret disables verification and
// every caller resolves as anonymous.
func NewVerifier(cfg config.AuthConfig, logger *zap.Logger) *Verifier {
	return &Verifier{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, logger: logger}
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Resolve extracts the bearer token from the request and returns the caller's
// identity, or nil for anonymous.
func (v *Verifier) Resolve(r *http.Request) *Identity {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || len(v.secret) == 0 {
		return nil
	}

	identity, err := v.verify(token)
	if err != nil {
		v.logger.Debug("Bearer token rejected, treating caller as anonymous", zap.Error(err))
		return nil
	}
	return identity
}

func (v *Verifier) verify(token string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}

	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID, Email: c.Email}, nil
}

// Middleware resolves the caller once per request and stashes the identity in
// the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity := v.Resolve(r); identity != nil {
			r = r.WithContext(WithIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// FromContext returns the caller identity, or nil for anonymous.
func FromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey).(*Identity)
	return identity
}
