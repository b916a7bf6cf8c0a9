package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, issuer string, subject string, expiry time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func testVerifier() *Verifier {
	return NewVerifier(config.AuthConfig{JWTSecret: testSecret, Issuer: "pagecite"}, zap.NewNop())
}

func requestWithToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestResolveValidToken(t *testing.T) {
	userID := uuid.New()
	v := testVerifier()

	identity := v.Resolve(requestWithToken(signToken(t, testSecret, "pagecite", userID.String(), time.Hour)))
	require.NotNil(t, identity)
	assert.Equal(t, userID, identity.UserID)
}

func TestResolveAnonymousCases(t *testing.T) {
	userID := uuid.New().String()
	v := testVerifier()

	tests := []struct {
		name  string
		token string
	}{
		{"no header", ""},
		{"wrong secret", signToken(t, "other-secret", "pagecite", userID, time.Hour)},
		{"expired", signToken(t, testSecret, "pagecite", userID, -time.Hour)},
		{"wrong issuer", signToken(t, testSecret, "someone-else", userID, time.Hour)},
		{"subject not a uuid", signToken(t, testSecret, "pagecite", "bob", time.Hour)},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, v.Resolve(requestWithToken(tt.token)))
		})
	}
}

func TestResolveDisabledVerifier(t *testing.T) {
	v := NewVerifier(config.AuthConfig{}, zap.NewNop())
	token := signToken(t, testSecret, "", uuid.New().String(), time.Hour)
	assert.Nil(t, v.Resolve(requestWithToken(token)))
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	userID := uuid.New()
	v := testVerifier()

	var seen *Identity
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(),
		requestWithToken(signToken(t, testSecret, "pagecite", userID.String(), time.Hour)))
	require.NotNil(t, seen)
	assert.Equal(t, userID, seen.UserID)

	seen = nil
	handler.ServeHTTP(httptest.NewRecorder(), requestWithToken(""))
	assert.Nil(t, seen)
}

func TestFromContextEmpty(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}
