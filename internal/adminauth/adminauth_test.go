package adminauth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Sebdysart/hustlexp-ledger/internal/adminauth"
)

func signToken(t *testing.T, secret string, sub uuid.UUID, role string, expiry time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub.String(), "role": role, "exp": expiry.Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestFromRequestMissingTokenFails(t *testing.T) {
	v := adminauth.New("secret")
	req := httptest.NewRequest(http.MethodPost, "/disputes/1/resolve", nil)

	_, err := v.FromRequest(req)
	require.ErrorIs(t, err, adminauth.ErrMissingToken)
}

func TestFromRequestValidTokenParsesClaims(t *testing.T) {
	v := adminauth.New("shared-secret")
	adminID := uuid.New()
	token := signToken(t, "shared-secret", adminID, "admin", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/disputes/1/resolve", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	claims, err := v.FromRequest(req)
	require.NoError(t, err)
	require.Equal(t, adminID, claims.Subject)
	require.Equal(t, "admin", claims.Role)
}

func TestFromRequestWrongSecretRejected(t *testing.T) {
	v := adminauth.New("shared-secret")
	token := signToken(t, "other-secret", uuid.New(), "admin", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/disputes/1/resolve", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	_, err := v.FromRequest(req)
	require.Error(t, err)
}

func TestFromRequestExpiredTokenRejected(t *testing.T) {
	v := adminauth.New("shared-secret")
	token := signToken(t, "shared-secret", uuid.New(), "admin", time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/disputes/1/resolve", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	_, err := v.FromRequest(req)
	require.Error(t, err)
}
