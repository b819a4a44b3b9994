package auth_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/a-essam23/go-fabric/pkg/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(slog.New(slog.NewTextHandler(io.Discard, nil)), testSecret)
}

func signToken(t *testing.T, secret string, claims auth.AppClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func credentials(token string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"token":%q}`, token))
}

func TestAuthenticateValidToken(t *testing.T) {
	token := signToken(t, testSecret, auth.AppClaims{
		Permissions: []string{"publish"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := newAuthenticator().Authenticate(context.Background(), credentials(token))
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, []string{"publish"}, claims.Metadata["perms"])
	require.False(t, claims.Encrypt)
}

func TestAuthenticateCipherFlag(t *testing.T) {
	token := signToken(t, testSecret, auth.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	})
	raw := json.RawMessage(fmt.Sprintf(`{"token":%q,"cipher":true}`, token))

	claims, err := newAuthenticator().Authenticate(context.Background(), raw)
	require.NoError(t, err)
	require.True(t, claims.Encrypt)
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	_, err := newAuthenticator().Authenticate(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	token := signToken(t, "other-secret", auth.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	})
	_, err := newAuthenticator().Authenticate(context.Background(), credentials(token))
	require.Error(t, err)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	token := signToken(t, testSecret, auth.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	_, err := newAuthenticator().Authenticate(context.Background(), credentials(token))
	require.Error(t, err)
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	token := signToken(t, testSecret, auth.AppClaims{})
	_, err := newAuthenticator().Authenticate(context.Background(), credentials(token))
	require.Error(t, err)
}
