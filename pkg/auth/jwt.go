// Package auth ships the default authentication collaborator: HMAC-signed
// JWT credentials carried inside the authenticate event.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/a-essam23/go-fabric/pkg/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

func NewAuthenticator(logger *slog.Logger, jwtSecret string) *Authenticator {
	return &Authenticator{
		secret: []byte(jwtSecret),
		logger: logger.With(slog.String("component", "jwt_authenticator")),
	}
}

// Authenticate satisfies session.AuthenticateFunc. Credentials shape:
// {"token": "<jwt>", "cipher": bool?}.
func (a *Authenticator) Authenticate(_ context.Context, credentials json.RawMessage) (*session.Claims, error) {
	tokenString := gjson.GetBytes(credentials, "token").String()
	if tokenString == "" {
		return nil, errors.New("credentials missing token")
	}

	// Parse and validate the JWT token with HMAC signing.
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		a.logger.Warn("Invalid JWT token presented", slog.Any("error", err))
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok {
		return nil, errors.New("failed to parse custom claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing 'sub' claim")
	}

	metadata := map[string]any{}
	if len(claims.Permissions) > 0 {
		metadata["perms"] = claims.Permissions
	}

	return &session.Claims{
		UserID:   claims.Subject,
		Metadata: metadata,
		Encrypt:  gjson.GetBytes(credentials, "cipher").Bool(),
	}, nil
}
