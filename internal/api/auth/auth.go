// Package auth validates the JWT bearer tokens the companion app issues.
// Tether does not mint end-user sessions; it only checks that a request
// carries a token signed with the shared secret and extracts the user ID
// from the subject claim.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ContextKey represents keys for context values
type ContextKey string

// UserContextKey is where the authenticated user ID lives on the echo context.
const UserContextKey ContextKey = "user_id"

// Claims represents the claims in our JWT tokens. The user ID rides in
// the registered subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenService handles JWT token creation and validation
type TokenService struct {
	secretKey []byte
}

// NewTokenService creates a new token service
func NewTokenService(secretKey string) *TokenService {
	return &TokenService{secretKey: []byte(secretKey)}
}

// Generate signs a token for a user. Used by tests and the dev tooling;
// production tokens come from the companion app with the same secret.
func (ts *TokenService) Generate(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "tether",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the user ID it was issued for.
func (ts *TokenService) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secretKey, nil
	})
	if err != nil || !token.Valid {
		if err == nil {
			err = fmt.Errorf("invalid token")
		}
		return "", err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// RequireAuth returns middleware that rejects requests without a valid
// bearer token. WebSocket clients cannot always set headers, so a
// "token" query parameter is accepted as a fallback.
func RequireAuth(tokenService *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString := ""

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader != "" {
				tokenParts := strings.Split(authHeader, " ")
				if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
				}
				tokenString = tokenParts[1]
			} else {
				tokenString = c.QueryParam("token")
			}

			if tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization required")
			}

			userID, err := tokenService.Validate(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(UserContextKey), userID)
			return next(c)
		}
	}
}

// UserID returns the authenticated user ID set by RequireAuth.
func UserID(c echo.Context) string {
	id, _ := c.Get(string(UserContextKey)).(string)
	return id
}
