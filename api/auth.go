package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// userContextKey is the echo context key under which the authenticated
// username is stored.
const userContextKey = "user"

// Authenticator validates the bearer tokens presented on both the durable
// interface and the push-channel handshake. Tokens are HMAC-signed JWTs
// whose subject names the recipient.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator using the given signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// ValidateToken verifies a token and returns the recipient it identifies.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "invalid bearer token")
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid bearer token")
	}

	return claims.Subject, nil
}

// Middleware authenticates a durable-interface request, storing the
// recipient username in the request context.
func (a *Authenticator) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		user, err := a.ValidateToken(tokenString)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
		}

		c.Set(userContextKey, user)
		return next(c)
	}
}

// requestUser returns the authenticated username stored by the middleware.
func requestUser(c echo.Context) string {
	user, _ := c.Get(userContextKey).(string)
	return user
}
