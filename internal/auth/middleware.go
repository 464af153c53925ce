// Package auth guards the recognition backend with optional JWT bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AnonymousUserID identifies uploads made while authentication is disabled.
const AnonymousUserID = "anonymous"

type contextKey string

const userIDKey contextKey = "authUserID"

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// UserIDOrAnonymous returns the authenticated subject or AnonymousUserID.
func UserIDOrAnonymous(ctx context.Context) string {
	if id, ok := GetUserID(ctx); ok {
		return id
	}
	return AnonymousUserID
}

// WithUserID stores a subject in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Middleware returns the JWT middleware when secret is set and nil otherwise,
// so callers can pass the result straight to route registration.
func Middleware(secret, audience string) []gin.HandlerFunc {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return []gin.HandlerFunc{JWTMiddleware(secret, audience)}
}

// Reasons a recognition request is refused.
var (
	ErrMissingToken   = errors.New("recognition requires a bearer token")
	ErrMalformedToken = errors.New("authorization header must use the Bearer scheme")
	ErrTokenRejected  = errors.New("bearer token rejected")
	ErrWrongAudience  = errors.New("token was not issued for the recognition service")
	ErrNoSubject      = errors.New("token does not name a user")
)

var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// JWTMiddleware admits requests carrying an HMAC-signed bearer token and
// records the token subject as the uploading user.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	key := []byte(strings.TrimSpace(secret))
	audience = strings.TrimSpace(audience)

	return func(c *gin.Context) {
		userID, err := subjectFromHeader(c.Request.Header.Get("Authorization"), key, audience)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), userID))
		c.Set(string(userIDKey), userID)
		c.Next()
	}
}

// subjectFromHeader validates an Authorization header value and returns the
// token subject. An empty audience accepts any audience.
func subjectFromHeader(header string, key []byte, audience string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, raw, ok := strings.Cut(header, " ")
	raw = strings.TrimSpace(raw)
	if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return "", ErrMalformedToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(hmacMethods)}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "", ErrWrongAudience
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrTokenRejected, err)
	case claims.Subject == "":
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}
