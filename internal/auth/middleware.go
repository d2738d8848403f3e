package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const usernameKey contextKey = "authUsername"

// GetUsername retrieves the authenticated subject from context.
func GetUsername(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(usernameKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// Middleware validates bearer tokens issued by t and injects the username.
func (t *Tokens) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		subject, err := t.Parse(tokenString)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		ctx := context.WithValue(c.Request.Context(), usernameKey, subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(usernameKey), subject)

		c.Next()
	}
}

// Parse validates tokenString and returns its subject.
func (t *Tokens) Parse(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	if t.audience != "" && !containsAudience(claims.Audience, t.audience) {
		return "", errors.New("invalid audience")
	}

	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
