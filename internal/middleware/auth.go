package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"property-messaging/internal/models"
)

const IdentityKey = "identity"

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by access tokens issued by the identity provider.
type Claims struct {
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// ParseToken validates an HMAC-signed token and returns the identity it names.
func ParseToken(secret []byte, raw string) (models.Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return models.Identity{}, ErrInvalidToken
	}
	return models.Identity{ID: claims.Subject, Email: claims.Email, IsAdmin: claims.IsAdmin}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware validates the Authorization header and stores the caller's identity.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		raw, ok := BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		identity, err := ParseToken(secret, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity set by AuthMiddleware, or an empty one.
func IdentityFrom(c *gin.Context) models.Identity {
	if val, ok := c.Get(IdentityKey); ok {
		if identity, ok := val.(models.Identity); ok {
			return identity
		}
	}
	return models.Identity{}
}
