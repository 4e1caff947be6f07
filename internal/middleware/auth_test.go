package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"property-messaging/internal/models"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims Claims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return raw
}

func validClaims() Claims {
	return Claims{
		Email:   "u1@example.com",
		IsAdmin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestParseToken(t *testing.T) {
	identity, err := ParseToken(secret, sign(t, validClaims(), jwt.SigningMethodHS256, secret))
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: "u1", Email: "u1@example.com", IsAdmin: true}, identity)
}

func TestParseTokenRejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noSubject := validClaims()
	noSubject.Subject = ""

	cases := map[string]string{
		"wrong key":  sign(t, validClaims(), jwt.SigningMethodHS256, []byte("other")),
		"expired":    sign(t, expired, jwt.SigningMethodHS256, secret),
		"no subject": sign(t, noSubject, jwt.SigningMethodHS256, secret),
		"garbage":    "not-a-token",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(secret, raw)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": IdentityFrom(c).ID})
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "ok", header: "Bearer " + sign(t, validClaims(), jwt.SigningMethodHS256, secret), status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
