package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/qinjingliuan/berryllm-studio/internal/common"
)

// OwnerKey holds the JWT subject; sessions and jobs are scoped to it.
const OwnerKey = "owner"

// AuthRequired accepts HS256 bearer tokens signed with secret. Websocket
// clients that cannot set headers may pass the token as ?access_token=.
func AuthRequired(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			common.Abort(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}

		claims := &jwt.RegisteredClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !tok.Valid {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			common.Abort(c, http.StatusUnauthorized, 40102, msg)
			return
		}
		if claims.Subject == "" {
			common.Abort(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}

		c.Set(OwnerKey, claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("access_token")
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Owner returns the authenticated subject, or "" when auth is disabled.
func Owner(c *gin.Context) string {
	return c.GetString(OwnerKey)
}
