package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const tokenSecret = "test-secret"

// Token returns an HS256 JWT for userID expiring after ttl. A negative ttl
// yields an already expired token.
func Token(t testing.TB, userID string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(tokenSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
