package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextAddress is the gin context key holding the session address.
const ContextAddress = "user_address"

var ErrInvalidSession = errors.New("invalid session token")

// Sessions issues and parses HMAC-signed session tokens whose subject is
// the authenticated address.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Sessions) Issue(address common.Address) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   address.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	return token.SignedString(s.secret)
}

// Parse validates token and returns its address.
func (s *Sessions) Parse(token string) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: bad subject", ErrInvalidSession)
	}
	return common.HexToAddress(claims.Subject), nil
}

// RequireSession rejects requests without a valid bearer session.
func (s *Sessions) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
			return
		}

		address, err := s.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(ContextAddress, address)
		c.Next()
	}
}

// SessionAddress returns the address set by RequireSession.
func SessionAddress(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(ContextAddress)
	if !ok {
		return common.Address{}, false
	}
	address, ok := v.(common.Address)
	return address, ok
}
