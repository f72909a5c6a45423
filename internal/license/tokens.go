package license

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"giro/internal/giro"
)

const DefaultAdminTokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid admin token")

type adminClaims struct {
	AdminID string `json:"admin_id"`
	jwt.RegisteredClaims
}

// AdminTokens signs and verifies the HS256 bearer tokens of license owners.
type AdminTokens struct {
	secret []byte
	ttl    time.Duration
	clock  giro.Clock
}

func NewAdminTokens(secret string, ttl time.Duration, clock giro.Clock) (*AdminTokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingJWTSecret
	}
	if ttl <= 0 {
		ttl = DefaultAdminTokenTTL
	}
	if clock == nil {
		clock = giro.RealClock{}
	}
	return &AdminTokens{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

func (t *AdminTokens) Sign(adminID string) (string, error) {
	if strings.TrimSpace(adminID) == "" {
		return "", errors.New("admin id is required")
	}
	now := t.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		AdminID: adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing admin token: %w", err)
	}
	return signed, nil
}

// Parse returns the admin id carried by a valid, unexpired token.
func (t *AdminTokens) Parse(raw string) (string, error) {
	parsed, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*adminClaims)
	if !ok || !parsed.Valid || claims.AdminID == "" {
		return "", ErrInvalidToken
	}
	return claims.AdminID, nil
}
