package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prudhvinik1/mealstock/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// SessionParser turns a backend access token into a Session. Without a
// secret the signature is not checked: the backend verifies every request
// anyway and the agent only needs the claims.
type SessionParser struct {
	secret []byte
	now    func() time.Time
}

func NewSessionParser(secret string) *SessionParser {
	p := &SessionParser{now: time.Now}
	if secret != "" {
		p.secret = []byte(secret)
	}
	return p
}

func (p *SessionParser) Parse(tokenString string) (*models.Session, error) {
	claims := jwt.MapClaims{}

	if p.secret != nil {
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return p.secret, nil
		}, jwt.WithoutClaimsValidation())
		if err != nil || !token.Valid {
			return nil, ErrInvalidToken
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return nil, ErrInvalidToken
		}
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}

	session := &models.Session{
		UserID:      userID,
		Role:        roleFromClaims(claims),
		AccessToken: tokenString,
	}

	if sessionID, ok := claims["session_id"].(string); ok {
		session.ID = sessionID
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, ErrInvalidToken
	}
	if exp != nil {
		session.ExpiresAt = exp.Time
		if session.Expired(p.now()) {
			return nil, ErrTokenExpired
		}
	}

	return session, nil
}

// roleFromClaims reads the marketplace role from app_metadata, falling back
// to customer.
func roleFromClaims(claims jwt.MapClaims) models.Role {
	meta, ok := claims["app_metadata"].(map[string]interface{})
	if !ok {
		return models.RoleCustomer
	}
	role, ok := meta["role"].(string)
	if !ok {
		return models.RoleCustomer
	}
	switch models.Role(role) {
	case models.RoleDriver, models.RoleVendor, models.RoleAdmin:
		return models.Role(role)
	default:
		return models.RoleCustomer
	}
}
