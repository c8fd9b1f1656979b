package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

// SessionCookie is the name of the cookie carrying the signed session.
const SessionCookie = "purp_session"

// Claims carries the authenticated identity inside the session cookie.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

func generateToken(name string, roles []string, secretKey []byte, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Name:  name,
		Roles: roles,
	})
	return token.SignedString(secretKey)
}

func identityFromToken(tokenString string, secretKey []byte) (name string, roles []string, err error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	})
	if err != nil {
		return "", nil, err
	}
	if !token.Valid {
		return "", nil, ErrInvalidToken
	}

	return claims.Name, claims.Roles, nil
}
