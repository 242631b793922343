// Package auth issues and checks the bearer tokens handed to registered
// devices.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims carries the registered claims plus the device the token was issued to.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string
}

// GenerateToken signs an HS256 token for deviceID. A zero validity issues a
// token without expiry.
func GenerateToken(deviceID string, secretKey []byte, validity time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
		DeviceID:         deviceID,
	}
	if validity != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(validity))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretKey)
}

// DeviceIDFromToken validates tokenString and returns its device id.
func DeviceIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.DeviceID == "" {
		return "", ErrInvalidToken
	}

	return claims.DeviceID, nil
}
