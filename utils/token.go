package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"leadpilot/config"
)

// AccessClaims identifies the authenticated account on API tokens.
type AccessClaims struct {
	UserID uint `json:"user_id"`
	jwt.RegisteredClaims
}

func GenerateAccessToken(userID uint, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "access",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.EncryptionKey))
}

func ParseAccessToken(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(config.AppConfig.EncryptionKey), nil
		})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid || claims.Subject != "access" {
		return nil, errors.New("invalid access token")
	}
	return claims, nil
}

type unsubscribeClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// GenerateUnsubscribeToken signs a long-lived token embedded in every
// unsubscribe link. The encryption key doubles as the signing secret.
func GenerateUnsubscribeToken(email string) (string, error) {
	claims := unsubscribeClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "unsubscribe",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(365 * 24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.EncryptionKey))
}

// ParseUnsubscribeToken returns the email address the token was issued for.
func ParseUnsubscribeToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &unsubscribeClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(config.AppConfig.EncryptionKey), nil
		})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*unsubscribeClaims)
	if !ok || !token.Valid || claims.Subject != "unsubscribe" {
		return "", errors.New("invalid unsubscribe token")
	}
	return claims.Email, nil
}
