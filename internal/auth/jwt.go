// Package auth выдаёт и проверяет JWT редакторов террейна.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "tileblend"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWeakSecret   = errors.New("secret key must be at least 32 bytes")
)

// Claims represents JWT claims
type Claims struct {
	Editor bool `json:"editor"`
	jwt.RegisteredClaims
}

// TokenManager подписывает и проверяет токены одним HMAC-секретом.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager создаёт менеджер из base64-секрета (не короче 32 байт).
// Пустой секрет допустим только для разработки: генерируется случайный ключ,
// и выданные токены не переживут перезапуск.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	var key []byte
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("decode secret: %w", err)
		}
		if len(decoded) < 32 {
			return nil, ErrWeakSecret
		}
		key = decoded
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: key, ttl: ttl, now: time.Now}, nil
}

// Generate creates a signed token for subject
func (m *TokenManager) Generate(subject string, editor bool) (string, error) {
	now := m.now()
	claims := &Claims{
		Editor: editor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate checks token validity and returns its claims
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// GenerateSecureSecret generates a new secure secret key
func GenerateSecureSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
