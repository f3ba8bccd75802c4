package link

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var ErrAuthFailed = errors.New("link authentication failed")

const (
	credentialAudience = "chatsync-link"
	credentialTTL      = time.Minute
	credentialLeeway   = 30 * time.Second
)

var credentialSalt = []byte("chatsync/link/v1")

// signingKey stretches the shared password into a fixed-size HMAC key, so an
// empty password still yields a usable key.
func signingKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), credentialSalt, []byte(credentialAudience))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive link key: %w", err)
	}
	return key, nil
}

// IssueCredential signs a short-lived token naming the connecting server.
func IssueCredential(secret, name string, now time.Time) (string, error) {
	key, err := signingKey(secret)
	if err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Subject:   name,
		Audience:  jwt.ClaimStrings{credentialAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(credentialTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// VerifyCredential checks that token was signed with the same secret and names name.
func VerifyCredential(secret, name, token string) error {
	key, err := signingKey(secret)
	if err != nil {
		return err
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(credentialAudience),
		jwt.WithSubject(name),
		jwt.WithLeeway(credentialLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}
