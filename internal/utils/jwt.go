package utils // package utils provides helpers for the signed profile cookie

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidProfileToken is returned for a profile cookie that is malformed,
// expired, signed with another key or lacks a subject.
var ErrInvalidProfileToken = errors.New("invalid profile token")

const profileIssuer = "training-portal"

// ProfileToken is a signed profile cookie value along with its expiry.
type ProfileToken struct {
	Token string
	Exp   time.Time
}

// NewProfileID returns a fresh random client profile id.
func NewProfileID() string {
	return uuid.NewString()
}

// NewProfileToken signs an HS256 JWT whose subject is the profile id.  The
// cookie only names the profile; the backend credential never leaves the
// server-side Token Store.
func NewProfileToken(secret, profileID string, ttl time.Duration) (ProfileToken, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   profileID,
		Issuer:    profileIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return ProfileToken{}, err
	}
	return ProfileToken{Token: signed, Exp: exp}, nil
}

// ParseProfileToken validates raw and returns the profile id it carries.
func ParseProfileToken(secret, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(profileIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return "", ErrInvalidProfileToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", ErrInvalidProfileToken
	}
	return claims.Subject, nil
}
