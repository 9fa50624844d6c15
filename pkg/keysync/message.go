package keysync

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
)

// Topic prefixes every announcement; SUB sockets filter on it.
var Topic = []byte("KEYV")

// MinSecretSize is the shortest signing secret accepted by either end.
const MinSecretSize = 32

const (
	issuer    = "cluso-crypt/keysync"
	clockSkew = 5 * time.Second
)

var (
	// ErrMalformed is returned for announcements without the topic or a token.
	ErrMalformed = errors.New("keysync: malformed announcement")
	// ErrRejected is returned for announcements whose signature, issuer or age
	// does not check out.
	ErrRejected = errors.New("keysync: announcement rejected")
	// ErrShortSecret is returned when Config.Secret is under MinSecretSize.
	ErrShortSecret = errors.New("keysync: secret must be at least 32 bytes")
)

// Announcement says which key version is current, as of when.
type Announcement struct {
	Version keyversion.KeyVersion
	At      time.Time
}

type claims struct {
	Version uint32 `json:"kv"`
	jwt.RegisteredClaims
}

// sign renders a as Topic followed by an HS256 token that expires after ttl.
func (a Announcement) sign(secret []byte, ttl time.Duration) ([]byte, error) {
	c := claims{
		Version: uint32(a.Version),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(a.At),
			ExpiresAt: jwt.NewNumericDate(a.At.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign announcement: %w", err)
	}
	msg := make([]byte, 0, len(Topic)+len(token))
	msg = append(msg, Topic...)
	return append(msg, token...), nil
}

// verify checks the token in msg against secret and refuses anything issued
// more than maxAge before now.
func verify(msg, secret []byte, maxAge time.Duration, now time.Time) (Announcement, error) {
	if !bytes.HasPrefix(msg, Topic) || len(msg) == len(Topic) {
		return Announcement{}, ErrMalformed
	}

	var c claims
	_, err := jwt.ParseWithClaims(string(msg[len(Topic):]), &c,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Announcement{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if c.IssuedAt == nil || c.Version == 0 {
		return Announcement{}, fmt.Errorf("%w: missing version or issue time", ErrRejected)
	}
	if now.Sub(c.IssuedAt.Time) > maxAge+clockSkew {
		return Announcement{}, fmt.Errorf("%w: issued %s ago", ErrRejected, now.Sub(c.IssuedAt.Time).Round(time.Second))
	}
	return Announcement{
		Version: keyversion.KeyVersion(c.Version),
		At:      c.IssuedAt.Time.UTC(),
	}, nil
}
