package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedToken = errors.New("malformed account token")
	ErrBadSignature   = errors.New("account token signature mismatch")
	ErrExpiredToken   = errors.New("account token expired")
)

// Signer issues and verifies account tokens of the form
// base64url(accountID).expiryUnix.v1=hex(hmac).
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return fmt.Sprintf("v1=%s", hex.EncodeToString(mac.Sum(nil)))
}

// Issue returns a token for accountID and when it stops being accepted.
func (s *Signer) Issue(accountID string) (string, time.Time) {
	expires := s.now().Add(s.ttl).Truncate(time.Second)
	payload := fmt.Sprintf("%s.%d", base64.RawURLEncoding.EncodeToString([]byte(accountID)), expires.Unix())
	return payload + "." + s.sign(payload), expires
}

// Verify returns the account id carried by token.
func (s *Signer) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMalformedToken
	}
	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(s.sign(payload)), []byte(parts[2])) {
		return "", ErrBadSignature
	}

	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrMalformedToken
	}
	if s.now().Unix() >= expiry {
		return "", ErrExpiredToken
	}

	id, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(id) == 0 {
		return "", ErrMalformedToken
	}
	return string(id), nil
}
