package models

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const pathCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// PathLength is the length of a generated endpoint path.
const PathLength = 24

func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}

// NewPath returns a fresh public routing token for an endpoint. It shares no
// structure with the endpoint id, so knowing one never reveals the other.
func NewPath() string {
	b := make([]byte, PathLength)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(pathCharset))))
		b[i] = pathCharset[n.Int64()]
	}
	return string(b)
}

func NewSessionToken() string {
	return uuid.NewString()
}

// ValidSessionToken reports whether token looks like one minted by
// NewSessionToken.
func ValidSessionToken(token string) bool {
	_, err := uuid.Parse(token)
	return err == nil && len(token) == 36
}
