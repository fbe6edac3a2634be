package domain

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// NewPostID returns a url-safe random post identifier.
func NewPostID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("domain: rand: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewHawkKey returns a fresh symmetric key for a credentials post.
func NewHawkKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("domain: rand: %v", err))
	}
	return hex.EncodeToString(b)
}

// HexDigest computes the attachment digest: SHA-512 truncated to 64 hex
// characters.
func HexDigest(r io.Reader) (string, error) {
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("domain: digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil))[:64], nil
}

// TimestampMillis is the protocol's wall-clock representation.
func TimestampMillis(t time.Time) int64 {
	return t.UnixMilli()
}
