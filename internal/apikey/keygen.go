// Package apikey holds the pure parts of the credential subsystem: key
// material generation, hashing, format checks and the quota, expiry and
// endpoint rules evaluated against a stored key.
package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"strings"

	"github.com/go-faster/errors"
)

const (
	// DefaultMarker is the recognizable prefix of every plaintext key.
	DefaultMarker = "pk_"

	// SecretBytes is the amount of randomness per key.
	SecretBytes = 32

	// SecretLen is the encoded length of the random part of a key.
	SecretLen = SecretBytes * 2

	// DisplayLen is how many random characters the display prefix keeps.
	DisplayLen = 8
)

// Generator produces plaintext keys of the form <marker><64 uppercase hex>.
type Generator struct {
	marker string
	rand   io.Reader
}

// NewGenerator returns a generator for the given marker. An empty marker
// selects DefaultMarker.
func NewGenerator(marker string) *Generator {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Generator{marker: marker, rand: rand.Reader}
}

// WithRand returns a copy of g that draws randomness from r.
func (g *Generator) WithRand(r io.Reader) *Generator {
	c := *g
	c.rand = r
	return &c
}

// Marker returns the fixed key prefix.
func (g *Generator) Marker() string { return g.marker }

// Generate returns a new plaintext key.
func (g *Generator) Generate() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return "", errors.Wrap(err, "read random")
	}
	return g.marker + strings.ToUpper(hex.EncodeToString(b)), nil
}

// DisplayPrefix returns the marker plus the first DisplayLen random
// characters of key. It is safe to store and show.
func (g *Generator) DisplayPrefix(key string) string {
	n := len(g.marker) + DisplayLen
	if len(key) < n {
		return key
	}
	return key[:n]
}

// Mask renders key as pk_XXXXXXXX...YYYY for operator output.
func (g *Generator) Mask(key string) string {
	if len(key) < len(g.marker)+DisplayLen+4 {
		return strings.Repeat("*", len(key))
	}
	return g.DisplayPrefix(key) + "..." + key[len(key)-4:]
}

// Hasher derives the lookup hash of a plaintext key: hex SHA-256, or
// HMAC-SHA256 when a pepper is configured.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a hasher. A nil or empty pepper selects plain SHA-256.
func NewHasher(pepper []byte) *Hasher {
	return &Hasher{pepper: pepper}
}

// Hash returns the lowercase hex digest of key.
func (h *Hasher) Hash(key string) string {
	if len(h.pepper) == 0 {
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}
