package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultKeyGenerator implements KeyGenerator using SHA-256 hashing.
type DefaultKeyGenerator struct {
	// Prefix is prepended to all generated keys.
	Prefix string
}

// NewKeyGenerator creates a new DefaultKeyGenerator with optional prefix.
func NewKeyGenerator(prefix string) *DefaultKeyGenerator {
	return &DefaultKeyGenerator{Prefix: prefix}
}

// Generate creates a key of the form [prefix:]group:sha256(group|signature).
func (g *DefaultKeyGenerator) Generate(group string, signature []byte) string {
	h := sha256.New()
	h.Write([]byte(group))
	h.Write([]byte{'|'})
	h.Write(signature)
	hashHex := hex.EncodeToString(h.Sum(nil))

	var key strings.Builder
	if g.Prefix != "" {
		key.WriteString(g.Prefix)
		key.WriteString(":")
	}
	if group != "" {
		key.WriteString(group)
		key.WriteString(":")
	}
	key.WriteString(hashHex)
	return key.String()
}

// Signature serializes v to JSON. Map keys are sorted, so equal values always
// produce equal signatures.
func Signature(v any) ([]byte, error) {
	return json.Marshal(v)
}
