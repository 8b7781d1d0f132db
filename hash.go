// Package sigcache provides the core types for the content signature cache,
// a global deduplication service keyed by cryptographic content digests.
package sigcache

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a content digest in bytes (256 bits).
const DigestSize = 32

// encodedLen is the length of a Base64-encoded digest, including padding.
var encodedLen = base64.StdEncoding.EncodedLen(DigestSize)

// ContentHash is the Base64-encoded digest of a piece of content.
// It is the identity key for every operation in the service.
type ContentHash string

// String returns the encoded hash.
func (h ContentHash) String() string {
	return string(h)
}

// ShortString returns a truncated form for logs. Full hash values are never
// written to logs or error messages.
func (h ContentHash) ShortString() string {
	if len(h) <= 8 {
		return string(h)
	}
	return string(h[:8])
}

// Valid reports whether the hash is a well-formed Base64-encoded digest.
func (h ContentHash) Valid() bool {
	if len(h) != encodedLen {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(string(h))
	return err == nil && len(raw) == DigestSize
}

// ParseContentHash validates an encoded hash string.
// An empty string is always rejected.
func ParseContentHash(s string) (ContentHash, error) {
	if s == "" {
		return "", fmt.Errorf("empty content hash")
	}
	h := ContentHash(s)
	if !h.Valid() {
		return "", fmt.Errorf("invalid content hash %q: expected %d Base64 chars encoding %d bytes", h.ShortString(), encodedLen, DigestSize)
	}
	return h, nil
}

// HashBytes computes the BLAKE3 content hash of the given bytes.
func HashBytes(data []byte) ContentHash {
	sum := blake3.Sum256(data)
	return ContentHash(base64.StdEncoding.EncodeToString(sum[:]))
}

// HashReader computes the BLAKE3 content hash of data from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (ContentHash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing content: %w", err)
	}
	var sum [DigestSize]byte
	h.Sum(sum[:0])
	return ContentHash(base64.StdEncoding.EncodeToString(sum[:])), n, nil
}
