package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrChecksumMismatch is returned when a payload does not hash to its
// advertised checksum.
var ErrChecksumMismatch = errors.New("crypto: checksum mismatch")

// Sum returns the hex BLAKE2b-256 digest of data.
func Sum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader hashes r to EOF.
func SumReader(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks data against a hex digest. An empty expected digest always
// passes.
func Verify(data []byte, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return nil
	}
	actual := Sum(data)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, ShortDigest(actual), ShortDigest(expected))
	}
	return nil
}

// ShortDigest trims a hex digest for log output.
func ShortDigest(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}
