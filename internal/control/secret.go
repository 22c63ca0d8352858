package control

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // Tor's S2K password hash is defined over SHA-1
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/openpgp/s2k" //nolint:staticcheck // only the RFC 2440 S2K primitive is used
)

const (
	// secretSize is the number of random bytes behind a generated secret.
	secretSize = 32

	// s2kSaltSize is the salt length used by HashedControlPassword.
	s2kSaltSize = 8

	// s2kCountIndicator encodes an iteration count of 65536 bytes, the value
	// Tor itself uses for --hash-password.
	s2kCountIndicator = 0x60

	// s2kCount is the decoded form of s2kCountIndicator.
	s2kCount = 65536

	// hashedPasswordPrefix marks the salted S2K format in torrc.
	hashedPasswordPrefix = "16:"
)

// Secret is the per-run control-port password.
//
// The plaintext only leaves the process in the AUTHENTICATE command. The
// daemon receives the salted hash on its command line. String and LogValue
// are redacted so a Secret can be passed to loggers safely.
type Secret struct {
	value string
}

// NewSecret generates a secret from 32 bytes of crypto/rand.
func NewSecret() (Secret, error) {
	return newSecret(rand.Reader)
}

func newSecret(r io.Reader) (Secret, error) {
	buf := make([]byte, secretSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Secret{}, fmt.Errorf("failed to generate control secret: %w", err)
	}
	return Secret{value: hex.EncodeToString(buf)}, nil
}

// SecretFromString wraps an operator supplied password.
func SecretFromString(password string) Secret {
	return Secret{value: password}
}

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool {
	return s.value == ""
}

// Reveal returns the plaintext. Only the session should call it.
func (s Secret) Reveal() string {
	return s.value
}

// String implements fmt.Stringer without revealing the value.
func (s Secret) String() string {
	return "***REDACTED***"
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue("***REDACTED***")
}

// Hashed returns the HashedControlPassword form of the secret with a fresh
// random salt.
func (s Secret) Hashed() (string, error) {
	salt := make([]byte, s2kSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return HashPassword(s.value, salt)
}

// HashPassword computes the value accepted by Tor's HashedControlPassword:
// "16:" followed by the hex of salt, the count indicator byte and the
// iterated-and-salted SHA-1 digest (RFC 2440 S2K).
func HashPassword(password string, salt []byte) (string, error) {
	if len(salt) != s2kSaltSize {
		return "", fmt.Errorf("salt must be %d bytes, got %d", s2kSaltSize, len(salt))
	}

	digest := make([]byte, sha1.Size)
	s2k.Iterated(digest, sha1.New(), []byte(password), salt, s2kCount) //nolint:gosec,staticcheck // see import

	raw := make([]byte, 0, s2kSaltSize+1+sha1.Size)
	raw = append(raw, salt...)
	raw = append(raw, s2kCountIndicator)
	raw = append(raw, digest...)

	return hashedPasswordPrefix + strings.ToUpper(hex.EncodeToString(raw)), nil
}

// VerifyHashedPassword reports whether hashed was produced from password.
func VerifyHashedPassword(password, hashed string) bool {
	encoded, ok := strings.CutPrefix(hashed, hashedPasswordPrefix)
	if !ok {
		return false
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != s2kSaltSize+1+sha1.Size || raw[s2kSaltSize] != s2kCountIndicator {
		return false
	}
	recomputed, err := HashPassword(password, raw[:s2kSaltSize])
	if err != nil {
		return false
	}
	return strings.EqualFold(recomputed, hashed)
}
