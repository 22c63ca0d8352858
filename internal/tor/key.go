package tor

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	torkey "github.com/cretz/bine/torutil/ed25519"
	"gopkg.in/yaml.v3"
)

const (
	// KeyTypeED25519V3 is the ADD_ONION key type for v3 onion services.
	KeyTypeED25519V3 = "ED25519-V3"

	// ExpandedKeySize is the size of Tor's expanded ed25519 secret key:
	// a clamped 32-byte scalar followed by the 32-byte signing prefix.
	ExpandedKeySize = 64
)

// OnionKey is the long-term identity of a v3 onion service.
//
// It holds the key in Tor's native expanded form, which is what ADD_ONION
// accepts and what `hs_ed25519_secret_key` files contain. The public half is
// derived once at construction and never changes.
//
// OnionKey is immutable; the zero value is invalid.
type OnionKey struct {
	pair torkey.KeyPair
}

// GenerateOnionKey creates a fresh key from crypto/rand.
func GenerateOnionKey() (*OnionKey, error) {
	return generateOnionKey(rand.Reader)
}

func generateOnionKey(r io.Reader) (*OnionKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("failed to read key seed: %w", err)
	}
	return OnionKeyFromSeed(seed)
}

// OnionKeyFromSeed expands a 32-byte ed25519 seed the same way Tor does,
// so the resulting service address matches the ed25519 public key of that
// seed.
func OnionKeyFromSeed(seed []byte) (*OnionKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidOnionKey, ed25519.SeedSize)
	}
	return &OnionKey{pair: torkey.FromCryptoPrivateKey(ed25519.NewKeyFromSeed(seed))}, nil
}

// OnionKeyFromExpanded builds a key from Tor's 64-byte expanded secret.
// The public key is recomputed from the scalar half.
func OnionKeyFromExpanded(expanded []byte) (*OnionKey, error) {
	if len(expanded) != ExpandedKeySize {
		return nil, fmt.Errorf("%w: expanded key must be %d bytes, got %d",
			ErrInvalidOnionKey, ExpandedKeySize, len(expanded))
	}
	private := make(torkey.PrivateKey, ExpandedKeySize)
	copy(private, expanded)
	return &OnionKey{pair: private.KeyPair()}, nil
}

// ParseOnionKey parses the "ED25519-V3:<base64>" blob form produced by Blob.
func ParseOnionKey(blob string) (*OnionKey, error) {
	keyType, encoded, ok := strings.Cut(strings.TrimSpace(blob), ":")
	if !ok || keyType != KeyTypeED25519V3 {
		return nil, fmt.Errorf("%w: expected %s:<base64>", ErrInvalidOnionKey, KeyTypeED25519V3)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOnionKey, err)
	}
	return OnionKeyFromExpanded(raw)
}

// Blob returns the key as "ED25519-V3:<base64>", the ADD_ONION key argument.
// The blob is secret material.
func (k *OnionKey) Blob() string {
	return KeyTypeED25519V3 + ":" + base64.StdEncoding.EncodeToString(k.pair.PrivateKey())
}

// KeyPair returns the key in the form the control connection sends.
func (k *OnionKey) KeyPair() torkey.KeyPair {
	return k.pair
}

// PublicKey returns a copy of the ed25519 public key.
func (k *OnionKey) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), k.pair.PublicKey()...)
}

// Address returns the v3 onion address ("<56 chars>.onion") of the key.
func (k *OnionKey) Address() string {
	// The public key length is fixed by construction.
	addr, _ := ComputeV3AddressFromPublicKey(k.PublicKey()) //nolint:errcheck // length checked at construction
	return addr
}

// ServiceID returns the address without the ".onion" suffix.
func (k *OnionKey) ServiceID() string {
	return ServiceIDFromAddress(k.Address())
}

// Equal reports whether two keys hold the same secret.
func (k *OnionKey) Equal(other *OnionKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.pair.PrivateKey(), other.pair.PrivateKey())
}

// String never prints secret material.
func (k *OnionKey) String() string {
	return "OnionKey(" + k.Address() + ")"
}

// MarshalYAML stores the key as its blob.
func (k *OnionKey) MarshalYAML() (any, error) {
	return k.Blob(), nil
}

// UnmarshalYAML parses the blob form.
func (k *OnionKey) UnmarshalYAML(value *yaml.Node) error {
	var blob string
	if err := value.Decode(&blob); err != nil {
		return err
	}
	parsed, err := ParseOnionKey(blob)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}
