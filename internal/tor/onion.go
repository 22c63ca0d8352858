package tor

import (
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Onion address constants.
const (
	// OnionV3Length is the length of a v3 onion address without the ".onion" suffix.
	OnionV3Length = 56

	// OnionV3Version is the version byte appended to v3 addresses.
	OnionV3Version = 0x03

	// OnionSuffix is the common suffix for all onion addresses.
	OnionSuffix = ".onion"
)

// ErrInvalidOnionAddress is returned when an address is not a valid v3 onion address.
var ErrInvalidOnionAddress = errors.New("invalid onion address")

// onionV3Pattern matches v3 onion addresses (56 base32 characters + .onion).
var onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

// checksumPrefix is the constant prefix of the v3 address checksum input.
var checksumPrefix = []byte(".onion checksum")

// addressEncoding is RFC 4648 base32. 35 bytes encode to exactly 56
// characters, so padding never appears.
var addressEncoding = base32.StdEncoding

// ComputeV3AddressFromPublicKey derives the v3 onion address of an ed25519
// public key:
//
//	base32(pubkey || SHA3-256(".onion checksum" || pubkey || 0x03)[:2] || 0x03) + ".onion"
//
// The derivation is pure; the same key always yields the same address.
func ComputeV3AddressFromPublicKey(pubkey []byte) (string, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return "", ErrInvalidOnionAddress
	}

	checksum := computeV3Checksum(pubkey, OnionV3Version)

	addressData := make([]byte, 0, ed25519.PublicKeySize+3)
	addressData = append(addressData, pubkey...)
	addressData = append(addressData, checksum...)
	addressData = append(addressData, OnionV3Version)

	return strings.ToLower(addressEncoding.EncodeToString(addressData)) + OnionSuffix, nil
}

// computeV3Checksum returns the first 2 bytes of
// SHA3-256(".onion checksum" || pubkey || version).
func computeV3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)

	hash := sha3.Sum256(data)
	return hash[:2]
}

// IsValidV3Address checks format, version byte and checksum of a v3 onion
// address. Upper case input is accepted.
func IsValidV3Address(address string) bool {
	_, err := PublicKeyFromAddress(address)
	return err == nil
}

// PublicKeyFromAddress extracts the ed25519 public key embedded in a v3
// onion address, verifying the checksum on the way.
func PublicKeyFromAddress(address string) (ed25519.PublicKey, error) {
	address = strings.ToLower(address)
	if !onionV3Pattern.MatchString(address) {
		return nil, ErrInvalidOnionAddress
	}

	decoded, err := addressEncoding.DecodeString(strings.ToUpper(strings.TrimSuffix(address, OnionSuffix)))
	if err != nil || len(decoded) != ed25519.PublicKeySize+3 {
		return nil, ErrInvalidOnionAddress
	}

	pubkey := decoded[:ed25519.PublicKeySize]
	checksum := decoded[ed25519.PublicKeySize : ed25519.PublicKeySize+2]
	version := decoded[ed25519.PublicKeySize+2]

	if version != OnionV3Version {
		return nil, ErrInvalidOnionAddress
	}
	expected := computeV3Checksum(pubkey, version)
	if checksum[0] != expected[0] || checksum[1] != expected[1] {
		return nil, ErrInvalidOnionAddress
	}

	return ed25519.PublicKey(pubkey), nil
}

// ServiceIDFromAddress returns the address without its ".onion" suffix.
// This is the form Tor uses for ServiceID in ADD_ONION replies and DEL_ONION.
func ServiceIDFromAddress(address string) string {
	return strings.TrimSuffix(strings.ToLower(address), OnionSuffix)
}

// NormalizeAddress normalizes user input into a lowercase v3 address with the
// ".onion" suffix. Schemes, paths and a missing suffix are tolerated.
func NormalizeAddress(address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	address = strings.TrimPrefix(address, "https://")
	address = strings.TrimPrefix(address, "http://")

	if idx := strings.IndexAny(address, "/?#"); idx != -1 {
		address = address[:idx]
	}
	// A trailing :port is common when copying the printed service address.
	if idx := strings.LastIndexByte(address, ':'); idx != -1 {
		address = address[:idx]
	}
	if !strings.HasSuffix(address, OnionSuffix) {
		address += OnionSuffix
	}

	if !IsValidV3Address(address) {
		return "", ErrInvalidOnionAddress
	}
	return address, nil
}
