package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

func Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

func CalculateString(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Keccak256 is the legacy (pre-standard) Keccak used by the ledger for
// content-derived identifiers, not FIPS SHA3-256.
func Keccak256(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func Keccak256Hex(parts ...[]byte) string {
	return "0x" + hex.EncodeToString(Keccak256(parts...))
}

// PackUint256 left-pads v into a 32-byte big-endian word.
func PackUint256(v uint64) []byte {
	word := make([]byte, 32)
	for i := 0; i < 8; i++ {
		word[31-i] = byte(v >> (8 * i))
	}
	return word
}

// DecodeHexAddress returns the 20 raw bytes of a 0x-prefixed address.
func DecodeHexAddress(addr string) ([]byte, error) {
	if len(addr) != 42 || addr[:2] != "0x" {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	raw, err := hex.DecodeString(addr[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return raw, nil
}
