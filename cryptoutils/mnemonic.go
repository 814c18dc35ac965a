package cryptoutils

import (
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// RecoveryKeySize is the size of the recovery key, which encodes to 12 BIP-39 words.
const RecoveryKeySize = 16

// NewRecoveryKey generates a random recovery key.
func NewRecoveryKey() ([]byte, error) {
	return RandomBytes(RecoveryKeySize)
}

// RecoveryKeyToMnemonic encodes a recovery key as a BIP-39 phrase.
func RecoveryKeyToMnemonic(key []byte) (string, error) {
	if len(key) != RecoveryKeySize {
		return "", fmt.Errorf("recovery key must be %d bytes, got %d", RecoveryKeySize, len(key))
	}
	phrase, err := bip39.NewMnemonic(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery key: %w", err)
	}
	return phrase, nil
}

// MnemonicToRecoveryKey decodes a BIP-39 phrase, validating its checksum.
func MnemonicToRecoveryKey(phrase string) ([]byte, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	key, err := bip39.EntropyFromMnemonic(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid recovery phrase: %w", err)
	}
	if len(key) != RecoveryKeySize {
		return nil, fmt.Errorf("recovery phrase encodes %d bytes, want %d", len(key), RecoveryKeySize)
	}
	return key, nil
}
