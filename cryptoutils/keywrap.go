package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/identity-recovery-backend/interfaces"
	"golang.org/x/crypto/hkdf"
)

// HKDF info strings separating the two escrow wraps of the recovery key.
const (
	InfoMasterKeyWrap       = "identity-recovery/v1/master-key-wrap"
	InfoDistributionKeyWrap = "identity-recovery/v1/distribution-key-wrap"
	InfoFinalizeWrap        = "identity-recovery/v1/finalize-wrap"
)

const wrapIVSize = 12

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// WrapKey encrypts plaintext under a key-encryption key. The AES-256-GCM key is
// derived from kek with HKDF-SHA256 and info, so the same kek used for different
// purposes never produces interchangeable envelopes.
func WrapKey(kek, plaintext []byte, info string) (interfaces.KeyEnvelope, error) {
	if len(plaintext) == 0 {
		return interfaces.KeyEnvelope{}, errors.New("nothing to wrap")
	}
	gcm, err := derivedGCM(kek, info)
	if err != nil {
		return interfaces.KeyEnvelope{}, err
	}

	iv, err := RandomBytes(wrapIVSize)
	if err != nil {
		return interfaces.KeyEnvelope{}, err
	}

	return interfaces.KeyEnvelope{
		IV:         iv,
		Ciphertext: gcm.Seal(nil, iv, plaintext, []byte(info)),
	}, nil
}

// UnwrapKey opens an envelope produced by WrapKey with the same kek and info.
// A wrong key, wrong info or modified envelope yields ErrDecryption.
func UnwrapKey(kek []byte, env interfaces.KeyEnvelope, info string) ([]byte, error) {
	if len(env.IV) != wrapIVSize {
		return nil, fmt.Errorf("%w: malformed envelope iv", interfaces.ErrDecryption)
	}
	gcm, err := derivedGCM(kek, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, []byte(info))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	return plaintext, nil
}

func derivedGCM(kek []byte, info string) (cipher.AEAD, error) {
	if len(kek) == 0 {
		return nil, errors.New("key-encryption key is empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, kek, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
