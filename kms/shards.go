package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

const (
	// ShardKeySize is the size of the ephemeral per-share AES-256 key.
	ShardKeySize = 32
	// ShardIVSize is the GCM nonce size.
	ShardIVSize = 12
)

// WrapShare encrypts a share under a freshly generated key and IV.
// The key and IV are returned separately and are never part of the ciphertext.
func WrapShare(share []byte) (key, iv, ciphertext []byte, err error) {
	if len(share) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: cannot wrap an empty share", interfaces.ErrValidation)
	}

	key = make([]byte, ShardKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate shard key: %w", err)
	}
	iv = make([]byte, ShardIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate shard iv: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	return key, iv, gcm.Seal(nil, iv, share, nil), nil
}

// UnwrapShare is the inverse of WrapShare. Any tampering with the ciphertext,
// or a wrong key or IV, yields ErrDecryption.
func UnwrapShare(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != ShardKeySize || len(iv) != ShardIVSize {
		return nil, fmt.Errorf("%w: malformed shard key material", interfaces.ErrDecryption)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	if len(ciphertext) < gcm.Overhead()+1 {
		return nil, fmt.Errorf("%w: ciphertext too short", interfaces.ErrDecryption)
	}
	share, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	return share, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
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
