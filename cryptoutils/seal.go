package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/identity-recovery-backend/interfaces"
	"golang.org/x/crypto/hkdf"
)

const (
	infoPeerSeal = "identity-recovery/v1/peer-seal"

	// P-256 uncompressed point size.
	sealEphemeralSize = 65
	sealIVSize        = 12
)

// SealForPeer encrypts data to a peer's public key using ECIES: an ephemeral
// P-256 ECDH agreement, HKDF-SHA256 key derivation and AES-256-GCM.
// Parcels in transit are sealed to the recipient so only the addressed player
// can store them.
//
// Format: [ephemeral public key (65 bytes)][iv (12 bytes)][ciphertext]
func SealForPeer(recipient *ecdsa.PublicKey, data []byte) ([]byte, error) {
	recipientECDH, err := recipient.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported recipient key: %w", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipientECDH)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	gcm, err := sealGCM(shared, ephemeralBytes)
	if err != nil {
		return nil, err
	}

	iv, err := RandomBytes(sealIVSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(ephemeralBytes)+sealIVSize+len(data)+gcm.Overhead())
	out = append(out, ephemeralBytes...)
	out = append(out, iv...)
	return gcm.Seal(out, iv, data, ephemeralBytes), nil
}

// OpenFromPeer decrypts data produced by SealForPeer with the recipient's private key.
func OpenFromPeer(privateKey *ecdsa.PrivateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < sealEphemeralSize+sealIVSize+1 {
		return nil, fmt.Errorf("%w: sealed data too short", interfaces.ErrDecryption)
	}

	privECDH, err := privateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}

	ephemeralBytes := sealed[:sealEphemeralSize]
	ephemeral, err := ecdh.P256().NewPublicKey(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ephemeral key", interfaces.ErrDecryption)
	}
	shared, err := privECDH.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}

	gcm, err := sealGCM(shared, ephemeralBytes)
	if err != nil {
		return nil, err
	}

	iv := sealed[sealEphemeralSize : sealEphemeralSize+sealIVSize]
	plaintext, err := gcm.Open(nil, iv, sealed[sealEphemeralSize+sealIVSize:], ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	return plaintext, nil
}

func sealGCM(shared, salt []byte) (cipher.AEAD, error) {
	if len(shared) == 0 {
		return nil, errors.New("empty shared secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(infoPeerSeal)), key); err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
