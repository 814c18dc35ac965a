package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
)

// GeneratePeerKeyPair generates a new ECDSA P-256 key pair for an identity host.
//
// Returns:
//   - Private key PEM (kept by the host, used to sign peer requests)
//   - Public key PEM (published to connected identities)
//   - Error if key generation fails
func GeneratePeerKeyPair() ([]byte, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	publicKeyPEM, err := MarshalPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	return privateKeyPEM, publicKeyPEM, nil
}

// MarshalPublicKey encodes an ECDSA public key as PKIX PEM.
func MarshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	}), nil
}

// ParsePrivateKey parses an ECDSA private key from PEM format.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey parses an ECDSA public key from PKIX PEM format.
func ParsePublicKey(publicKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an ECDSA key")
	}
	return ecdsaPub, nil
}

// Fingerprint is the hex SHA-256 of a public key PEM.
func Fingerprint(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

// SignRequest signs the timestamp, path and body of a peer request. timestamp
// is in Unix seconds.
func SignRequest(privateKey *ecdsa.PrivateKey, timestamp int64, path string, body []byte) ([]byte, error) {
	hash := requestDigest(timestamp, path, body)
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return signature, nil
}

// VerifyRequest checks a signature produced by SignRequest.
func VerifyRequest(pub *ecdsa.PublicKey, timestamp int64, path string, body, signature []byte) bool {
	hash := requestDigest(timestamp, path, body)
	return ecdsa.VerifyASN1(pub, hash[:], signature)
}

func requestDigest(timestamp int64, path string, body []byte) [32]byte {
	message := make([]byte, 0, 21+len(path)+len(body))
	message = strconv.AppendInt(message, timestamp, 10)
	message = append(message, '\n')
	message = append(message, path...)
	message = append(message, '\n')
	message = append(message, body...)
	return sha256.Sum256(message)
}
