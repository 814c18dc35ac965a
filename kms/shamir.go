package kms

import (
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// MaxShares is the largest number of shares the GF(2^8) field can index.
const MaxShares = 255

// Share is one threshold share of a secret.
//
// Index is the position of the share in the player roster (1..n). It is not the
// field x-coordinate: the x-coordinates are distinct random non-zero bytes
// chosen by the split and stored as the last byte of Payload. Reconstruction
// reads them from there and uses Index only to reject duplicates.
type Share struct {
	Index   int
	Payload []byte
}

// Split divides secret into n shares such that any k of them reconstruct it.
// Each byte of the secret is the constant term of its own random polynomial of
// degree k-1 over GF(2^8).
//
// Parameters:
//   - secret: The secret to split, must not be empty
//   - n: The number of shares to produce (at most MaxShares)
//   - k: The number of shares required to reconstruct (at least 2, at most n)
//
// Returns:
//   - The n shares in roster order, Index 1..n
//   - Error if the parameters are out of range
func Split(secret []byte, n, k int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: cannot split an empty secret", interfaces.ErrValidation)
	}
	if k < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrValidation)
	}
	if n < k {
		return nil, fmt.Errorf("%w: total shares must be at least equal to threshold", interfaces.ErrValidation)
	}
	if n > MaxShares {
		return nil, fmt.Errorf("%w: at most %d shares are supported", interfaces.ErrValidation, MaxShares)
	}

	parts, err := shamir.Split(secret, n, k)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]Share, n)
	for i, part := range parts {
		shares[i] = Share{Index: i + 1, Payload: part}
	}
	return shares, nil
}

// Reconstruct recovers the secret from at least k shares.
//
// There is no cryptographic signal that a reconstruction is wrong: combining
// shares of different secrets, or shares that were tampered with, returns
// garbage. Callers must verify the result independently before trusting it.
func Reconstruct(shares []Share, k int) ([]byte, error) {
	if k < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrValidation)
	}
	if len(shares) < k {
		return nil, fmt.Errorf("%w: have %d, need %d", interfaces.ErrInsufficientShares, len(shares), k)
	}

	payloadLen := len(shares[0].Payload)
	if payloadLen < 2 {
		return nil, fmt.Errorf("%w: share payload too short", interfaces.ErrValidation)
	}

	seenIndex := make(map[int]struct{}, len(shares))
	seenX := make(map[byte]struct{}, len(shares))
	parts := make([][]byte, 0, len(shares))
	for _, s := range shares {
		if s.Index < 1 || s.Index > MaxShares {
			return nil, fmt.Errorf("%w: share index %d out of range", interfaces.ErrValidation, s.Index)
		}
		if _, dup := seenIndex[s.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate share index %d", interfaces.ErrValidation, s.Index)
		}
		seenIndex[s.Index] = struct{}{}

		if len(s.Payload) != payloadLen {
			return nil, fmt.Errorf("%w: share payloads differ in length", interfaces.ErrValidation)
		}
		x := s.Payload[payloadLen-1]
		if x == 0 {
			return nil, fmt.Errorf("%w: share %d has a zero x-coordinate", interfaces.ErrValidation, s.Index)
		}
		if _, dup := seenX[x]; dup {
			return nil, fmt.Errorf("%w: share %d repeats an x-coordinate", interfaces.ErrValidation, s.Index)
		}
		seenX[x] = struct{}{}

		parts = append(parts, s.Payload)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return secret, nil
}

// WipeShares zeroes share payloads in place.
func WipeShares(shares []Share) {
	for i := range shares {
		wipeBytes(shares[i].Payload)
	}
}

// Securely wipe data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
