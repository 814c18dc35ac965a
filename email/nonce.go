package email

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/storage"
)

func nonceKey(id uuid.UUID) string {
	return interfaces.PrefixNonce + id.String()
}

// IssueNonce creates a single-use nonce inside tx.
func IssueNonce(tx interfaces.RecordTx, purpose interfaces.NoncePurpose, data []byte, ttl time.Duration, now time.Time) (interfaces.VerificationNonce, error) {
	if ttl <= 0 {
		return interfaces.VerificationNonce{}, fmt.Errorf("%w: nonce ttl must be positive", interfaces.ErrValidation)
	}
	nonce := interfaces.VerificationNonce{
		ID:        uuid.New(),
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Data:      data,
	}
	if err := storage.PutRecord(tx, nonceKey(nonce.ID), nonce); err != nil {
		return interfaces.VerificationNonce{}, fmt.Errorf("failed to store nonce: %w", err)
	}
	return nonce, nil
}

// PopNonce removes the nonce from tx and validates it.
//
// The delete happens before expiry and purpose are checked, so an expired or
// misdirected nonce is burned as well. Callers must commit the transaction even
// when PopNonce returns a validation error; Gateway.Consume does this.
func PopNonce(tx interfaces.RecordTx, id uuid.UUID, purpose interfaces.NoncePurpose, now time.Time) (*interfaces.VerificationNonce, error) {
	nonce, err := storage.GetRecordOrNil[interfaces.VerificationNonce](tx, nonceKey(id))
	if err != nil {
		return nil, err
	}
	if nonce == nil {
		return nil, interfaces.ErrNonceNotFound
	}
	if err := tx.Delete(nonceKey(id)); err != nil {
		return nil, fmt.Errorf("failed to delete nonce: %w", err)
	}
	if !now.Before(nonce.ExpiresAt) {
		return nil, interfaces.ErrNonceExpired
	}
	if nonce.Purpose != purpose {
		return nil, interfaces.ErrNoncePurposeMismatch
	}
	return nonce, nil
}

// PurgeExpiredNonces deletes every expired nonce in tx and returns how many were removed.
func PurgeExpiredNonces(tx interfaces.RecordTx, now time.Time) (int, error) {
	keys, err := tx.List(interfaces.PrefixNonce)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		nonce, err := storage.GetRecord[interfaces.VerificationNonce](tx, key)
		if err != nil {
			return removed, err
		}
		if now.Before(nonce.ExpiresAt) {
			continue
		}
		if err := tx.Delete(key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
