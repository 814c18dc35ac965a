package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// DistributionKeySize is the size of the random key split among players.
const DistributionKeySize = 32

// sealEscrow wraps recoveryKey under the owner's master key and under the
// distribution key.
func sealEscrow(recoveryKey, masterKey, distributionKey []byte, players []interfaces.Player, now time.Time) (*interfaces.RecoveryKeyEscrowRecord, error) {
	byMaster, err := cryptoutils.WrapKey(masterKey, recoveryKey, cryptoutils.InfoMasterKeyWrap)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap recovery key under master key: %w", err)
	}
	byDistribution, err := cryptoutils.WrapKey(distributionKey, recoveryKey, cryptoutils.InfoDistributionKeyWrap)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap recovery key under distribution key: %w", err)
	}

	return &interfaces.RecoveryKeyEscrowRecord{
		CreatedAt:                     now,
		MasterKeyEncryptedRecoveryKey: byMaster,
		DistributionKeyEncryptedKey:   byDistribution,
		Players:                       append([]interfaces.Player(nil), players...),
	}, nil
}

// openWithMasterKey is the owner-present path. A key that fails to open the
// record is reported as ErrMasterKeyMismatch.
func openWithMasterKey(record *interfaces.RecoveryKeyEscrowRecord, masterKey []byte) ([]byte, error) {
	key, err := cryptoutils.UnwrapKey(masterKey, record.MasterKeyEncryptedRecoveryKey, cryptoutils.InfoMasterKeyWrap)
	if errors.Is(err, interfaces.ErrDecryption) {
		return nil, interfaces.ErrMasterKeyMismatch
	}
	return key, err
}

// openWithDistributionKey is the peer-gated path. The authenticated wrap is
// what detects a wrong reconstruction.
func openWithDistributionKey(record *interfaces.RecoveryKeyEscrowRecord, distributionKey []byte) ([]byte, error) {
	key, err := cryptoutils.UnwrapKey(distributionKey, record.DistributionKeyEncryptedKey, cryptoutils.InfoDistributionKeyWrap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrReconstructionFailed, err)
	}
	return key, nil
}
