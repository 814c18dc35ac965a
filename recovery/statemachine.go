package recovery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/email"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/kms"
	"github.com/ruteri/identity-recovery-backend/storage"
)

// FinalizeKeyParam is the query parameter carrying the finalize key in the owner link.
const FinalizeKeyParam = "key"

const finalizeKeySize = 32

// conflictRetries bounds re-runs of a transaction that lost a write race.
const conflictRetries = 3

// ShardRequester asks the players of an identity's package to release their
// parcels.
type ShardRequester interface {
	RequestShards(ctx context.Context, identity interfaces.IdentityAddress) (map[interfaces.IdentityAddress]error, error)
}

// StateMachine drives account recovery for the identities of this host.
type StateMachine struct {
	store     interfaces.RecordStore
	gateway   *email.Gateway
	requester ShardRequester
	log       *slog.Logger
	now       func() time.Time
}

// NewStateMachine creates a state machine.
func NewStateMachine(store interfaces.RecordStore, gateway *email.Gateway, log *slog.Logger) *StateMachine {
	return &StateMachine{store: store, gateway: gateway, log: log, now: time.Now}
}

// WithShardRequester makes VerifyEnter ask every player for its parcel once
// share collection opens.
func (m *StateMachine) WithShardRequester(r ShardRequester) *StateMachine {
	m.requester = r
	return m
}

func loadStatus(tx interfaces.RecordTx) (*interfaces.RecoveryStatus, error) {
	status, err := storage.GetRecordOrNil[interfaces.RecoveryStatus](tx, interfaces.KeyRecoveryStatus)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = &interfaces.RecoveryStatus{State: interfaces.RecoveryStateNone}
	}
	return status, nil
}

func (m *StateMachine) putStatus(tx interfaces.RecordTx, status *interfaces.RecoveryStatus, state interfaces.RecoveryState) error {
	status.State = state
	status.Updated = m.now()
	if state == interfaces.RecoveryStateNone || state == interfaces.RecoveryStateAwaitingOwnerFinalization {
		status.CollectedShares = nil
	}
	return storage.PutRecord(tx, interfaces.KeyRecoveryStatus, status)
}

func (m *StateMachine) update(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = m.store.Update(ctx, identity, fn)
		if !errors.Is(err, interfaces.ErrConflict) {
			return err
		}
		m.log.Debug("Recovery status update conflicted, retrying", slog.String("identity", string(identity)), slog.Int("attempt", attempt+1))
	}
	return err
}

// InitiateEnter starts recovery and emails the owner a verification link.
// Calling it while recovery is already past email verification is a no-op.
func (m *StateMachine) InitiateEnter(ctx context.Context, identity interfaces.IdentityAddress) (interfaces.RecoveryState, error) {
	if err := m.gateway.CheckDeliverable(); err != nil {
		return interfaces.RecoveryStateNone, err
	}

	var (
		state interfaces.RecoveryState
		nonce *interfaces.VerificationNonce
	)
	err := m.update(ctx, identity, func(tx interfaces.RecordTx) error {
		nonce = nil
		if _, err := storage.GetRecord[interfaces.DealerShardPackage](tx, interfaces.KeyDealerPackage); err != nil {
			if errors.Is(err, interfaces.ErrRecordNotFound) {
				return interfaces.ErrNotConfigured
			}
			return err
		}

		status, err := loadStatus(tx)
		if err != nil {
			return err
		}
		state = status.State
		if status.State != interfaces.RecoveryStateNone && status.State != interfaces.RecoveryStateAwaitingEnterEmailVerification {
			return nil
		}

		if _, err := email.PurgeExpiredNonces(tx, m.now()); err != nil {
			return err
		}
		issued, err := m.gateway.Issue(tx, interfaces.NoncePurposeEnterRecovery, nil, m.now())
		if err != nil {
			return err
		}
		nonce = &issued
		state = interfaces.RecoveryStateAwaitingEnterEmailVerification
		return m.putStatus(tx, status, state)
	})
	if err != nil {
		return interfaces.RecoveryStateNone, err
	}
	if nonce == nil {
		return state, nil
	}

	m.log.Info("Recovery requested, awaiting email verification", slog.String("identity", string(identity)))
	if err := m.gateway.SendVerification(ctx, identity, *nonce, nil); err != nil {
		return state, err
	}
	return state, nil
}

// VerifyEnter consumes the enter nonce and opens share collection. Players are
// then asked for their parcels; a player that cannot be reached does not undo
// the transition.
func (m *StateMachine) VerifyEnter(ctx context.Context, identity interfaces.IdentityAddress, nonceID uuid.UUID) (interfaces.RecoveryState, error) {
	state, err := m.consumeTransition(ctx, identity, nonceID, interfaces.NoncePurposeEnterRecovery,
		interfaces.RecoveryStateAwaitingEnterEmailVerification,
		interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation)
	if err != nil || m.requester == nil {
		return state, err
	}

	if _, err := m.requester.RequestShards(ctx, identity); err != nil {
		m.log.Error("Failed to request shards from players", slog.String("identity", string(identity)), "err", err)
	}
	return state, nil
}

// InitiateExit asks the owner to confirm cancelling recovery.
func (m *StateMachine) InitiateExit(ctx context.Context, identity interfaces.IdentityAddress) (interfaces.RecoveryState, error) {
	if err := m.gateway.CheckDeliverable(); err != nil {
		return interfaces.RecoveryStateNone, err
	}

	var nonce interfaces.VerificationNonce
	err := m.update(ctx, identity, func(tx interfaces.RecordTx) error {
		status, err := loadStatus(tx)
		if err != nil {
			return err
		}
		if !status.State.InRecovery() {
			return fmt.Errorf("%w: cannot exit recovery from %s", interfaces.ErrInvalidState, status.State)
		}
		nonce, err = m.gateway.Issue(tx, interfaces.NoncePurposeExitRecovery, nil, m.now())
		if err != nil {
			return err
		}
		return m.putStatus(tx, status, interfaces.RecoveryStateAwaitingExitEmailVerification)
	})
	if err != nil {
		return interfaces.RecoveryStateNone, err
	}

	m.log.Info("Recovery exit requested, awaiting email verification", slog.String("identity", string(identity)))
	if err := m.gateway.SendVerification(ctx, identity, nonce, nil); err != nil {
		return interfaces.RecoveryStateAwaitingExitEmailVerification, err
	}
	return interfaces.RecoveryStateAwaitingExitEmailVerification, nil
}

// VerifyExit consumes the exit nonce and ends recovery.
func (m *StateMachine) VerifyExit(ctx context.Context, identity interfaces.IdentityAddress, nonceID uuid.UUID) (interfaces.RecoveryState, error) {
	return m.consumeTransition(ctx, identity, nonceID, interfaces.NoncePurposeExitRecovery,
		interfaces.RecoveryStateAwaitingExitEmailVerification,
		interfaces.RecoveryStateNone)
}

// consumeTransition pops a nonce and moves from one state to the next. The nonce
// is burned even when the status is not in the expected state.
func (m *StateMachine) consumeTransition(ctx context.Context, identity interfaces.IdentityAddress, nonceID uuid.UUID, purpose interfaces.NoncePurpose, from, to interfaces.RecoveryState) (interfaces.RecoveryState, error) {
	var (
		stateErr error
		current  interfaces.RecoveryState
	)
	err := m.gateway.Consume(ctx, m.store, identity, nonceID, purpose, m.now(), func(tx interfaces.RecordTx, _ *interfaces.VerificationNonce) error {
		stateErr = nil
		status, err := loadStatus(tx)
		if err != nil {
			return err
		}
		current = status.State
		if status.State != from {
			stateErr = fmt.Errorf("%w: expected %s, recovery is %s", interfaces.ErrInvalidState, from, status.State)
			return nil
		}
		current = to
		return m.putStatus(tx, status, to)
	})
	if err != nil {
		return current, err
	}
	if stateErr != nil {
		return current, stateErr
	}

	m.log.Info("Recovery state changed",
		slog.String("identity", string(identity)),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	return to, nil
}

// AcceptShare stores a parcel released by a player. Once enough shares are
// collected the distribution key is reconstructed, the recovery key is opened
// from escrow and the owner is sent a single-use link to reveal it.
func (m *StateMachine) AcceptShare(ctx context.Context, caller interfaces.CallerContext, parcel interfaces.EncryptedShareParcel) (*interfaces.RecoveryStatusRedacted, error) {
	identity := caller.Identity
	if parcel.Dealer != identity {
		return nil, fmt.Errorf("%w: parcel belongs to dealer %s", interfaces.ErrValidation, parcel.Dealer)
	}

	var (
		finalizeNonce *interfaces.VerificationNonce
		finalizeKey   []byte
		redacted      *interfaces.RecoveryStatusRedacted
	)
	err := m.update(ctx, identity, func(tx interfaces.RecordTx) error {
		finalizeNonce, finalizeKey, redacted = nil, nil, nil

		status, err := loadStatus(tx)
		if err != nil {
			return err
		}
		if !status.State.InRecovery() {
			return fmt.Errorf("%w: not accepting shares while recovery is %s", interfaces.ErrInvalidState, status.State)
		}

		pkg, err := storage.GetRecordOrNil[interfaces.DealerShardPackage](tx, interfaces.KeyDealerPackage)
		if err != nil {
			return err
		}
		if pkg == nil {
			return interfaces.ErrNotConfigured
		}
		env, ok := pkg.Envelope(parcel.ShareID)
		if !ok {
			return fmt.Errorf("%w: %s", interfaces.ErrUnknownShare, parcel.ShareID)
		}
		if env.Player.Address != caller.Caller {
			return fmt.Errorf("%w: share %s is held by %s", interfaces.ErrUnauthorizedPeer, parcel.ShareID, env.Player.Address)
		}
		share, err := kms.UnwrapShare(parcel.Ciphertext, env.EncryptionKey, env.EncryptionIV)
		if err != nil {
			return err
		}
		wipe(share)

		collected := status.CollectedShares[:0:0]
		for _, p := range status.CollectedShares {
			if p.ShareID != parcel.ShareID {
				collected = append(collected, p)
			}
		}
		status.CollectedShares = append(collected, parcel)

		state := status.State
		if state == interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation && len(status.CollectedShares) >= pkg.MinMatchingShares {
			nonce, key, err := m.prepareFinalization(tx, pkg, status.CollectedShares)
			if err != nil {
				return err
			}
			finalizeNonce, finalizeKey = &nonce, key
			state = interfaces.RecoveryStateAwaitingOwnerFinalization
		}

		redacted = &interfaces.RecoveryStatusRedacted{
			State:             state.String(),
			CollectedShares:   len(status.CollectedShares),
			MinMatchingShares: pkg.MinMatchingShares,
		}
		if err := m.putStatus(tx, status, state); err != nil {
			return err
		}
		redacted.Updated = status.Updated
		return nil
	})
	if err != nil {
		m.log.Warn("Rejected released share",
			slog.String("identity", string(identity)),
			slog.String("player", string(caller.Caller)),
			"err", err)
		return nil, err
	}

	m.log.Info("Accepted released share",
		slog.String("identity", string(identity)),
		slog.String("player", string(caller.Caller)),
		slog.Int("collected", redacted.CollectedShares),
		slog.Int("required", redacted.MinMatchingShares))

	if finalizeNonce != nil {
		defer wipe(finalizeKey)
		query := url.Values{FinalizeKeyParam: []string{base64.RawURLEncoding.EncodeToString(finalizeKey)}}
		if err := m.gateway.SendVerification(ctx, identity, *finalizeNonce, query); err != nil {
			m.log.Error("Failed to send recovery finalization link", slog.String("identity", string(identity)), "err", err)
			return redacted, err
		}
	}
	redacted.Email = email.MaskEmail(m.gateway.OwnerEmail())
	return redacted, nil
}

// prepareFinalization reconstructs the recovery key from the collected parcels
// and stores it in a finalize nonce, wrapped under a fresh key that only the
// owner's link carries.
func (m *StateMachine) prepareFinalization(tx interfaces.RecordTx, pkg *interfaces.DealerShardPackage, parcels []interfaces.EncryptedShareParcel) (interfaces.VerificationNonce, []byte, error) {
	escrow, err := storage.GetRecordOrNil[interfaces.RecoveryKeyEscrowRecord](tx, interfaces.KeyDealerEscrow)
	if err != nil {
		return interfaces.VerificationNonce{}, nil, err
	}
	if escrow == nil {
		return interfaces.VerificationNonce{}, nil, interfaces.ErrNotConfigured
	}

	recoveryKey, err := ReconstructRecoveryKey(pkg, escrow, parcels)
	if err != nil {
		return interfaces.VerificationNonce{}, nil, err
	}
	defer wipe(recoveryKey)

	finalizeKey, err := cryptoutils.RandomBytes(finalizeKeySize)
	if err != nil {
		return interfaces.VerificationNonce{}, nil, err
	}
	wrapped, err := cryptoutils.WrapKey(finalizeKey, recoveryKey, cryptoutils.InfoFinalizeWrap)
	if err != nil {
		return interfaces.VerificationNonce{}, nil, err
	}
	data, err := storage.EncodeRecord(wrapped)
	if err != nil {
		return interfaces.VerificationNonce{}, nil, err
	}

	nonce, err := m.gateway.Issue(tx, interfaces.NoncePurposeFinalize, data, m.now())
	if err != nil {
		return interfaces.VerificationNonce{}, nil, err
	}
	return nonce, finalizeKey, nil
}

// ReconstructRecoveryKey decrypts released parcels with the dealer envelopes,
// combines the shares into the distribution key and opens the escrow with it.
func ReconstructRecoveryKey(pkg *interfaces.DealerShardPackage, escrow *interfaces.RecoveryKeyEscrowRecord, parcels []interfaces.EncryptedShareParcel) ([]byte, error) {
	shares := make([]kms.Share, 0, len(parcels))
	defer func() { kms.WipeShares(shares) }()

	for _, parcel := range parcels {
		env, ok := pkg.Envelope(parcel.ShareID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownShare, parcel.ShareID)
		}
		payload, err := kms.UnwrapShare(parcel.Ciphertext, env.EncryptionKey, env.EncryptionIV)
		if err != nil {
			return nil, err
		}
		shares = append(shares, kms.Share{Index: env.ShareIndex, Payload: payload})
	}

	distributionKey, err := kms.Reconstruct(shares, pkg.MinMatchingShares)
	if err != nil {
		return nil, err
	}
	defer wipe(distributionKey)

	return openWithDistributionKey(escrow, distributionKey)
}

// FinalizeRecovery consumes the finalize nonce, returns the recovery phrase and
// ends recovery. A wrong key leaves the nonce in place.
func (m *StateMachine) FinalizeRecovery(ctx context.Context, identity interfaces.IdentityAddress, nonceID uuid.UUID, finalizeKey []byte) (string, error) {
	var (
		stateErr error
		phrase   string
	)
	err := m.gateway.Consume(ctx, m.store, identity, nonceID, interfaces.NoncePurposeFinalize, m.now(), func(tx interfaces.RecordTx, nonce *interfaces.VerificationNonce) error {
		stateErr, phrase = nil, ""
		status, err := loadStatus(tx)
		if err != nil {
			return err
		}
		if status.State != interfaces.RecoveryStateAwaitingOwnerFinalization {
			stateErr = fmt.Errorf("%w: recovery is %s", interfaces.ErrInvalidState, status.State)
			return nil
		}

		var wrapped interfaces.KeyEnvelope
		if err := storage.DecodeRecord(nonce.Data, &wrapped); err != nil {
			return err
		}
		recoveryKey, err := cryptoutils.UnwrapKey(finalizeKey, wrapped, cryptoutils.InfoFinalizeWrap)
		if err != nil {
			return err
		}
		defer wipe(recoveryKey)

		phrase, err = cryptoutils.RecoveryKeyToMnemonic(recoveryKey)
		if err != nil {
			return err
		}
		return m.putStatus(tx, status, interfaces.RecoveryStateNone)
	})
	if err != nil {
		return "", err
	}
	if stateErr != nil {
		return "", stateErr
	}

	m.log.Info("Recovery finalized, recovery phrase disclosed to owner", slog.String("identity", string(identity)))
	return phrase, nil
}

// ForceExit resets recovery without email verification. Only the owner holding
// the master key may call it. Outstanding nonces are discarded.
func (m *StateMachine) ForceExit(ctx context.Context, caller interfaces.CallerContext) error {
	if err := caller.AssertHasMasterKey(); err != nil {
		return err
	}
	err := m.update(ctx, caller.Identity, func(tx interfaces.RecordTx) error {
		status, err := loadStatus(tx)
		if err != nil {
			return err
		}
		nonces, err := tx.List(interfaces.PrefixNonce)
		if err != nil {
			return err
		}
		for _, key := range nonces {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return m.putStatus(tx, status, interfaces.RecoveryStateNone)
	})
	if err != nil {
		return err
	}
	m.log.Info("Recovery force-exited by owner", slog.String("identity", string(caller.Identity)))
	return nil
}

// GetStatus returns the public view of the recovery status.
func (m *StateMachine) GetStatus(ctx context.Context, identity interfaces.IdentityAddress) (*interfaces.RecoveryStatusRedacted, error) {
	var (
		status *interfaces.RecoveryStatus
		pkg    *interfaces.DealerShardPackage
	)
	err := m.store.View(ctx, identity, func(tx interfaces.RecordTx) error {
		var err error
		if status, err = loadStatus(tx); err != nil {
			return err
		}
		pkg, err = storage.GetRecordOrNil[interfaces.DealerShardPackage](tx, interfaces.KeyDealerPackage)
		return err
	})
	if err != nil {
		return nil, err
	}

	redacted := &interfaces.RecoveryStatusRedacted{
		State:           status.State.String(),
		Updated:         status.Updated,
		Email:           email.MaskEmail(m.gateway.OwnerEmail()),
		CollectedShares: len(status.CollectedShares),
	}
	if pkg != nil {
		redacted.MinMatchingShares = pkg.MinMatchingShares
	}
	return redacted, nil
}
