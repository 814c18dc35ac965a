package recovery

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/email"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/kms"
	"github.com/ruteri/identity-recovery-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configured(t *testing.T, f *recoveryFixture) []interfaces.EncryptedShareParcel {
	t.Helper()
	_, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	return f.outbox.lastParcels(t, 3)
}

func enterRecovery(t *testing.T, f *recoveryFixture) {
	t.Helper()
	state, err := f.sm.InitiateEnter(context.Background(), dealer)
	require.NoError(t, err)
	require.Equal(t, interfaces.RecoveryStateAwaitingEnterEmailVerification, state)

	state, err = f.sm.VerifyEnter(context.Background(), dealer, nonceFromLink(t, f.mailer.nextLink(t)))
	require.NoError(t, err)
	require.Equal(t, interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation, state)
}

func release(parcel interfaces.EncryptedShareParcel) interfaces.CallerContext {
	return interfaces.CallerContext{Identity: dealer, Caller: parcel.Player.Address}
}

func TestStateMachine_EnterRequiresConfiguration(t *testing.T) {
	f := newRecoveryFixture(t)
	_, err := f.sm.InitiateEnter(context.Background(), dealer)
	assert.ErrorIs(t, err, interfaces.ErrNotConfigured)
	assert.Equal(t, interfaces.RecoveryStateNone, f.status(t).State)
}

func TestStateMachine_EnterNonceSingleUse(t *testing.T) {
	f := newRecoveryFixture(t)
	configured(t, f)

	_, err := f.sm.InitiateEnter(context.Background(), dealer)
	require.NoError(t, err)
	nonceID := nonceFromLink(t, f.mailer.nextLink(t))

	state, err := f.sm.VerifyEnter(context.Background(), dealer, nonceID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation, state)
	updated := f.status(t).Updated

	_, err = f.sm.VerifyEnter(context.Background(), dealer, nonceID)
	assert.ErrorIs(t, err, interfaces.ErrNonceNotFound)
	assert.Equal(t, updated, f.status(t).Updated, "Replay does not transition again")

	// Entering again while collecting shares is a no-op and sends nothing.
	state, err = f.sm.InitiateEnter(context.Background(), dealer)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation, state)
	select {
	case <-f.mailer.sent:
		t.Fatal("unexpected email")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateMachine_ExpiredNonce(t *testing.T) {
	f := newRecoveryFixture(t)
	configured(t, f)

	_, err := f.sm.InitiateEnter(context.Background(), dealer)
	require.NoError(t, err)
	nonceID := nonceFromLink(t, f.mailer.nextLink(t))

	f.sm.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = f.sm.VerifyEnter(context.Background(), dealer, nonceID)
	assert.ErrorIs(t, err, interfaces.ErrNonceExpired)
	assert.Equal(t, interfaces.RecoveryStateAwaitingEnterEmailVerification, f.status(t).State)

	_, err = f.sm.VerifyEnter(context.Background(), dealer, nonceID)
	assert.ErrorIs(t, err, interfaces.ErrNonceNotFound, "Expired nonce is burned")
}

func TestStateMachine_ConcurrentVisitsSucceedOnce(t *testing.T) {
	f := newRecoveryFixture(t)
	configured(t, f)
	_, err := f.sm.InitiateEnter(context.Background(), dealer)
	require.NoError(t, err)
	nonceID := nonceFromLink(t, f.mailer.nextLink(t))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sm.VerifyEnter(context.Background(), dealer, nonceID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestStateMachine_EmailDisabled(t *testing.T) {
	store := storage.NewMemoryBackend(testLogger())
	outbox := newFakeOutbox()
	registry := NewRegistry(store, outbox, testLogger())
	_, err := registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)

	prod := NewStateMachine(store, email.NewGateway(email.Config{Production: true}, nil, nil, testLogger()), testLogger())
	_, err = prod.InitiateEnter(context.Background(), dealer)
	assert.ErrorIs(t, err, interfaces.ErrEmailDisabled)

	status, err := prod.GetStatus(context.Background(), dealer)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryStateNone.String(), status.State)

	// Development builds log the link and continue.
	dev := NewStateMachine(store, email.NewGateway(email.Config{Production: false}, nil, nil, testLogger()), testLogger())
	state, err := dev.InitiateEnter(context.Background(), dealer)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryStateAwaitingEnterEmailVerification, state)
}

func TestStateMachine_Exit(t *testing.T) {
	f := newRecoveryFixture(t)
	parcels := configured(t, f)

	_, err := f.sm.InitiateExit(context.Background(), dealer)
	assert.ErrorIs(t, err, interfaces.ErrInvalidState, "Nothing to exit")

	enterRecovery(t, f)
	_, err = f.sm.AcceptShare(context.Background(), release(parcels[0]), parcels[0])
	require.NoError(t, err)

	state, err := f.sm.InitiateExit(context.Background(), dealer)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryStateAwaitingExitEmailVerification, state)
	exitLink := f.mailer.nextLink(t)
	assert.Contains(t, exitLink.Path, "/recovery/verify-exit/")

	// An enter nonce cannot be used on the exit route.
	_, err = f.sm.VerifyEnter(context.Background(), dealer, nonceFromLink(t, exitLink))
	assert.ErrorIs(t, err, interfaces.ErrNoncePurposeMismatch)

	_, err = f.sm.InitiateExit(context.Background(), dealer)
	require.NoError(t, err)
	state, err = f.sm.VerifyExit(context.Background(), dealer, nonceFromLink(t, f.mailer.nextLink(t)))
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryStateNone, state)

	status := f.status(t)
	assert.Equal(t, interfaces.RecoveryStateNone, status.State)
	assert.Empty(t, status.CollectedShares)
}

func TestStateMachine_AcceptShareChecks(t *testing.T) {
	f := newRecoveryFixture(t)
	parcels := configured(t, f)

	_, err := f.sm.AcceptShare(context.Background(), release(parcels[0]), parcels[0])
	assert.ErrorIs(t, err, interfaces.ErrInvalidState, "Not in recovery")

	enterRecovery(t, f)

	_, err = f.sm.AcceptShare(context.Background(), release(parcels[1]), parcels[0])
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedPeer, "Another player's share")

	unknown := parcels[0]
	unknown.ShareID = uuid.New()
	_, err = f.sm.AcceptShare(context.Background(), release(unknown), unknown)
	assert.ErrorIs(t, err, interfaces.ErrUnknownShare)

	tampered := parcels[0]
	tampered.Ciphertext = append([]byte(nil), parcels[0].Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	_, err = f.sm.AcceptShare(context.Background(), release(tampered), tampered)
	assert.ErrorIs(t, err, interfaces.ErrDecryption)

	// Releasing the same share twice counts once.
	_, err = f.sm.AcceptShare(context.Background(), release(parcels[0]), parcels[0])
	require.NoError(t, err)
	status, err := f.sm.AcceptShare(context.Background(), release(parcels[0]), parcels[0])
	require.NoError(t, err)
	assert.Equal(t, 1, status.CollectedShares)
	assert.Equal(t, interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation.String(), status.State)
}

func TestStateMachine_EndToEnd(t *testing.T) {
	f := newRecoveryFixture(t)
	parcels := configured(t, f)
	expected, err := f.registry.RevealRecoveryKey(context.Background(), owner())
	require.NoError(t, err)

	enterRecovery(t, f)

	status, err := f.sm.AcceptShare(context.Background(), release(parcels[2]), parcels[2])
	require.NoError(t, err)
	assert.Equal(t, 1, status.CollectedShares)
	assert.Equal(t, 2, status.MinMatchingShares)

	status, err = f.sm.AcceptShare(context.Background(), release(parcels[0]), parcels[0])
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryStateAwaitingOwnerFinalization.String(), status.State)

	link := f.mailer.nextLink(t)
	assert.Contains(t, link.Path, "/recovery/finalize/")
	finalizeKey, err := base64.RawURLEncoding.DecodeString(link.Query().Get(FinalizeKeyParam))
	require.NoError(t, err)
	nonceID := nonceFromLink(t, link)

	_, err = f.sm.FinalizeRecovery(context.Background(), dealer, nonceID, []byte("wrong-key-wrong-key-wrong-key-00"))
	assert.ErrorIs(t, err, interfaces.ErrDecryption)

	phrase, err := f.sm.FinalizeRecovery(context.Background(), dealer, nonceID, finalizeKey)
	require.NoError(t, err)
	assert.Equal(t, expected, phrase)
	assert.Equal(t, interfaces.RecoveryStateNone, f.status(t).State)

	_, err = f.sm.FinalizeRecovery(context.Background(), dealer, nonceID, finalizeKey)
	assert.ErrorIs(t, err, interfaces.ErrNonceNotFound)
}

func TestReconstructRecoveryKey(t *testing.T) {
	f := newRecoveryFixture(t)
	parcels := configured(t, f)
	expected, err := f.registry.RevealRecoveryKey(context.Background(), owner())
	require.NoError(t, err)

	pkg, err := LoadPackage(context.Background(), f.store, dealer)
	require.NoError(t, err)
	var escrow *interfaces.RecoveryKeyEscrowRecord
	require.NoError(t, f.store.View(context.Background(), dealer, func(tx interfaces.RecordTx) error {
		escrow, err = storage.GetRecord[interfaces.RecoveryKeyEscrowRecord](tx, interfaces.KeyDealerEscrow)
		return err
	}))

	for _, pair := range [][]int{{0, 1}, {1, 2}, {0, 2}} {
		key, err := ReconstructRecoveryKey(pkg, escrow, []interfaces.EncryptedShareParcel{parcels[pair[0]], parcels[pair[1]]})
		require.NoError(t, err)
		phrase, err := cryptoutils.RecoveryKeyToMnemonic(key)
		require.NoError(t, err)
		assert.Equal(t, expected, phrase)
	}

	for _, single := range parcels {
		_, err := ReconstructRecoveryKey(pkg, escrow, []interfaces.EncryptedShareParcel{single})
		assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
	}

	// Shares of a previous configuration do not open the new escrow.
	_, err = f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	newPkg, err := LoadPackage(context.Background(), f.store, dealer)
	require.NoError(t, err)
	_, err = ReconstructRecoveryKey(newPkg, escrow, parcels[:2])
	assert.ErrorIs(t, err, interfaces.ErrUnknownShare)

	// A mismatched escrow is detected by the authenticated wrap.
	stale := *pkg
	stale.Envelopes = append([]interfaces.ShareEnvelope(nil), pkg.Envelopes...)
	shares, err := kms.Split([]byte("some-other-distribution-key-32b!"), 3, 2)
	require.NoError(t, err)
	forged := make([]interfaces.EncryptedShareParcel, 0, 2)
	for i := 0; i < 2; i++ {
		key, iv, ct, err := kms.WrapShare(shares[i].Payload)
		require.NoError(t, err)
		stale.Envelopes[i].EncryptionKey, stale.Envelopes[i].EncryptionIV = key, iv
		forged = append(forged, interfaces.EncryptedShareParcel{ShareID: stale.Envelopes[i].ShareID, Ciphertext: ct})
	}
	_, err = ReconstructRecoveryKey(&stale, escrow, forged)
	assert.ErrorIs(t, err, interfaces.ErrReconstructionFailed)
}

func TestForceExit(t *testing.T) {
	f := newRecoveryFixture(t)
	configured(t, f)
	enterRecovery(t, f)

	err := f.sm.ForceExit(context.Background(), interfaces.CallerContext{Identity: dealer, Caller: dealer})
	assert.ErrorIs(t, err, interfaces.ErrMasterKeyRequired)

	require.NoError(t, f.sm.ForceExit(context.Background(), owner()))
	assert.Equal(t, interfaces.RecoveryStateNone, f.status(t).State)

	var nonces []string
	require.NoError(t, f.store.View(context.Background(), dealer, func(tx interfaces.RecordTx) error {
		var err error
		nonces, err = tx.List(interfaces.PrefixNonce)
		return err
	}))
	assert.Empty(t, nonces)
}

func TestGetStatus(t *testing.T) {
	f := newRecoveryFixture(t)
	configured(t, f)

	status, err := f.sm.GetStatus(context.Background(), dealer)
	require.NoError(t, err)
	assert.Equal(t, "none", status.State)
	assert.Equal(t, "f***s@s***e.org", status.Email)
	assert.Equal(t, 2, status.MinMatchingShares)
}
