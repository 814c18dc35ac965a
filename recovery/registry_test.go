package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/jobs"
	"github.com/ruteri/identity-recovery-backend/kms"
	"github.com/ruteri/identity-recovery-backend/peer"
	"github.com/ruteri/identity-recovery-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertNothingWritten(t *testing.T, store interfaces.RecordStore) {
	t.Helper()
	for _, key := range []string{interfaces.KeyDealerPackage, interfaces.KeyDealerEscrow} {
		_, err := store.Get(context.Background(), dealer, key)
		assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, key)
	}
}

func TestConfigure_Validation(t *testing.T) {
	manual := delegates("sam.me", "merry.me", "pippin.me")
	manual[1].Type = interfaces.PlayerTypeManual

	testCases := []struct {
		name      string
		caller    interfaces.CallerContext
		req       ConfigureRequest
		expectErr error
	}{
		{
			name:      "too few players",
			caller:    owner(),
			req:       ConfigureRequest{Players: delegates("sam.me", "merry.me"), MinMatchingShares: 2},
			expectErr: interfaces.ErrValidation,
		},
		{
			name:      "threshold above player count",
			caller:    owner(),
			req:       ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 4},
			expectErr: interfaces.ErrValidation,
		},
		{
			name:      "threshold below two",
			caller:    owner(),
			req:       ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 1},
			expectErr: interfaces.ErrValidation,
		},
		{
			name:      "non-delegate player",
			caller:    owner(),
			req:       ConfigureRequest{Players: manual, MinMatchingShares: 2},
			expectErr: interfaces.ErrUnsupportedPlayerType,
		},
		{
			name:      "duplicate player",
			caller:    owner(),
			req:       ConfigureRequest{Players: delegates("sam.me", "sam.me", "pippin.me"), MinMatchingShares: 2},
			expectErr: interfaces.ErrValidation,
		},
		{
			name:      "dealer as player",
			caller:    owner(),
			req:       ConfigureRequest{Players: delegates("sam.me", "frodo.me", "pippin.me"), MinMatchingShares: 2},
			expectErr: interfaces.ErrValidation,
		},
		{
			name:      "no master key",
			caller:    interfaces.CallerContext{Identity: dealer, Caller: dealer},
			req:       ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2},
			expectErr: interfaces.ErrMasterKeyRequired,
		},
		{
			name:      "peer caller",
			caller:    interfaces.CallerContext{Identity: dealer, Caller: "sam.me", MasterKey: masterKey},
			req:       ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2},
			expectErr: interfaces.ErrMasterKeyRequired,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemoryBackend(testLogger())
			outbox := newFakeOutbox()
			registry := NewRegistry(store, outbox, testLogger())

			_, err := registry.Configure(context.Background(), tc.caller, tc.req)
			assert.ErrorIs(t, err, tc.expectErr)
			assertNothingWritten(t, store)
			assert.Empty(t, outbox.enqueued)
		})
	}
}

func TestConfigure_PackageAndEscrow(t *testing.T) {
	f := newRecoveryFixture(t)
	players := delegates("sam.me", "merry.me", "pippin.me")

	res, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: players, MinMatchingShares: 2})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	for _, o := range res.Outcomes {
		assert.Equal(t, interfaces.TransferStatusEnqueued, o.Status)
	}

	cfg, err := f.registry.GetRedactedConfig(context.Background(), owner())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MinMatchingShares)
	require.Len(t, cfg.Envelopes, 3)

	got, err := f.registry.GetPlayers(context.Background(), owner())
	require.NoError(t, err)
	assert.Equal(t, players, got)

	// Parcels never carry their key, envelopes keep it.
	pkg, err := LoadPackage(context.Background(), f.store, dealer)
	require.NoError(t, err)
	for i, parcel := range f.outbox.lastParcels(t, 3) {
		env, ok := pkg.Envelope(parcel.ShareID)
		require.True(t, ok)
		assert.Equal(t, players[i], parcel.Player)
		assert.Equal(t, dealer, parcel.Dealer)
		assert.NotContains(t, string(parcel.Ciphertext), string(env.EncryptionKey))

		share, err := kms.UnwrapShare(parcel.Ciphertext, env.EncryptionKey, env.EncryptionIV)
		require.NoError(t, err)
		assert.NotEmpty(t, share)
	}

	for _, o := range f.outbox.enqueued {
		assert.True(t, o.NonDistributable)
		assert.Equal(t, interfaces.TransferPriorityHigh, o.Priority)
		assert.Equal(t, interfaces.FileTypeShamirShard, o.FileType)
		assert.Equal(t, ConfiguredNotification, o.Notification)
	}

	phrase, err := f.registry.RevealRecoveryKey(context.Background(), owner())
	require.NoError(t, err)
	_, err = cryptoutils.MnemonicToRecoveryKey(phrase)
	assert.NoError(t, err)
}

func TestConfigure_ReplacesPackage(t *testing.T) {
	f := newRecoveryFixture(t)

	_, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	before, err := f.registry.RevealRecoveryKey(context.Background(), owner())
	require.NoError(t, err)

	newRoster := delegates("gandalf.me", "aragorn.me", "legolas.me", "gimli.me")
	_, err = f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: newRoster, MinMatchingShares: 3})
	require.NoError(t, err)

	cfg, err := f.registry.GetRedactedConfig(context.Background(), owner())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MinMatchingShares)
	require.Len(t, cfg.Envelopes, 4)
	for i, env := range cfg.Envelopes {
		assert.Equal(t, newRoster[i], env.Player)
	}

	var dealerParcels []string
	require.NoError(t, f.store.View(context.Background(), dealer, func(tx interfaces.RecordTx) error {
		var err error
		dealerParcels, err = tx.List(interfaces.PrefixDealerParcel)
		return err
	}))
	assert.Len(t, dealerParcels, 4)

	after, err := f.registry.RevealRecoveryKey(context.Background(), owner())
	require.NoError(t, err)
	assert.Equal(t, before, after, "Reconfiguration keeps the recovery key")
}

func TestConfigure_DropsTransfersOfRemovedPlayers(t *testing.T) {
	dir := peer.NewDirectory()
	for _, id := range []interfaces.IdentityAddress{"sam.me", "merry.me", "pippin.me", "gandalf.me", "aragorn.me", "legolas.me"} {
		_, pubPEM, err := cryptoutils.GeneratePeerKeyPair()
		require.NoError(t, err)
		require.NoError(t, dir.Add(id, pubPEM))
	}

	// The scheduler is never started, so every parcel stays pending.
	store := storage.NewMemoryBackend(testLogger())
	outbox := peer.NewOutbox(dir, store, nil, jobs.NewScheduler(jobs.DefaultConfig(), testLogger()), peer.OutboxConfig{}, testLogger())
	registry := NewRegistry(store, outbox, testLogger())

	_, err := registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	res, err := registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("gandalf.me", "aragorn.me", "legolas.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)

	current := map[interfaces.IdentityAddress]bool{"gandalf.me": true, "aragorn.me": true, "legolas.me": true}

	var items []interfaces.OutboxItem
	require.NoError(t, store.View(context.Background(), dealer, func(tx interfaces.RecordTx) error {
		var err error
		items, err = storage.ListRecords[interfaces.OutboxItem](tx, interfaces.PrefixOutbox)
		return err
	}))
	assert.Len(t, items, 3)
	for _, item := range items {
		assert.True(t, current[item.Recipient], "pending parcel for removed player %s", item.Recipient)
	}

	records, err := outbox.DeliveryStatus(context.Background(), dealer)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, r := range records {
		assert.True(t, current[r.Recipient], "delivery record for removed player %s", r.Recipient)
		assert.Equal(t, interfaces.TransferStatusEnqueued, r.Status)
	}
}

func TestConfigure_RejectedPlayerAbortsEverything(t *testing.T) {
	store := storage.NewMemoryBackend(testLogger())
	outbox := newFakeOutbox("mordor.me")
	registry := NewRegistry(store, outbox, testLogger())

	_, err := registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "mordor.me"), MinMatchingShares: 2})
	assert.ErrorIs(t, err, interfaces.ErrDistributionRejected)
	assert.ErrorContains(t, err, "mordor.me")
	assertNothingWritten(t, store)

	// A valid package survives a failed reconfiguration untouched.
	_, err = registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	before, err := registry.GetRedactedConfig(context.Background(), owner())
	require.NoError(t, err)

	_, err = registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "mordor.me", "pippin.me"), MinMatchingShares: 3})
	require.ErrorIs(t, err, interfaces.ErrDistributionRejected)

	after, err := registry.GetRedactedConfig(context.Background(), owner())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestConfigure_MasterKeyMismatch(t *testing.T) {
	f := newRecoveryFixture(t)
	_, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)

	wrong := owner()
	wrong.MasterKey = []byte("not-the-master-key")
	_, err = f.registry.Configure(context.Background(), wrong, ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 3})
	assert.ErrorIs(t, err, interfaces.ErrMasterKeyMismatch)

	_, err = f.registry.RevealRecoveryKey(context.Background(), wrong)
	assert.ErrorIs(t, err, interfaces.ErrMasterKeyMismatch)
}

func TestRegistry_ReadAccess(t *testing.T) {
	f := newRecoveryFixture(t)

	_, err := f.registry.GetRedactedConfig(context.Background(), owner())
	assert.ErrorIs(t, err, interfaces.ErrNotConfigured)
	_, err = f.registry.RevealRecoveryKey(context.Background(), owner())
	assert.ErrorIs(t, err, interfaces.ErrNotConfigured)

	peerCaller := interfaces.CallerContext{Identity: dealer, Caller: "sam.me"}
	_, err = f.registry.GetPlayers(context.Background(), peerCaller)
	assert.ErrorIs(t, err, interfaces.ErrNotOwner)
}

func TestRotateIfStale(t *testing.T) {
	f := newRecoveryFixture(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.registry.now = func() time.Time { return base }

	_, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	first, err := LoadPackage(context.Background(), f.store, dealer)
	require.NoError(t, err)

	rotated, err := f.registry.RotateIfStale(context.Background(), owner(), base.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, rotated)

	f.registry.now = func() time.Time { return base.Add(2 * time.Hour) }
	rotated, err = f.registry.RotateIfStale(context.Background(), owner(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, rotated)

	second, err := LoadPackage(context.Background(), f.store, dealer)
	require.NoError(t, err)
	assert.Equal(t, first.Players(), second.Players())
	assert.NotEqual(t, first.Envelopes[0].ShareID, second.Envelopes[0].ShareID)
}
