package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPeerClient struct {
	mock.Mock
}

func (m *MockPeerClient) VerifyShard(ctx context.Context, player interfaces.IdentityAddress, shareID uuid.UUID) (interfaces.ShardVerificationResult, error) {
	args := m.Called(ctx, player, shareID)
	return args.Get(0).(interfaces.ShardVerificationResult), args.Error(1)
}

func (m *MockPeerClient) DeliverParcel(ctx context.Context, item interfaces.OutboxItem) error {
	return m.Called(ctx, item).Error(0)
}

func (m *MockPeerClient) RequestShard(ctx context.Context, player interfaces.IdentityAddress, shareID uuid.UUID) error {
	return m.Called(ctx, player, shareID).Error(0)
}

func (m *MockPeerClient) ReleaseParcel(ctx context.Context, dealer interfaces.IdentityAddress, parcel interfaces.EncryptedShareParcel) error {
	return m.Called(ctx, dealer, parcel).Error(0)
}

func TestVerifier_UnreachablePlayersReportedInvalid(t *testing.T) {
	f := newRecoveryFixture(t)
	players := delegates("sam.me", "merry.me", "pippin.me", "bilbo.me", "rosie.me")
	_, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: players, MinMatchingShares: 3})
	require.NoError(t, err)

	created := time.Now().Add(-time.Hour).UTC()
	client := &MockPeerClient{}
	for _, p := range []interfaces.IdentityAddress{"sam.me", "merry.me", "pippin.me"} {
		client.On("VerifyShard", mock.Anything, p, mock.Anything).
			Return(interfaces.ShardVerificationResult{IsValid: true, Created: created}, nil)
	}
	// bilbo.me refuses the connection, rosie.me never answers.
	client.On("VerifyShard", mock.Anything, interfaces.IdentityAddress("bilbo.me"), mock.Anything).
		Return(interfaces.ShardVerificationResult{}, errors.New("connection refused"))
	client.On("VerifyShard", mock.Anything, interfaces.IdentityAddress("rosie.me"), mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(interfaces.ShardVerificationResult{}, context.DeadlineExceeded)

	cfg := VerifierConfig{Parallelism: 2, Timeout: 100 * time.Millisecond}
	verifier := NewRemoteShardVerifier(f.store, client, cfg, testLogger())

	start := time.Now()
	results, err := verifier.Verify(context.Background(), owner())
	elapsed := time.Since(start)
	require.NoError(t, err)

	// timeout × ceil(5/parallelism), plus scheduling slack.
	assert.Less(t, elapsed, 3*cfg.Timeout+200*time.Millisecond)

	require.Len(t, results, 5)
	for _, p := range []interfaces.IdentityAddress{"sam.me", "merry.me", "pippin.me"} {
		assert.True(t, results[p].IsValid, p)
		assert.True(t, created.Equal(results[p].Created))
	}
	for _, p := range []interfaces.IdentityAddress{"bilbo.me", "rosie.me"} {
		assert.False(t, results[p].IsValid, p)
		assert.True(t, results[p].RemoteServerError, p)
	}
}

func TestVerifier_SendsOnlyShareIDs(t *testing.T) {
	f := newRecoveryFixture(t)
	_, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	pkg, err := LoadPackage(context.Background(), f.store, dealer)
	require.NoError(t, err)

	client := &MockPeerClient{}
	for _, env := range pkg.Envelopes {
		client.On("VerifyShard", mock.Anything, env.Player.Address, env.ShareID).
			Return(interfaces.ShardVerificationResult{IsValid: true}, nil).Once()
	}

	results, err := NewRemoteShardVerifier(f.store, client, VerifierConfig{}, testLogger()).Verify(context.Background(), owner())
	require.NoError(t, err)
	assert.Len(t, results, 3)
	client.AssertExpectations(t)
}

func TestVerifier_RequiresOwnerAndPackage(t *testing.T) {
	f := newRecoveryFixture(t)
	verifier := NewRemoteShardVerifier(f.store, &MockPeerClient{}, VerifierConfig{}, testLogger())

	_, err := verifier.Verify(context.Background(), owner())
	assert.ErrorIs(t, err, interfaces.ErrNotConfigured)

	_, err = verifier.Verify(context.Background(), interfaces.CallerContext{Identity: dealer, Caller: "sam.me"})
	assert.ErrorIs(t, err, interfaces.ErrNotOwner)
}

func TestVerifyEnter_RequestsShardsFromEveryPlayer(t *testing.T) {
	f := newRecoveryFixture(t)
	_, err := f.registry.Configure(context.Background(), owner(), ConfigureRequest{Players: delegates("sam.me", "merry.me", "pippin.me"), MinMatchingShares: 2})
	require.NoError(t, err)
	pkg, err := LoadPackage(context.Background(), f.store, dealer)
	require.NoError(t, err)

	client := &MockPeerClient{}
	for _, env := range pkg.Envelopes {
		var ret error
		if env.Player.Address == "merry.me" {
			ret = errors.New("connection refused")
		}
		client.On("RequestShard", mock.Anything, env.Player.Address, env.ShareID).Return(ret).Once()
	}
	f.sm.WithShardRequester(NewRemoteShardVerifier(f.store, client, VerifierConfig{Parallelism: 2}, testLogger()))

	// An unreachable player does not hold recovery back.
	enterRecovery(t, f)
	client.AssertExpectations(t)
	assert.Equal(t, interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation, f.status(t).State)

	failures, err := NewRemoteShardVerifier(f.store, client, VerifierConfig{}, testLogger()).RequestShards(context.Background(), "gandalf.me")
	assert.ErrorIs(t, err, interfaces.ErrNotConfigured)
	assert.Nil(t, failures)
}
