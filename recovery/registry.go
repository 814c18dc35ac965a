package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/kms"
	"github.com/ruteri/identity-recovery-backend/storage"
)

// ConfigureRequest is the roster and threshold of a (re)configuration.
type ConfigureRequest struct {
	Players           []interfaces.Player
	MinMatchingShares int
}

// ConfigureResult is the redacted package and the per-player outbox outcome.
type ConfigureResult struct {
	Config   *interfaces.DealerShardConfig
	Outcomes []DeliveryOutcome
}

// Registry is the dealer side of social recovery: it owns the shard package and
// the recovery key escrow of each identity.
type Registry struct {
	store       interfaces.RecordStore
	distributor *ShardDistributor
	outbox      interfaces.Outbox
	log         *slog.Logger
	now         func() time.Time

	locks sync.Map // identity -> *sync.Mutex
}

// NewRegistry creates a registry.
func NewRegistry(store interfaces.RecordStore, outbox interfaces.Outbox, log *slog.Logger) *Registry {
	return &Registry{
		store:       store,
		distributor: NewShardDistributor(outbox, log),
		outbox:      outbox,
		log:         log,
		now:         time.Now,
	}
}

func (r *Registry) lock(identity interfaces.IdentityAddress) func() {
	m, _ := r.locks.LoadOrStore(identity, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ValidateRoster checks a configure request against the dealer identity.
func ValidateRoster(dealer interfaces.IdentityAddress, req ConfigureRequest) error {
	n := len(req.Players)
	if n < interfaces.MinimumPlayerCount {
		return fmt.Errorf("%w: at least %d players are required, got %d", interfaces.ErrValidation, interfaces.MinimumPlayerCount, n)
	}
	if n > kms.MaxShares {
		return fmt.Errorf("%w: at most %d players are supported", interfaces.ErrValidation, kms.MaxShares)
	}
	if req.MinMatchingShares < 2 || req.MinMatchingShares > n {
		return fmt.Errorf("%w: min matching shares must be between 2 and %d, got %d", interfaces.ErrValidation, n, req.MinMatchingShares)
	}

	seen := make(map[interfaces.IdentityAddress]struct{}, n)
	for _, p := range req.Players {
		if err := p.Address.Validate(); err != nil {
			return err
		}
		if err := p.AssertSupported(); err != nil {
			return err
		}
		if p.Address == dealer {
			return fmt.Errorf("%w: the dealer cannot be its own player", interfaces.ErrValidation)
		}
		if _, dup := seen[p.Address]; dup {
			return fmt.Errorf("%w: duplicate player %s", interfaces.ErrValidation, p.Address)
		}
		seen[p.Address] = struct{}{}
	}
	return nil
}

// Configure splits a fresh distribution key among the players, distributes the
// parcels and escrows the recovery key under it.
//
// Pending transfers and delivery records of players dropped from the roster are
// discarded. The package, the parcels handed to the outbox and the escrow record
// are written in one store transaction: a failure at any step leaves the previous package and
// escrow untouched. Configure is serialized per identity.
func (r *Registry) Configure(ctx context.Context, caller interfaces.CallerContext, req ConfigureRequest) (*ConfigureResult, error) {
	if err := caller.AssertHasMasterKey(); err != nil {
		return nil, err
	}
	dealer := caller.Identity
	if err := ValidateRoster(dealer, req); err != nil {
		return nil, err
	}

	unlock := r.lock(dealer)
	defer unlock()

	distributionKey, err := cryptoutils.RandomBytes(DistributionKeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(distributionKey)

	shares, err := kms.Split(distributionKey, len(req.Players), req.MinMatchingShares)
	if err != nil {
		return nil, err
	}
	defer kms.WipeShares(shares)

	now := r.now()
	pkg := &interfaces.DealerShardPackage{
		MinMatchingShares: req.MinMatchingShares,
		Envelopes:         make([]interfaces.ShareEnvelope, 0, len(shares)),
		CreatedAt:         now,
	}
	parcels := make([]interfaces.EncryptedShareParcel, 0, len(shares))
	for i, share := range shares {
		key, iv, ciphertext, err := kms.WrapShare(share.Payload)
		if err != nil {
			return nil, err
		}
		shareID := uuid.New()
		pkg.Envelopes = append(pkg.Envelopes, interfaces.ShareEnvelope{
			ShareID:       shareID,
			Player:        req.Players[i],
			ShareIndex:    share.Index,
			EncryptionKey: key,
			EncryptionIV:  iv,
		})
		parcels = append(parcels, interfaces.EncryptedShareParcel{
			ShareID:    shareID,
			Player:     req.Players[i],
			Dealer:     dealer,
			CreatedAt:  now,
			Ciphertext: ciphertext,
		})
	}

	var outcomes []DeliveryOutcome
	err = r.store.Update(ctx, dealer, func(tx interfaces.RecordTx) error {
		status, err := storage.GetRecordOrNil[interfaces.RecoveryStatus](tx, interfaces.KeyRecoveryStatus)
		if err != nil {
			return err
		}
		if status != nil && status.State != interfaces.RecoveryStateNone {
			return fmt.Errorf("%w: cannot reconfigure while recovery is %s", interfaces.ErrInvalidState, status.State)
		}

		recoveryKey, err := r.recoveryKeyFor(tx, caller.MasterKey)
		if err != nil {
			return err
		}
		defer wipe(recoveryKey)

		oldParcels, err := tx.List(interfaces.PrefixDealerParcel)
		if err != nil {
			return err
		}
		for _, key := range oldParcels {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}

		roster := make([]interfaces.IdentityAddress, 0, len(req.Players))
		for _, p := range req.Players {
			roster = append(roster, p.Address)
		}
		if err := r.outbox.Prune(tx, roster); err != nil {
			return fmt.Errorf("failed to prune outbox: %w", err)
		}

		if err := storage.PutRecord(tx, interfaces.KeyDealerPackage, pkg); err != nil {
			return fmt.Errorf("failed to write shard package: %w", err)
		}

		outcomes, err = r.distributor.Distribute(tx, dealer, parcels)
		if err != nil {
			return err
		}

		escrow, err := sealEscrow(recoveryKey, caller.MasterKey, distributionKey, req.Players, now)
		if err != nil {
			return err
		}
		if err := storage.PutRecord(tx, interfaces.KeyDealerEscrow, escrow); err != nil {
			return fmt.Errorf("failed to write recovery key escrow: %w", err)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Social recovery configuration failed", slog.String("identity", string(dealer)), "err", err)
		return nil, err
	}

	r.log.Info("Social recovery configured",
		slog.String("identity", string(dealer)),
		slog.Int("players", len(req.Players)),
		slog.Int("minMatchingShares", req.MinMatchingShares))

	// Parcels are durable in the outbox; a failure here only delays delivery.
	if err := r.outbox.ProcessNow(ctx, dealer); err != nil {
		r.log.Warn("Failed to start parcel delivery", slog.String("identity", string(dealer)), "err", err)
	}

	return &ConfigureResult{Config: pkg.Redacted(), Outcomes: outcomes}, nil
}

// recoveryKeyFor opens the existing escrow with the master key, or generates a
// new recovery key on first configuration.
func (r *Registry) recoveryKeyFor(tx interfaces.RecordTx, masterKey []byte) ([]byte, error) {
	escrow, err := storage.GetRecordOrNil[interfaces.RecoveryKeyEscrowRecord](tx, interfaces.KeyDealerEscrow)
	if err != nil {
		return nil, err
	}
	if escrow == nil {
		return cryptoutils.NewRecoveryKey()
	}
	return openWithMasterKey(escrow, masterKey)
}

// GetRedactedConfig returns the package without key material.
func (r *Registry) GetRedactedConfig(ctx context.Context, caller interfaces.CallerContext) (*interfaces.DealerShardConfig, error) {
	pkg, err := r.ownerPackage(ctx, caller)
	if err != nil {
		return nil, err
	}
	return pkg.Redacted(), nil
}

// GetPlayers returns the configured roster.
func (r *Registry) GetPlayers(ctx context.Context, caller interfaces.CallerContext) ([]interfaces.Player, error) {
	pkg, err := r.ownerPackage(ctx, caller)
	if err != nil {
		return nil, err
	}
	return pkg.Players(), nil
}

func (r *Registry) ownerPackage(ctx context.Context, caller interfaces.CallerContext) (*interfaces.DealerShardPackage, error) {
	if !caller.IsOwner() {
		return nil, interfaces.ErrNotOwner
	}
	return LoadPackage(ctx, r.store, caller.Identity)
}

// RevealRecoveryKey opens the escrow with the caller's master key and returns
// the recovery phrase.
func (r *Registry) RevealRecoveryKey(ctx context.Context, caller interfaces.CallerContext) (string, error) {
	if err := caller.AssertHasMasterKey(); err != nil {
		return "", err
	}

	var escrow *interfaces.RecoveryKeyEscrowRecord
	err := r.store.View(ctx, caller.Identity, func(tx interfaces.RecordTx) error {
		var err error
		escrow, err = storage.GetRecordOrNil[interfaces.RecoveryKeyEscrowRecord](tx, interfaces.KeyDealerEscrow)
		return err
	})
	if err != nil {
		return "", err
	}
	if escrow == nil {
		return "", interfaces.ErrNotConfigured
	}

	key, err := openWithMasterKey(escrow, caller.MasterKey)
	if err != nil {
		return "", err
	}
	defer wipe(key)
	return cryptoutils.RecoveryKeyToMnemonic(key)
}

// RotateIfStale re-runs Configure with the current roster when the package was
// created before credentialsUpdatedAt. It reports whether a rotation happened.
func (r *Registry) RotateIfStale(ctx context.Context, caller interfaces.CallerContext, credentialsUpdatedAt time.Time) (bool, error) {
	if err := caller.AssertHasMasterKey(); err != nil {
		return false, err
	}
	pkg, err := LoadPackage(ctx, r.store, caller.Identity)
	if err != nil {
		return false, err
	}
	if !pkg.CreatedAt.Before(credentialsUpdatedAt) {
		return false, nil
	}

	r.log.Info("Rotating stale shard package",
		slog.String("identity", string(caller.Identity)),
		slog.Time("packageCreated", pkg.CreatedAt),
		slog.Time("credentialsUpdated", credentialsUpdatedAt))

	_, err = r.Configure(ctx, caller, ConfigureRequest{
		Players:           pkg.Players(),
		MinMatchingShares: pkg.MinMatchingShares,
	})
	return err == nil, err
}

// LoadPackage reads the identity's package or returns ErrNotConfigured.
func LoadPackage(ctx context.Context, store interfaces.RecordStore, identity interfaces.IdentityAddress) (*interfaces.DealerShardPackage, error) {
	var pkg *interfaces.DealerShardPackage
	err := store.View(ctx, identity, func(tx interfaces.RecordTx) error {
		var err error
		pkg, err = storage.GetRecordOrNil[interfaces.DealerShardPackage](tx, interfaces.KeyDealerPackage)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, interfaces.ErrNotConfigured
	}
	return pkg, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
