package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/identity-recovery-backend/interfaces"
	"golang.org/x/sync/errgroup"
)

// VerifierConfig bounds the verification fan-out.
type VerifierConfig struct {
	// Parallelism is the number of players checked at once.
	Parallelism int

	// Timeout bounds each player call.
	Timeout time.Duration
}

// DefaultVerifierConfig returns the verifier defaults.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{Parallelism: 4, Timeout: 10 * time.Second}
}

// RemoteShardVerifier asks every player of a package to attest custody of its
// parcel, and to release it when recovery opens. Nothing but the share id is
// sent.
type RemoteShardVerifier struct {
	store  interfaces.RecordStore
	client interfaces.PeerClient
	cfg    VerifierConfig
	log    *slog.Logger
}

// NewRemoteShardVerifier creates a verifier.
func NewRemoteShardVerifier(store interfaces.RecordStore, client interfaces.PeerClient, cfg VerifierConfig, log *slog.Logger) *RemoteShardVerifier {
	defaults := DefaultVerifierConfig()
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaults.Parallelism
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	return &RemoteShardVerifier{store: store, client: client, cfg: cfg, log: log}
}

// Verify checks every player and returns one result per player. An unreachable
// or failing player is reported invalid and never stops the others.
func (v *RemoteShardVerifier) Verify(ctx context.Context, caller interfaces.CallerContext) (map[interfaces.IdentityAddress]interfaces.ShardVerificationResult, error) {
	if !caller.IsOwner() {
		return nil, interfaces.ErrNotOwner
	}
	pkg, err := LoadPackage(ctx, v.store, caller.Identity)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[interfaces.IdentityAddress]interfaces.ShardVerificationResult, len(pkg.Envelopes))

	var g errgroup.Group
	g.SetLimit(v.cfg.Parallelism)
	for _, env := range pkg.Envelopes {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
			defer cancel()

			res, err := v.client.VerifyShard(callCtx, env.Player.Address, env.ShareID)
			if err != nil {
				v.log.Debug("Shard verification failed",
					slog.String("player", string(env.Player.Address)),
					"err", err)
				res = interfaces.ShardVerificationResult{IsValid: false, RemoteServerError: true}
			}

			mu.Lock()
			results[env.Player.Address] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	valid := 0
	for _, res := range results {
		if res.IsValid {
			valid++
		}
	}
	v.log.Info("Shard verification finished",
		slog.String("identity", string(caller.Identity)),
		slog.Int("players", len(results)),
		slog.Int("valid", valid))
	return results, nil
}

// RequestShards asks every player of the identity's package to release its
// parcel. Failures are returned per player and never stop the others.
func (v *RemoteShardVerifier) RequestShards(ctx context.Context, identity interfaces.IdentityAddress) (map[interfaces.IdentityAddress]error, error) {
	pkg, err := LoadPackage(ctx, v.store, identity)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	failures := make(map[interfaces.IdentityAddress]error)

	var g errgroup.Group
	g.SetLimit(v.cfg.Parallelism)
	for _, env := range pkg.Envelopes {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
			defer cancel()

			if err := v.client.RequestShard(callCtx, env.Player.Address, env.ShareID); err != nil {
				v.log.Warn("Shard request failed",
					slog.String("player", string(env.Player.Address)),
					"err", err)
				mu.Lock()
				failures[env.Player.Address] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	v.log.Info("Shard requests sent",
		slog.String("identity", string(identity)),
		slog.Int("players", len(pkg.Envelopes)),
		slog.Int("failed", len(failures)))
	return failures, nil
}
