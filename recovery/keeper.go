package recovery

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/storage"
)

// ShardKeeper is the player side of social recovery. It stores parcels received
// from dealers and answers custody checks. Dealer requests for a parcel wait in
// a queue until the owner approves or rejects them.
type ShardKeeper struct {
	self   interfaces.IdentityAddress
	key    *ecdsa.PrivateKey
	store  interfaces.RecordStore
	client interfaces.PeerClient
	log    *slog.Logger
}

// NewShardKeeper creates a keeper for the local identity. key opens parcels
// sealed to this host.
func NewShardKeeper(self interfaces.IdentityAddress, key *ecdsa.PrivateKey, store interfaces.RecordStore, client interfaces.PeerClient, log *slog.Logger) *ShardKeeper {
	return &ShardKeeper{self: self, key: key, store: store, client: client, log: log}
}

func playerParcelKey(dealer interfaces.IdentityAddress, shareID uuid.UUID) string {
	return interfaces.PrefixPlayerParcel + string(dealer) + "/" + shareID.String()
}

// ReceiveParcel stores a parcel delivered by an authenticated dealer.
func (k *ShardKeeper) ReceiveParcel(ctx context.Context, from interfaces.IdentityAddress, item interfaces.OutboxItem) error {
	if item.Sender != from {
		return fmt.Errorf("%w: item sent by %s on behalf of %s", interfaces.ErrUnauthorizedPeer, from, item.Sender)
	}
	if item.Recipient != k.self {
		return fmt.Errorf("%w: item addressed to %s", interfaces.ErrValidation, item.Recipient)
	}
	if item.FileType != interfaces.FileTypeShamirShard {
		return fmt.Errorf("%w: unexpected file type %q", interfaces.ErrValidation, item.FileType)
	}

	payload, err := cryptoutils.OpenFromPeer(k.key, item.Payload)
	if err != nil {
		return err
	}
	var parcel interfaces.EncryptedShareParcel
	if err := storage.DecodeRecord(payload, &parcel); err != nil {
		return fmt.Errorf("%w: malformed parcel: %v", interfaces.ErrValidation, err)
	}
	if parcel.Dealer != from {
		return fmt.Errorf("%w: parcel dealer %s does not match sender", interfaces.ErrUnauthorizedPeer, parcel.Dealer)
	}
	if parcel.Player.Address != k.self {
		return fmt.Errorf("%w: parcel is for player %s", interfaces.ErrValidation, parcel.Player.Address)
	}

	err = k.store.Update(ctx, k.self, func(tx interfaces.RecordTx) error {
		return storage.PutRecord(tx, playerParcelKey(parcel.Dealer, parcel.ShareID), parcel)
	})
	if err != nil {
		return err
	}

	k.log.Info("Stored recovery parcel",
		slog.String("dealer", string(parcel.Dealer)),
		slog.String("share", parcel.ShareID.String()),
		slog.String("notification", item.Notification))
	return nil
}

// VerifyDealerShard answers a dealer's custody check without revealing the parcel.
func (k *ShardKeeper) VerifyDealerShard(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID) (interfaces.ShardVerificationResult, error) {
	parcel, err := k.parcel(ctx, dealer, shareID)
	if err != nil {
		return interfaces.ShardVerificationResult{}, err
	}
	if parcel == nil || parcel.Dealer != dealer || len(parcel.Ciphertext) == 0 {
		return interfaces.ShardVerificationResult{IsValid: false}, nil
	}
	return interfaces.ShardVerificationResult{IsValid: true, Created: parcel.CreatedAt}, nil
}

// ReleaseParcel sends a held parcel back to its dealer. Only the local owner may
// trigger a release.
func (k *ShardKeeper) ReleaseParcel(ctx context.Context, caller interfaces.CallerContext, dealer interfaces.IdentityAddress, shareID uuid.UUID) error {
	if !caller.IsOwner() || caller.Identity != k.self {
		return interfaces.ErrNotOwner
	}
	parcel, err := k.parcel(ctx, dealer, shareID)
	if err != nil {
		return err
	}
	if parcel == nil {
		return fmt.Errorf("%w: no parcel %s from %s", interfaces.ErrUnknownShare, shareID, dealer)
	}

	if err := k.client.ReleaseParcel(ctx, dealer, *parcel); err != nil {
		k.log.Error("Failed to release parcel", slog.String("dealer", string(dealer)), "err", err)
		return err
	}
	k.log.Info("Released parcel to dealer", slog.String("dealer", string(dealer)), slog.String("share", shareID.String()))

	if _, err := k.decide(ctx, dealer, shareID, interfaces.ShardRequestApproved, false); err != nil {
		k.log.Warn("Released parcel but could not record approval", slog.String("dealer", string(dealer)), "err", err)
	}
	return nil
}

func shardRequestKey(dealer interfaces.IdentityAddress, shareID uuid.UUID) string {
	return interfaces.PrefixShardRequest + string(dealer) + "/" + shareID.String()
}

// RecordRequest queues a recovering dealer's request for its parcel until the
// local owner decides on it. A repeated request reopens a decided one.
func (k *ShardKeeper) RecordRequest(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID) error {
	now := time.Now()
	err := k.store.Update(ctx, k.self, func(tx interfaces.RecordTx) error {
		parcel, err := storage.GetRecordOrNil[interfaces.EncryptedShareParcel](tx, playerParcelKey(dealer, shareID))
		if err != nil {
			return err
		}
		if parcel == nil {
			return fmt.Errorf("%w: no parcel %s from %s", interfaces.ErrUnknownShare, shareID, dealer)
		}

		req, err := storage.GetRecordOrNil[interfaces.ShardRequest](tx, shardRequestKey(dealer, shareID))
		if err != nil {
			return err
		}
		if req != nil && req.Status == interfaces.ShardRequestPending {
			return nil
		}
		return storage.PutRecord(tx, shardRequestKey(dealer, shareID), interfaces.ShardRequest{
			Dealer:      dealer,
			ShareID:     shareID,
			Status:      interfaces.ShardRequestPending,
			RequestedAt: now,
			Updated:     now,
		})
	})
	if err != nil {
		return err
	}
	k.log.Info("Dealer requested its parcel, awaiting owner approval",
		slog.String("dealer", string(dealer)),
		slog.String("share", shareID.String()))
	return nil
}

// PendingRequests lists dealer requests the owner has not decided on yet.
func (k *ShardKeeper) PendingRequests(ctx context.Context, caller interfaces.CallerContext) ([]interfaces.ShardRequest, error) {
	if !caller.IsOwner() || caller.Identity != k.self {
		return nil, interfaces.ErrNotOwner
	}
	var all []interfaces.ShardRequest
	err := k.store.View(ctx, k.self, func(tx interfaces.RecordTx) error {
		var err error
		all, err = storage.ListRecords[interfaces.ShardRequest](tx, interfaces.PrefixShardRequest)
		return err
	})
	if err != nil {
		return nil, err
	}
	pending := make([]interfaces.ShardRequest, 0, len(all))
	for _, req := range all {
		if req.Status == interfaces.ShardRequestPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

// ApproveRequest releases the requested parcel to its dealer.
func (k *ShardKeeper) ApproveRequest(ctx context.Context, caller interfaces.CallerContext, dealer interfaces.IdentityAddress, shareID uuid.UUID) error {
	if !caller.IsOwner() || caller.Identity != k.self {
		return interfaces.ErrNotOwner
	}
	req, err := k.request(ctx, dealer, shareID)
	if err != nil {
		return err
	}
	if req == nil || req.Status != interfaces.ShardRequestPending {
		return fmt.Errorf("%w: no pending request for %s from %s", interfaces.ErrInvalidState, shareID, dealer)
	}
	return k.ReleaseParcel(ctx, caller, dealer, shareID)
}

// RejectRequest declines a pending request. The parcel stays with this host.
func (k *ShardKeeper) RejectRequest(ctx context.Context, caller interfaces.CallerContext, dealer interfaces.IdentityAddress, shareID uuid.UUID) error {
	if !caller.IsOwner() || caller.Identity != k.self {
		return interfaces.ErrNotOwner
	}
	found, err := k.decide(ctx, dealer, shareID, interfaces.ShardRequestRejected, true)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no pending request for %s from %s", interfaces.ErrInvalidState, shareID, dealer)
	}
	k.log.Info("Rejected parcel request", slog.String("dealer", string(dealer)), slog.String("share", shareID.String()))
	return nil
}

// decide sets the status of a recorded request. With pendingOnly, decided
// requests are left alone and reported as not found.
func (k *ShardKeeper) decide(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID, status interfaces.ShardRequestStatus, pendingOnly bool) (bool, error) {
	found := false
	err := k.store.Update(ctx, k.self, func(tx interfaces.RecordTx) error {
		found = false
		req, err := storage.GetRecordOrNil[interfaces.ShardRequest](tx, shardRequestKey(dealer, shareID))
		if err != nil || req == nil {
			return err
		}
		if pendingOnly && req.Status != interfaces.ShardRequestPending {
			return nil
		}
		found = true
		req.Status = status
		req.Updated = time.Now()
		return storage.PutRecord(tx, shardRequestKey(dealer, shareID), req)
	})
	return found, err
}

func (k *ShardKeeper) request(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID) (*interfaces.ShardRequest, error) {
	var req *interfaces.ShardRequest
	err := k.store.View(ctx, k.self, func(tx interfaces.RecordTx) error {
		var err error
		req, err = storage.GetRecordOrNil[interfaces.ShardRequest](tx, shardRequestKey(dealer, shareID))
		return err
	})
	return req, err
}

// HeldParcels lists the parcels this host holds for other dealers.
func (k *ShardKeeper) HeldParcels(ctx context.Context, caller interfaces.CallerContext) ([]interfaces.EncryptedShareParcel, error) {
	if !caller.IsOwner() || caller.Identity != k.self {
		return nil, interfaces.ErrNotOwner
	}
	var parcels []interfaces.EncryptedShareParcel
	err := k.store.View(ctx, k.self, func(tx interfaces.RecordTx) error {
		var err error
		parcels, err = storage.ListRecords[interfaces.EncryptedShareParcel](tx, interfaces.PrefixPlayerParcel)
		return err
	})
	return parcels, err
}

func (k *ShardKeeper) parcel(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID) (*interfaces.EncryptedShareParcel, error) {
	var parcel *interfaces.EncryptedShareParcel
	err := k.store.View(ctx, k.self, func(tx interfaces.RecordTx) error {
		var err error
		parcel, err = storage.GetRecordOrNil[interfaces.EncryptedShareParcel](tx, playerParcelKey(dealer, shareID))
		return err
	})
	return parcel, err
}
