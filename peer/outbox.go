package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/storage"
	"go.uber.org/atomic"
)

// OutboxConfig controls delivery retries.
type OutboxConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// OutboxStats counts delivery outcomes since start.
type OutboxStats struct {
	Scheduled int64 `json:"scheduled"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// ReliableOutbox stores outgoing parcels with the sender's records and delivers
// them through the job scheduler until the recipient accepts them.
//
// Items are written in the caller's transaction, so a parcel is durable exactly
// when the record that references it is. Payloads are sealed to the recipient's
// directory key before they are stored.
type ReliableOutbox struct {
	dir       *Directory
	store     interfaces.RecordStore
	client    interfaces.PeerClient
	scheduler interfaces.JobScheduler
	cfg       OutboxConfig
	log       *slog.Logger

	scheduled sync.Map // item id -> struct{}

	nScheduled atomic.Int64
	nDelivered atomic.Int64
	nFailed    atomic.Int64
	nRejected  atomic.Int64
}

// NewOutbox creates an outbox.
func NewOutbox(dir *Directory, store interfaces.RecordStore, client interfaces.PeerClient, scheduler interfaces.JobScheduler, cfg OutboxConfig, log *slog.Logger) *ReliableOutbox {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	return &ReliableOutbox{
		dir:       dir,
		store:     store,
		client:    client,
		scheduler: scheduler,
		cfg:       cfg,
		log:       log,
	}
}

func outboxKey(id uuid.UUID) string {
	return interfaces.PrefixOutbox + id.String()
}

func deliveryKey(recipient interfaces.IdentityAddress) string {
	return interfaces.PrefixDelivery + string(recipient)
}

// Enqueue stores item for delivery inside tx. Recipients that are the sender
// itself or are not connected are rejected. A pending item for the same
// recipient is superseded.
func (o *ReliableOutbox) Enqueue(tx interfaces.RecordTx, item interfaces.OutboxItem) (interfaces.TransferStatus, error) {
	if item.Recipient == item.Sender {
		o.nRejected.Inc()
		return interfaces.TransferStatusRecipientRejected, nil
	}
	pub, ok := o.dir.PublicKey(item.Recipient)
	if !ok {
		o.nRejected.Inc()
		return interfaces.TransferStatusRecipientRejected, nil
	}

	sealed, err := cryptoutils.SealForPeer(pub, item.Payload)
	if err != nil {
		return interfaces.TransferStatusEnqueueFailed, fmt.Errorf("failed to seal payload for %s: %w", item.Recipient, err)
	}
	item.Payload = sealed
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	previous, err := storage.GetRecordOrNil[interfaces.DeliveryRecord](tx, deliveryKey(item.Recipient))
	if err != nil {
		return interfaces.TransferStatusEnqueueFailed, err
	}
	if previous != nil && previous.Status == interfaces.TransferStatusEnqueued {
		if err := tx.Delete(outboxKey(previous.ItemID)); err != nil {
			return interfaces.TransferStatusEnqueueFailed, err
		}
	}

	if err := storage.PutRecord(tx, outboxKey(item.ID), item); err != nil {
		return interfaces.TransferStatusEnqueueFailed, err
	}
	record := interfaces.DeliveryRecord{
		ItemID:    item.ID,
		Recipient: item.Recipient,
		Status:    interfaces.TransferStatusEnqueued,
		Updated:   item.CreatedAt,
	}
	if err := storage.PutRecord(tx, deliveryKey(item.Recipient), record); err != nil {
		return interfaces.TransferStatusEnqueueFailed, err
	}
	return interfaces.TransferStatusEnqueued, nil
}

// Prune removes pending items and delivery records of recipients outside keep.
// A removed item that is already scheduled is skipped when its job runs.
func (o *ReliableOutbox) Prune(tx interfaces.RecordTx, keep []interfaces.IdentityAddress) error {
	kept := make(map[interfaces.IdentityAddress]struct{}, len(keep))
	for _, r := range keep {
		kept[r] = struct{}{}
	}

	itemKeys, err := tx.List(interfaces.PrefixOutbox)
	if err != nil {
		return err
	}
	for _, key := range itemKeys {
		item, err := storage.GetRecordOrNil[interfaces.OutboxItem](tx, key)
		if err != nil {
			return err
		}
		if item == nil {
			continue
		}
		if _, ok := kept[item.Recipient]; ok {
			continue
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
	}

	recordKeys, err := tx.List(interfaces.PrefixDelivery)
	if err != nil {
		return err
	}
	for _, key := range recordKeys {
		recipient := interfaces.IdentityAddress(strings.TrimPrefix(key, interfaces.PrefixDelivery))
		if _, ok := kept[recipient]; ok {
			continue
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// ProcessNow schedules a delivery job for every stored item of identity,
// high priority items first.
func (o *ReliableOutbox) ProcessNow(ctx context.Context, identity interfaces.IdentityAddress) error {
	var items []interfaces.OutboxItem
	err := o.store.View(ctx, identity, func(tx interfaces.RecordTx) error {
		var err error
		items, err = storage.ListRecords[interfaces.OutboxItem](tx, interfaces.PrefixOutbox)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list outbox: %w", err)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority > items[j].Priority
	})

	var errs []error
	for _, item := range items {
		if _, loaded := o.scheduled.LoadOrStore(item.ID, struct{}{}); loaded {
			continue
		}
		if err := o.schedule(identity, item); err != nil {
			o.scheduled.Delete(item.ID)
			errs = append(errs, err)
		}
	}

	o.log.Debug("Outbox processed",
		slog.String("identity", string(identity)),
		slog.Int("items", len(items)),
		slog.Int64("scheduled", o.nScheduled.Load()),
		slog.Int64("delivered", o.nDelivered.Load()))
	return errors.Join(errs...)
}

func (o *ReliableOutbox) schedule(identity interfaces.IdentityAddress, item interfaces.OutboxItem) error {
	recipient := string(item.Recipient)
	_, err := o.scheduler.Enqueue(interfaces.Job{
		Name:        "deliver:" + item.FileType + ":" + recipient,
		MaxAttempts: o.cfg.MaxAttempts,
		Backoff:     o.cfg.Backoff,
		Run: func(ctx context.Context) error {
			return o.deliver(ctx, identity, item.ID)
		},
		OnExhausted: func(err error) {
			o.scheduled.Delete(item.ID)
			o.nFailed.Inc()
			o.log.Error("Giving up on parcel delivery", slog.String("recipient", recipient), "err", err)
			o.markFailed(identity, item.ID, err)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to schedule delivery to %s: %w", recipient, err)
	}
	o.nScheduled.Inc()
	return nil
}

func (o *ReliableOutbox) deliver(ctx context.Context, identity interfaces.IdentityAddress, itemID uuid.UUID) error {
	var item *interfaces.OutboxItem
	err := o.store.View(ctx, identity, func(tx interfaces.RecordTx) error {
		var err error
		item, err = storage.GetRecordOrNil[interfaces.OutboxItem](tx, outboxKey(itemID))
		return err
	})
	if err != nil {
		return err
	}
	if item == nil {
		// Superseded by a newer configuration.
		o.scheduled.Delete(itemID)
		return nil
	}

	o.bumpAttempts(ctx, identity, item)
	deliverErr := o.client.DeliverParcel(ctx, *item)
	if deliverErr != nil && !IsPermanent(deliverErr) && !errors.Is(deliverErr, interfaces.ErrUnauthorizedPeer) {
		o.log.Warn("Parcel delivery failed", slog.String("recipient", string(item.Recipient)), "err", deliverErr)
		return deliverErr
	}

	status := interfaces.TransferStatusDelivered
	lastErr := ""
	if deliverErr != nil {
		status = interfaces.TransferStatusDeliveryFailed
		lastErr = deliverErr.Error()
		o.nFailed.Inc()
		o.log.Error("Recipient refused parcel", slog.String("recipient", string(item.Recipient)), "err", deliverErr)
	} else {
		o.nDelivered.Inc()
		o.log.Info("Parcel delivered", slog.String("recipient", string(item.Recipient)), slog.String("item", item.ID.String()))
	}

	o.scheduled.Delete(itemID)
	return o.store.Update(ctx, identity, func(tx interfaces.RecordTx) error {
		if err := tx.Delete(outboxKey(itemID)); err != nil {
			return err
		}
		return o.updateRecord(tx, item.Recipient, itemID, func(r *interfaces.DeliveryRecord) {
			r.Status = status
			r.LastError = lastErr
		})
	})
}

func (o *ReliableOutbox) bumpAttempts(ctx context.Context, identity interfaces.IdentityAddress, item *interfaces.OutboxItem) {
	err := o.store.Update(ctx, identity, func(tx interfaces.RecordTx) error {
		return o.updateRecord(tx, item.Recipient, item.ID, func(r *interfaces.DeliveryRecord) {
			r.Attempts++
		})
	})
	if err != nil {
		o.log.Warn("Failed to record delivery attempt", slog.String("recipient", string(item.Recipient)), "err", err)
	}
}

func (o *ReliableOutbox) markFailed(identity interfaces.IdentityAddress, itemID uuid.UUID, cause error) {
	err := o.store.Update(context.Background(), identity, func(tx interfaces.RecordTx) error {
		item, err := storage.GetRecordOrNil[interfaces.OutboxItem](tx, outboxKey(itemID))
		if err != nil || item == nil {
			return err
		}
		if err := tx.Delete(outboxKey(itemID)); err != nil {
			return err
		}
		return o.updateRecord(tx, item.Recipient, itemID, func(r *interfaces.DeliveryRecord) {
			r.Status = interfaces.TransferStatusDeliveryFailed
			r.LastError = cause.Error()
		})
	})
	if err != nil {
		o.log.Error("Failed to record delivery failure", "err", err)
	}
}

// updateRecord applies fn to the recipient's delivery record if it still tracks itemID.
func (o *ReliableOutbox) updateRecord(tx interfaces.RecordTx, recipient interfaces.IdentityAddress, itemID uuid.UUID, fn func(*interfaces.DeliveryRecord)) error {
	record, err := storage.GetRecordOrNil[interfaces.DeliveryRecord](tx, deliveryKey(recipient))
	if err != nil {
		return err
	}
	if record == nil || record.ItemID != itemID {
		return nil
	}
	fn(record)
	record.Updated = time.Now()
	return storage.PutRecord(tx, deliveryKey(recipient), record)
}

// DeliveryStatus lists the latest delivery record of every recipient.
func (o *ReliableOutbox) DeliveryStatus(ctx context.Context, identity interfaces.IdentityAddress) ([]interfaces.DeliveryRecord, error) {
	var records []interfaces.DeliveryRecord
	err := o.store.View(ctx, identity, func(tx interfaces.RecordTx) error {
		var err error
		records, err = storage.ListRecords[interfaces.DeliveryRecord](tx, interfaces.PrefixDelivery)
		return err
	})
	return records, err
}

// Stats returns delivery counters.
func (o *ReliableOutbox) Stats() OutboxStats {
	return OutboxStats{
		Scheduled: o.nScheduled.Load(),
		Delivered: o.nDelivered.Load(),
		Failed:    o.nFailed.Load(),
		Rejected:  o.nRejected.Load(),
	}
}
