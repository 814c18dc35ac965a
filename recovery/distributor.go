package recovery

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/storage"
)

// ConfiguredNotification is the only text that accompanies a parcel.
const ConfiguredNotification = "You were added as a recovery delegate"

// DeliveryOutcome is the outbox answer for one player.
type DeliveryOutcome struct {
	Player  interfaces.Player         `json:"player"`
	ShareID string                    `json:"share_id"`
	Status  interfaces.TransferStatus `json:"status"`
}

// ShardDistributor hands player parcels to the outbox.
type ShardDistributor struct {
	outbox interfaces.Outbox
	log    *slog.Logger
}

// NewShardDistributor creates a distributor over outbox.
func NewShardDistributor(outbox interfaces.Outbox, log *slog.Logger) *ShardDistributor {
	return &ShardDistributor{outbox: outbox, log: log}
}

// Distribute records each parcel and submits it to its player inside tx.
//
// If any player is rejected the returned error wraps ErrDistributionRejected and
// the caller must abort the transaction, so no package ever references a player
// that could not receive its share.
func (d *ShardDistributor) Distribute(tx interfaces.RecordTx, dealer interfaces.IdentityAddress, parcels []interfaces.EncryptedShareParcel) ([]DeliveryOutcome, error) {
	outcomes := make([]DeliveryOutcome, 0, len(parcels))
	var rejected []string

	for _, parcel := range parcels {
		if err := storage.PutRecord(tx, interfaces.PrefixDealerParcel+parcel.ShareID.String(), parcel); err != nil {
			return nil, fmt.Errorf("failed to record parcel for %s: %w", parcel.Player.Address, err)
		}

		payload, err := storage.EncodeRecord(parcel)
		if err != nil {
			return nil, err
		}

		status, err := d.outbox.Enqueue(tx, interfaces.OutboxItem{
			Sender:           dealer,
			Recipient:        parcel.Player.Address,
			FileType:         interfaces.FileTypeShamirShard,
			Payload:          payload,
			NonDistributable: true,
			Priority:         interfaces.TransferPriorityHigh,
			Notification:     ConfiguredNotification,
			CreatedAt:        parcel.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to submit parcel for %s: %w", parcel.Player.Address, err)
		}

		d.log.Debug("Parcel submitted",
			slog.String("player", string(parcel.Player.Address)),
			slog.String("status", status.String()))

		outcomes = append(outcomes, DeliveryOutcome{
			Player:  parcel.Player,
			ShareID: parcel.ShareID.String(),
			Status:  status,
		})
		if status != interfaces.TransferStatusEnqueued {
			rejected = append(rejected, string(parcel.Player.Address))
		}
	}

	if len(rejected) > 0 {
		return outcomes, fmt.Errorf("%w: %s", interfaces.ErrDistributionRejected, strings.Join(rejected, ", "))
	}
	return outcomes, nil
}
