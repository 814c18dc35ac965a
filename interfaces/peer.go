package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FileTypeShamirShard tags outbox payloads that carry an encrypted share parcel.
const FileTypeShamirShard = "shamir-shard"

// TransferPriority orders outbox deliveries.
type TransferPriority int

const (
	TransferPriorityNormal TransferPriority = iota
	TransferPriorityHigh
)

// OutboxItem is a file queued for reliable delivery to a remote identity.
type OutboxItem struct {
	ID               uuid.UUID        `json:"id"`
	Sender           IdentityAddress  `json:"sender"`
	Recipient        IdentityAddress  `json:"recipient"`
	FileType         string           `json:"file_type"`
	Payload          []byte           `json:"payload"`
	NonDistributable bool             `json:"non_distributable"`
	Priority         TransferPriority `json:"priority"`
	Notification     string           `json:"notification,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// DeliveryRecord is the latest delivery outcome for one recipient.
type DeliveryRecord struct {
	ItemID    uuid.UUID       `json:"item_id"`
	Recipient IdentityAddress `json:"recipient"`
	Status    TransferStatus  `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Updated   time.Time       `json:"updated"`
}

// Outbox is the reliable peer file-transfer collaborator.
type Outbox interface {
	// Enqueue records item inside the caller's transaction. A rejected recipient
	// is reported through the returned status, not an error.
	Enqueue(tx RecordTx, item OutboxItem) (TransferStatus, error)

	// Prune drops, inside the caller's transaction, every pending item and
	// delivery record whose recipient is not in keep.
	Prune(tx RecordTx, keep []IdentityAddress) error

	// ProcessNow schedules delivery of every pending item of the identity.
	ProcessNow(ctx context.Context, identity IdentityAddress) error

	// DeliveryStatus reports the per-recipient outcome of the identity's transfers.
	DeliveryStatus(ctx context.Context, identity IdentityAddress) ([]DeliveryRecord, error)
}

// PeerClient calls the peer protocol of remote identity hosts.
type PeerClient interface {
	// VerifyShard asks player to attest custody of shareID.
	VerifyShard(ctx context.Context, player IdentityAddress, shareID uuid.UUID) (ShardVerificationResult, error)

	// DeliverParcel transfers an outbox item to its recipient.
	DeliverParcel(ctx context.Context, item OutboxItem) error

	// RequestShard asks player to release the parcel of shareID back to the
	// calling dealer once its owner approves.
	RequestShard(ctx context.Context, player IdentityAddress, shareID uuid.UUID) error

	// ReleaseParcel sends a held parcel back to its dealer.
	ReleaseParcel(ctx context.Context, dealer IdentityAddress, parcel EncryptedShareParcel) error
}

// EndpointResolver maps an identity to the base URL of its peer endpoint.
type EndpointResolver interface {
	Resolve(ctx context.Context, identity IdentityAddress) (string, error)
}

// EmailMessage is a rendered email.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends rendered emails.
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
	Name() string
}

// JobState is the lifecycle state of a scheduled job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Job is a unit of background work retried with a fixed backoff.
type Job struct {
	Name        string
	Run         func(ctx context.Context) error
	MaxAttempts int
	Backoff     time.Duration

	// OnExhausted is called once after the last failed attempt.
	OnExhausted func(err error)
}

// JobStatus reports the progress of a job.
type JobStatus struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	State     JobState  `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Updated   time.Time `json:"updated"`
}

// JobScheduler runs background jobs with bounded attempts.
type JobScheduler interface {
	Enqueue(job Job) (uuid.UUID, error)
	Status(id uuid.UUID) (JobStatus, bool)
}
