package interfaces

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MinimumPlayerCount is the smallest roster a dealer may configure.
const MinimumPlayerCount = 3

// IdentityAddress is the domain name identifying an identity host, e.g. "frodo.me".
type IdentityAddress string

var identityAddressRegex = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

// NewIdentityAddress normalizes and validates an identity domain name.
func NewIdentityAddress(raw string) (IdentityAddress, error) {
	addr := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "."))
	if !identityAddressRegex.MatchString(addr) {
		return "", fmt.Errorf("%w: invalid identity address %q", ErrValidation, raw)
	}
	return IdentityAddress(addr), nil
}

// Validate checks that the address is a normalized domain name.
func (a IdentityAddress) Validate() error {
	normalized, err := NewIdentityAddress(string(a))
	if err != nil {
		return err
	}
	if normalized != a {
		return fmt.Errorf("%w: identity address %q is not normalized", ErrValidation, string(a))
	}
	return nil
}

func (a IdentityAddress) String() string {
	return string(a)
}

// PlayerType describes how a player releases its parcel back to the dealer.
type PlayerType int

const (
	// PlayerTypeAutomatic players are machines that release parcels on request.
	PlayerTypeAutomatic PlayerType = iota + 1
	// PlayerTypeDelegate players are humans who must approve a release.
	PlayerTypeDelegate
	// PlayerTypeManual players hand the share over out of band.
	PlayerTypeManual
)

func (t PlayerType) String() string {
	switch t {
	case PlayerTypeAutomatic:
		return "automatic"
	case PlayerTypeDelegate:
		return "delegate"
	case PlayerTypeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParsePlayerType parses the wire name of a player type. Unknown names are errors.
func ParsePlayerType(s string) (PlayerType, error) {
	switch strings.ToLower(s) {
	case "automatic":
		return PlayerTypeAutomatic, nil
	case "delegate":
		return PlayerTypeDelegate, nil
	case "manual":
		return PlayerTypeManual, nil
	default:
		return 0, fmt.Errorf("%w: unknown player type %q", ErrValidation, s)
	}
}

// Player is a peer identity entrusted with one encrypted share.
type Player struct {
	Address IdentityAddress `json:"address"`
	Type    PlayerType      `json:"type"`
}

// AssertSupported rejects player types the recovery flow cannot serve yet.
func (p Player) AssertSupported() error {
	if p.Type != PlayerTypeDelegate {
		return fmt.Errorf("%w: player %s has type %s", ErrUnsupportedPlayerType, p.Address, p.Type)
	}
	return nil
}

// CallerContext is the capability threaded into every call of the recovery core.
// MasterKey is only present when the caller is the owner holding the master key.
type CallerContext struct {
	// Identity is the host identity the call operates on.
	Identity IdentityAddress

	// Caller is the authenticated identity making the call. For owner calls it
	// equals Identity; for peer calls it is the remote host.
	Caller IdentityAddress

	// MasterKey is the owner's master key, nil when not presented.
	MasterKey []byte
}

// IsOwner reports whether the caller is the identity owner.
func (c CallerContext) IsOwner() bool {
	return c.Caller != "" && c.Caller == c.Identity
}

// AssertHasMasterKey fails unless the caller is the owner and presented a master key.
func (c CallerContext) AssertHasMasterKey() error {
	if !c.IsOwner() || len(c.MasterKey) == 0 {
		return ErrMasterKeyRequired
	}
	return nil
}

// ShareEnvelope is the dealer-held half of a distributed share: everything needed
// to decrypt the parcel a player eventually releases. Its key never leaves the dealer.
type ShareEnvelope struct {
	ShareID       uuid.UUID `json:"share_id"`
	Player        Player    `json:"player"`
	ShareIndex    int       `json:"share_index"` // roster position; the x-coordinate travels in the share
	EncryptionKey []byte    `json:"encryption_key"`
	EncryptionIV  []byte    `json:"encryption_iv"`
}

// DealerShardPackage is the single per-identity record of dealer envelopes.
type DealerShardPackage struct {
	MinMatchingShares int             `json:"min_matching_shares"`
	Envelopes         []ShareEnvelope `json:"envelopes"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Envelope finds the envelope for a share id.
func (p *DealerShardPackage) Envelope(shareID uuid.UUID) (ShareEnvelope, bool) {
	for _, e := range p.Envelopes {
		if e.ShareID == shareID {
			return e, true
		}
	}
	return ShareEnvelope{}, false
}

// Players returns the roster in envelope order.
func (p *DealerShardPackage) Players() []Player {
	players := make([]Player, 0, len(p.Envelopes))
	for _, e := range p.Envelopes {
		players = append(players, e.Player)
	}
	return players
}

// Redacted projects the package without any key material.
func (p *DealerShardPackage) Redacted() *DealerShardConfig {
	cfg := &DealerShardConfig{
		MinMatchingShares: p.MinMatchingShares,
		Envelopes:         make([]RedactedShareEnvelope, 0, len(p.Envelopes)),
		Updated:           p.CreatedAt,
	}
	for _, e := range p.Envelopes {
		cfg.Envelopes = append(cfg.Envelopes, RedactedShareEnvelope{ShareID: e.ShareID, Player: e.Player})
	}
	return cfg
}

// RedactedShareEnvelope is a ShareEnvelope without key material.
type RedactedShareEnvelope struct {
	ShareID uuid.UUID `json:"share_id"`
	Player  Player    `json:"player"`
}

// DealerShardConfig is the read-only owner view of the dealer package.
type DealerShardConfig struct {
	MinMatchingShares int                     `json:"min_matching_shares"`
	Envelopes         []RedactedShareEnvelope `json:"envelopes"`
	Updated           time.Time               `json:"updated"`
}

// EncryptedShareParcel is the opaque player-held share. It never carries its key.
type EncryptedShareParcel struct {
	ShareID    uuid.UUID       `json:"share_id"`
	Player     Player          `json:"player"`
	Dealer     IdentityAddress `json:"dealer"`
	CreatedAt  time.Time       `json:"created_at"`
	Ciphertext []byte          `json:"ciphertext"`
}

// KeyEnvelope is a symmetric wrap of a key: IV and authenticated ciphertext.
type KeyEnvelope struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// RecoveryKeyEscrowRecord holds the recovery key wrapped twice: once for the
// owner-present path, once for the peer-gated path.
type RecoveryKeyEscrowRecord struct {
	CreatedAt                     time.Time   `json:"created_at"`
	MasterKeyEncryptedRecoveryKey KeyEnvelope `json:"master_key_encrypted_recovery_key"`
	DistributionKeyEncryptedKey   KeyEnvelope `json:"distribution_key_encrypted_recovery_key"`
	Players                       []Player    `json:"players"`
}

// RecoveryState is the state of the account recovery flow.
type RecoveryState int

const (
	RecoveryStateNone RecoveryState = iota
	RecoveryStateAwaitingEnterEmailVerification
	RecoveryStateAwaitingSufficientDelegateConfirmation
	RecoveryStateAwaitingExitEmailVerification
	RecoveryStateAwaitingOwnerFinalization
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryStateNone:
		return "none"
	case RecoveryStateAwaitingEnterEmailVerification:
		return "awaiting_enter_email_verification"
	case RecoveryStateAwaitingSufficientDelegateConfirmation:
		return "awaiting_sufficient_delegate_confirmation"
	case RecoveryStateAwaitingExitEmailVerification:
		return "awaiting_exit_email_verification"
	case RecoveryStateAwaitingOwnerFinalization:
		return "awaiting_owner_finalization"
	default:
		return "unknown"
	}
}

// InRecovery reports whether peers may release parcels to the dealer.
func (s RecoveryState) InRecovery() bool {
	switch s {
	case RecoveryStateAwaitingSufficientDelegateConfirmation,
		RecoveryStateAwaitingExitEmailVerification,
		RecoveryStateAwaitingOwnerFinalization:
		return true
	default:
		return false
	}
}

// RecoveryStatus is the single mutable recovery record per identity.
type RecoveryStatus struct {
	State           RecoveryState          `json:"state"`
	Updated         time.Time              `json:"updated"`
	CollectedShares []EncryptedShareParcel `json:"collected_shares"`
}

// RecoveryStatusRedacted is the public view of the recovery status.
type RecoveryStatusRedacted struct {
	State             string    `json:"state"`
	Updated           time.Time `json:"updated"`
	Email             string    `json:"email"`
	CollectedShares   int       `json:"collected_shares"`
	MinMatchingShares int       `json:"min_matching_shares"`
}

// NoncePurpose binds a verification nonce to the transition it authorizes.
type NoncePurpose string

const (
	NoncePurposeEnterRecovery NoncePurpose = "enter"
	NoncePurposeExitRecovery  NoncePurpose = "exit"
	NoncePurposeFinalize      NoncePurpose = "finalize"
)

// VerificationNonce is a single-use, time-boxed token sent by email.
type VerificationNonce struct {
	ID        uuid.UUID    `json:"id"`
	Purpose   NoncePurpose `json:"purpose"`
	ExpiresAt time.Time    `json:"expires_at"`
	CreatedAt time.Time    `json:"created_at"`
	Data      []byte       `json:"data,omitempty"`
}

// ShardVerificationResult is what a player attests about a parcel it holds.
type ShardVerificationResult struct {
	IsValid           bool      `json:"is_valid"`
	Created           time.Time `json:"created"`
	RemoteServerError bool      `json:"remote_server_error"`
}

// ShardRequestStatus is the player owner's decision on a dealer's request.
type ShardRequestStatus string

const (
	ShardRequestPending  ShardRequestStatus = "pending"
	ShardRequestApproved ShardRequestStatus = "approved"
	ShardRequestRejected ShardRequestStatus = "rejected"
)

// ShardRequest is a recovering dealer's request for a parcel this host holds.
// It waits for the local owner to approve or reject it.
type ShardRequest struct {
	Dealer      IdentityAddress    `json:"dealer"`
	ShareID     uuid.UUID          `json:"share_id"`
	Status      ShardRequestStatus `json:"status"`
	RequestedAt time.Time          `json:"requested_at"`
	Updated     time.Time          `json:"updated"`
}

// TransferStatus is the outcome of submitting a parcel to the outbox.
type TransferStatus int

const (
	TransferStatusEnqueued TransferStatus = iota + 1
	TransferStatusRecipientRejected
	TransferStatusEnqueueFailed
	TransferStatusDelivered
	TransferStatusDeliveryFailed
)

func (s TransferStatus) String() string {
	switch s {
	case TransferStatusEnqueued:
		return "enqueued"
	case TransferStatusRecipientRejected:
		return "recipient_rejected"
	case TransferStatusEnqueueFailed:
		return "enqueue_failed"
	case TransferStatusDelivered:
		return "delivered"
	case TransferStatusDeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}
