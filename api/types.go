package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// Request headers.
const (
	// PeerIdentityHeader carries the identity address of a calling peer host.
	PeerIdentityHeader = "X-Peer-Identity"

	// PeerSignatureHeader carries the base64 ECDSA signature over timestamp, path and body.
	PeerSignatureHeader = "X-Peer-Signature"

	// PeerTimestampHeader carries the signing time in Unix seconds.
	PeerTimestampHeader = "X-Peer-Timestamp"

	// OwnerTokenHeader authenticates the account owner on owner routes.
	OwnerTokenHeader = "X-Owner-Token"

	// MasterKeyHeader carries the base64 master key on owner routes that need it.
	MasterKeyHeader = "X-Master-Key"
)

// Peer protocol paths.
const (
	PathVerifyShard  = "/password-recovery/verify-shard"
	PathParcel       = "/password-recovery/parcel"
	PathRelease      = "/password-recovery/release"
	PathRequestShard = "/password-recovery/request-shard"
)

// VerifyShardRequest asks a player to attest custody of a share.
type VerifyShardRequest struct {
	ShareID uuid.UUID `json:"shareId"`
}

// VerifyShardResponse is the player's answer. It never carries share material.
type VerifyShardResponse struct {
	IsValid bool      `json:"isValid"`
	Created time.Time `json:"created"`
}

// RequestShardRequest asks a player to release a share to the recovering dealer.
type RequestShardRequest struct {
	ShareID uuid.UUID `json:"shareId"`
}

// ReleaseParcelRequest returns a held parcel to its dealer.
type ReleaseParcelRequest struct {
	Parcel interfaces.EncryptedShareParcel `json:"parcel"`
}

// ReleaseParcelResponse reports the dealer's recovery state after accepting a parcel.
type ReleaseParcelResponse struct {
	State           string `json:"state"`
	CollectedShares int    `json:"collected_shares"`
}

// PlayerRequest names a player in a configure request.
type PlayerRequest struct {
	Address string `json:"address"`
	Type    string `json:"type"`
}

// ConfigureRequest (re)configures the dealer's recovery roster.
type ConfigureRequest struct {
	Players           []PlayerRequest `json:"players"`
	MinMatchingShares int             `json:"min_matching_shares"`
}

// ConfigureResponse returns the redacted configuration and the outbox outcome
// of each player's parcel.
type ConfigureResponse struct {
	Config   *interfaces.DealerShardConfig `json:"config"`
	Outcomes []DeliveryOutcome             `json:"outcomes"`
}

// DeliveryOutcome is the outbox answer for one player of a configuration.
type DeliveryOutcome struct {
	Player  interfaces.IdentityAddress `json:"player"`
	ShareID string                     `json:"share_id"`
	Status  string                     `json:"status"`
}

// PlayersResponse lists the configured players.
type PlayersResponse struct {
	Players []interfaces.Player `json:"players"`
}

// VerifyResponse maps each player to its custody check result.
type VerifyResponse struct {
	Results map[interfaces.IdentityAddress]interfaces.ShardVerificationResult `json:"results"`
}

// DeliveryResponse reports parcel delivery per player.
type DeliveryResponse struct {
	Deliveries []interfaces.DeliveryRecord `json:"deliveries"`
}

// RecoveryKeyResponse carries the recovery phrase.
type RecoveryKeyResponse struct {
	Mnemonic string `json:"mnemonic"`
}

// RecoveryStateResponse reports the state after a recovery transition.
type RecoveryStateResponse struct {
	State string `json:"state"`
}

// RotateRequest reports when the owner's credentials last changed.
type RotateRequest struct {
	CredentialsUpdatedAt time.Time `json:"credentials_updated_at"`
}

// RotateResponse reports whether the package was re-dealt.
type RotateResponse struct {
	Rotated bool `json:"rotated"`
}

// HeldParcelsResponse lists parcels this host holds for other dealers.
type HeldParcelsResponse struct {
	Parcels []HeldParcel `json:"parcels"`
}

// HeldParcel describes a parcel without its ciphertext.
type HeldParcel struct {
	Dealer    interfaces.IdentityAddress `json:"dealer"`
	ShareID   uuid.UUID                  `json:"share_id"`
	CreatedAt time.Time                  `json:"created_at"`
}

// ShardRequestsResponse lists dealer requests awaiting the owner's decision.
type ShardRequestsResponse struct {
	Requests []interfaces.ShardRequest `json:"requests"`
}
