package interfaces

import "errors"

var (
	// ErrValidation is returned for malformed requests: bad roster, out-of-range
	// threshold, invalid addresses.
	ErrValidation = errors.New("validation failed")

	// ErrUnsupportedPlayerType is returned for player types other than Delegate.
	ErrUnsupportedPlayerType = errors.New("unsupported player type")

	// ErrMasterKeyRequired is returned when an operation needs the owner's master key.
	ErrMasterKeyRequired = errors.New("master key required")

	// ErrNotOwner is returned when an owner-only operation is called by someone else.
	ErrNotOwner = errors.New("caller is not the identity owner")

	// ErrMasterKeyMismatch is returned when the presented master key does not open the escrow.
	ErrMasterKeyMismatch = errors.New("master key does not match escrow")

	// ErrNotConfigured is returned when no dealer package exists for the identity.
	ErrNotConfigured = errors.New("social recovery not configured")

	ErrNonceNotFound        = errors.New("verification nonce not found")
	ErrNonceExpired         = errors.New("verification nonce expired")
	ErrNoncePurposeMismatch = errors.New("verification nonce purpose mismatch")

	// ErrInsufficientShares is returned when fewer than the threshold of shares are available.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrReconstructionFailed is returned when combined shares do not open the escrow.
	ErrReconstructionFailed = errors.New("recovery key reconstruction failed")

	// ErrInvalidState is returned for transitions not allowed from the current recovery state.
	ErrInvalidState = errors.New("invalid recovery state")

	// ErrEmailDisabled is returned when a verification email is required but delivery is disabled.
	ErrEmailDisabled = errors.New("email delivery disabled")

	// ErrDistributionRejected is returned when any player's parcel was refused by the outbox.
	ErrDistributionRejected = errors.New("share distribution rejected")

	// ErrDecryption is returned for any failure to open an authenticated ciphertext.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnknownShare is returned when a share id is not part of the current package.
	ErrUnknownShare = errors.New("unknown share")

	// ErrUnauthorizedPeer is returned when a peer request is unsigned or from an unknown identity.
	ErrUnauthorizedPeer = errors.New("unauthorized peer")

	// ErrRecordNotFound is returned when a record key does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrConflict is returned when a concurrent transaction modified the same records.
	ErrConflict = errors.New("transaction conflict")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
