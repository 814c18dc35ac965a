package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// Well-known record keys. Each identity owns its own keyspace.
const (
	KeyDealerPackage   = "dealer/package"
	KeyDealerEscrow    = "dealer/escrow"
	KeyRecoveryStatus  = "recovery/status"
	PrefixDealerParcel = "dealer/parcel/"
	PrefixOutbox       = "outbox/"
	PrefixDelivery     = "delivery/"
	PrefixNonce        = "nonce/"
	PrefixPlayerParcel = "player/parcel/"
	PrefixShardRequest = "player/request/"
)

// StorageBackendLocation represents URI for a record store.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "memory", "badger", "file", "sqlite", "vault":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// RecordTx is the view of one identity's records inside a transaction.
// Writes become visible to other callers only when the enclosing Update returns nil.
type RecordTx interface {
	// Get returns the raw record or ErrRecordNotFound.
	Get(key string) ([]byte, error)

	// Put replaces the record under key.
	Put(key string, value []byte) error

	// Delete removes the record under key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns all keys with the given prefix, sorted.
	List(prefix string) ([]string, error)
}

// RecordStore is a transactional keyed-record store partitioned by identity.
//
// Every Update is atomic across all keys of one identity: either every write of
// the callback commits, or none does. Conflicting concurrent Updates either
// serialize or one of them fails with ErrConflict.
type RecordStore interface {
	// Get reads a single record outside any transaction.
	Get(ctx context.Context, identity IdentityAddress, key string) ([]byte, error)

	// View runs fn against a read-only snapshot of the identity's records.
	View(ctx context.Context, identity IdentityAddress, fn func(tx RecordTx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error nothing is written.
	Update(ctx context.Context, identity IdentityAddress, fn func(tx RecordTx) error) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns a unique identifier for this store.
	Name() string

	// LocationURI returns the URI of the store.
	LocationURI() string

	// Close releases backend resources.
	Close() error
}
