package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// StorageBackendFactory creates record stores from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance that can create record stores.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
	}
}

// StorageBackendFor creates a record store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - Process memory, for tests and development
//   - badger:///path or badger://?inmemory=true - Embedded badger database
//   - file:///path - One document file per identity
//   - sqlite:///path/records.db - SQLite database
//   - vault://host:port/mount/path?token=...&tls=false - Vault KV v2
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.RecordStore, error) {
	switch strings.ToLower(loc.Scheme) {
	case "memory":
		sf.log.Debug("Creating memory backend")
		return NewMemoryBackend(sf.log), nil
	case "badger":
		return sf.createBadgerBackend(loc)
	case "file":
		return sf.createFileBackend(loc)
	case "sqlite":
		return sf.createSQLiteBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// StorageBackendForURI parses uri and creates the record store.
func (sf *StorageBackendFactory) StorageBackendForURI(uri string) (interfaces.RecordStore, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}
	return sf.StorageBackendFor(loc)
}

// localPath joins host and path so both file:///abs and file://./rel work.
func localPath(loc interfaces.StorageBackendLocation) string {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	return path
}

func (sf *StorageBackendFactory) createBadgerBackend(loc interfaces.StorageBackendLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating badger backend", slog.String("uri", loc.String()))

	inMemory := loc.GetParamBool("inmemory")
	path := localPath(loc)
	if path == "" && !inMemory {
		return nil, fmt.Errorf("%w: empty path in badger URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return NewBadgerBackend(path, inMemory, sf.log)
}

func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := localPath(loc)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createSQLiteBackend(loc interfaces.StorageBackendLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating sqlite backend", slog.String("uri", loc.String()))

	path := localPath(loc)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in sqlite URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return NewSQLiteBackend(path, sf.log)
}

// createVaultBackend creates a Vault KV v2 record store.
// URI format: vault://host:port/mount/path?token=...&tls=false
// The first path segment is the mount, the rest is the data path.
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating vault backend", slog.String("host", loc.Host))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}

	segments := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	mount := segments[0]
	if mount == "" {
		mount = "secret"
	}
	dataPath := ""
	if len(segments) == 2 {
		dataPath = segments[1]
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, loc.Host), mount, dataPath, loc.GetParam("token"), sf.log)
}
