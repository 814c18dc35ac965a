// Package storage provides transactional keyed-record stores with pluggable backends.
//
// Every backend implements interfaces.RecordStore: records are partitioned by
// identity, and an Update is atomic across all keys of one identity. The recovery
// core relies on this to swap the dealer package, parcels, outbox items and the
// escrow record in a single commit.
//
// # Storage URI Format
//
// Record stores are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory://
//   - badger:///var/lib/recovery/badger or badger://?inmemory=true
//   - file:///var/lib/recovery/records
//   - sqlite:///var/lib/recovery/records.db
//   - vault://vault.example.com:8200/secret/recovery?token=s.xxx
//
// # Atomicity
//
// Badger and SQLite use native transactions. Memory, file and Vault backends
// keep one document per identity and replace it wholesale on commit: the file
// backend renames a synced temporary file over the old document, and the Vault
// backend writes with check-and-set on the KV version.
//
// Concurrent Updates of the same identity either serialize or fail with
// interfaces.ErrConflict; they never both commit conflicting writes.
//
// # Record Encoding
//
// Records are msgpack encoded (EncodeRecord/DecodeRecord) using the json struct
// tags of the interfaces types. GetRecord, PutRecord and ListRecords wrap the
// codec around a RecordTx.
//
// # Usage Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	store, err := factory.StorageBackendForURI("badger:///var/lib/recovery")
//	if err != nil {
//	    log.Fatalf("Failed to open store: %v", err)
//	}
//	err = store.Update(ctx, identity, func(tx interfaces.RecordTx) error {
//	    return storage.PutRecord(tx, interfaces.KeyRecoveryStatus, status)
//	})
package storage
