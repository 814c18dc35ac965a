// Package interfaces defines the core types, errors and collaborator interfaces
// of the social-recovery backend, separating the contract between the recovery
// core, storage, the peer transport and email delivery from implementations.
//
// # Recovery Types
//
// The dealer side of social recovery is modeled by ShareEnvelope (kept by the
// dealer, carries the per-share key) and DealerShardPackage (one per identity).
// The player side holds EncryptedShareParcel values that never carry their key.
// RecoveryKeyEscrowRecord wraps the recovery key twice: under the owner's master
// key and under the distribution key that is split between players.
//
// # Storage Interfaces
//
// RecordStore: transactional keyed records partitioned by identity. The recovery
// core relies on Update being atomic across all keys of one identity.
//
// # Collaborator Interfaces
//
// Outbox, PeerClient and EndpointResolver model the inter-host transport.
// Mailer and JobScheduler model asynchronous email delivery.
//
// # Error Types
//
// Sentinel errors are declared in errors.go and are wrapped with fmt.Errorf
// by callers, so they are tested with errors.Is.
package interfaces
