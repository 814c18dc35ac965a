package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// BadgerBackend stores records in an embedded badger database.
// Keys are namespaced as "<identity>\x00<key>". Badger transactions are
// optimistic: when two Updates touch the same keys concurrently, the later
// commit fails with ErrConflict.
type BadgerBackend struct {
	db          *badger.DB
	dir         string
	log         *slog.Logger
	locationURI string
}

// NewBadgerBackend opens (or creates) a badger database at dir.
// An empty dir with inMemory set opens a transient database.
func NewBadgerBackend(dir string, inMemory bool, log *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(true)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger: %v", interfaces.ErrBackendUnavailable, err)
	}

	uri := fmt.Sprintf("badger://%s", dir)
	if inMemory {
		uri = "badger://?inmemory=true"
	}

	return &BadgerBackend{
		db:          db,
		dir:         dir,
		log:         log,
		locationURI: uri,
	}, nil
}

type badgerTx struct {
	txn    *badger.Txn
	prefix []byte
}

func (tx *badgerTx) key(k string) []byte {
	out := make([]byte, 0, len(tx.prefix)+len(k))
	out = append(out, tx.prefix...)
	return append(out, k...)
}

func (tx *badgerTx) Get(key string) ([]byte, error) {
	item, err := tx.txn.Get(tx.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return item.ValueCopy(nil)
}

func (tx *badgerTx) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return tx.txn.Set(tx.key(key), value)
}

func (tx *badgerTx) Delete(key string) error {
	return tx.txn.Delete(tx.key(key))
}

func (tx *badgerTx) List(prefix string) ([]string, error) {
	full := tx.key(prefix)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = full

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Seek(full); it.ValidForPrefix(full); it.Next() {
		k := it.Item().KeyCopy(nil)
		keys = append(keys, strings.TrimPrefix(string(k), string(tx.prefix)))
	}
	return keys, nil
}

func identityPrefix(identity interfaces.IdentityAddress) []byte {
	return append([]byte(identity), 0)
}

func (b *BadgerBackend) Get(ctx context.Context, identity interfaces.IdentityAddress, key string) ([]byte, error) {
	var out []byte
	err := b.View(ctx, identity, func(tx interfaces.RecordTx) error {
		v, err := tx.Get(key)
		out = v
		return err
	})
	return out, err
}

func (b *BadgerBackend) View(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, prefix: identityPrefix(identity)})
	})
}

func (b *BadgerBackend) Update(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, prefix: identityPrefix(identity)})
	})
	if errors.Is(err, badger.ErrConflict) {
		b.log.Debug("Badger transaction conflict", slog.String("identity", string(identity)))
		return fmt.Errorf("%w: %v", interfaces.ErrConflict, err)
	}
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return err
}

func (b *BadgerBackend) Available(ctx context.Context) bool {
	return !b.db.IsClosed()
}

func (b *BadgerBackend) Name() string {
	if b.dir == "" {
		return "badger-inmemory"
	}
	return fmt.Sprintf("badger-%s", b.dir)
}

func (b *BadgerBackend) LocationURI() string {
	return b.locationURI
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
