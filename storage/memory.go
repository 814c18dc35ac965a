package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// MemoryBackend keeps records in process memory. Updates of one identity are
// serialized; nothing survives a restart.
type MemoryBackend struct {
	mu    sync.RWMutex
	docs  map[interfaces.IdentityAddress]document
	locks identityLocks
	log   *slog.Logger
}

// NewMemoryBackend creates an empty in-memory record store.
func NewMemoryBackend(log *slog.Logger) *MemoryBackend {
	return &MemoryBackend{
		docs: make(map[interfaces.IdentityAddress]document),
		log:  log,
	}
}

func (b *MemoryBackend) load(identity interfaces.IdentityAddress) document {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.docs[identity]
}

func (b *MemoryBackend) Get(ctx context.Context, identity interfaces.IdentityAddress, key string) ([]byte, error) {
	var out []byte
	err := b.View(ctx, identity, func(tx interfaces.RecordTx) error {
		v, err := tx.Get(key)
		out = v
		return err
	})
	return out, err
}

func (b *MemoryBackend) View(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := b.locks.get(identity)
	lock.RLock()
	defer lock.RUnlock()
	return fn(newDocTx(b.load(identity), true))
}

func (b *MemoryBackend) Update(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := b.locks.get(identity)
	lock.Lock()
	defer lock.Unlock()

	tx := newDocTx(b.load(identity), false)
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty() {
		return nil
	}

	b.mu.Lock()
	b.docs[identity] = tx.commit()
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://"
}

func (b *MemoryBackend) Close() error {
	return nil
}
