package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

var errReadOnlyTx = errors.New("write in read-only transaction")

// document is the full record set of one identity. Backends that persist an
// identity as a single unit (memory, file, vault) run transactions against a
// document and swap it wholesale on commit.
type document map[string][]byte

// docTx buffers writes over a base document.
type docTx struct {
	base     document
	writes   map[string][]byte
	readOnly bool
}

func newDocTx(base document, readOnly bool) *docTx {
	return &docTx{base: base, writes: make(map[string][]byte), readOnly: readOnly}
}

func (tx *docTx) Get(key string) ([]byte, error) {
	if v, ok := tx.writes[key]; ok {
		if v == nil {
			return nil, interfaces.ErrRecordNotFound
		}
		return cloneBytes(v), nil
	}
	if v, ok := tx.base[key]; ok {
		return cloneBytes(v), nil
	}
	return nil, interfaces.ErrRecordNotFound
}

func (tx *docTx) Put(key string, value []byte) error {
	if tx.readOnly {
		return errReadOnlyTx
	}
	if value == nil {
		value = []byte{}
	}
	tx.writes[key] = cloneBytes(value)
	return nil
}

func (tx *docTx) Delete(key string) error {
	if tx.readOnly {
		return errReadOnlyTx
	}
	tx.writes[key] = nil
	return nil
}

func (tx *docTx) List(prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	for k := range tx.base {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k, v := range tx.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(seen, k)
		} else {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (tx *docTx) dirty() bool {
	return len(tx.writes) > 0
}

// commit returns a new document with the buffered writes applied.
// The base document is never mutated.
func (tx *docTx) commit() document {
	next := make(document, len(tx.base)+len(tx.writes))
	for k, v := range tx.base {
		next[k] = v
	}
	for k, v := range tx.writes {
		if v == nil {
			delete(next, k)
		} else {
			next[k] = v
		}
	}
	return next
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// identityLocks hands out one RWMutex per identity.
type identityLocks struct {
	mu    sync.Mutex
	locks map[interfaces.IdentityAddress]*sync.RWMutex
}

func (l *identityLocks) get(identity interfaces.IdentityAddress) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[interfaces.IdentityAddress]*sync.RWMutex)
	}
	lock, ok := l.locks[identity]
	if !ok {
		lock = &sync.RWMutex{}
		l.locks[identity] = lock
	}
	return lock
}
