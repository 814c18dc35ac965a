package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// FileBackend implements a record store on the local file system.
// Each identity is one document file; a commit writes a temporary file, syncs it
// and renames it over the previous one, so a crash leaves either the old or the
// new document, never a mix.
type FileBackend struct {
	baseDir     string
	locks       identityLocks
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file record store using the specified base directory.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (b *FileBackend) Get(ctx context.Context, identity interfaces.IdentityAddress, key string) ([]byte, error) {
	var out []byte
	err := b.View(ctx, identity, func(tx interfaces.RecordTx) error {
		v, err := tx.Get(key)
		out = v
		return err
	})
	return out, err
}

func (b *FileBackend) View(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := b.locks.get(identity)
	lock.RLock()
	defer lock.RUnlock()

	doc, err := b.readDocument(identity)
	if err != nil {
		return err
	}
	return fn(newDocTx(doc, true))
}

func (b *FileBackend) Update(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := b.locks.get(identity)
	lock.Lock()
	defer lock.Unlock()

	doc, err := b.readDocument(identity)
	if err != nil {
		return err
	}

	tx := newDocTx(doc, false)
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty() {
		return nil
	}
	return b.writeDocument(identity, tx.commit())
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) documentPath(identity interfaces.IdentityAddress) string {
	return filepath.Join(b.baseDir, string(identity)+".records")
}

func (b *FileBackend) readDocument(identity interfaces.IdentityAddress) (document, error) {
	path := b.documentPath(identity)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	var doc document
	if err := DecodeRecord(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt record file %s: %w", path, err)
	}
	if doc == nil {
		doc = document{}
	}
	return doc, nil
}

func (b *FileBackend) writeDocument(identity interfaces.IdentityAddress, doc document) error {
	data, err := EncodeRecord(doc)
	if err != nil {
		return err
	}

	path := b.documentPath(identity)
	tmp, err := os.CreateTemp(b.baseDir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write records: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close records: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace records: %w", err)
	}

	b.log.Debug("Stored records in file",
		slog.String("path", path),
		slog.Int("records", len(doc)),
		slog.Int("size", len(data)))
	return nil
}
