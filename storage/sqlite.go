package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ruteri/identity-recovery-backend/interfaces"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS records (
	identity TEXT NOT NULL,
	key      TEXT NOT NULL,
	value    BLOB NOT NULL,
	PRIMARY KEY (identity, key)
)`

// SQLiteBackend stores records in a SQLite database, one row per (identity, key).
// The pool is limited to a single connection, which serializes transactions.
type SQLiteBackend struct {
	sqlDB       *sql.DB
	path        string
	log         *slog.Logger
	locationURI string
}

// NewSQLiteBackend opens a SQLite record store and creates its schema.
func NewSQLiteBackend(path string, log *slog.Logger) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteBackend{
		sqlDB:       sqlDB,
		path:        cleanPath,
		log:         log,
		locationURI: fmt.Sprintf("sqlite://%s", cleanPath),
	}, nil
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	identity string
}

func (t *sqliteTx) Get(key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM records WHERE identity = ? AND key = ?`, t.identity, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return value, nil
}

func (t *sqliteTx) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO records (identity, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (identity, key) DO UPDATE SET value = excluded.value`,
		t.identity, key, value)
	if err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

func (t *sqliteTx) Delete(key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM records WHERE identity = ? AND key = ?`, t.identity, key)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	return nil
}

func (t *sqliteTx) List(prefix string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT key FROM records WHERE identity = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		t.identity, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan record key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Get(ctx context.Context, identity interfaces.IdentityAddress, key string) ([]byte, error) {
	var out []byte
	err := b.View(ctx, identity, func(tx interfaces.RecordTx) error {
		v, err := tx.Get(key)
		out = v
		return err
	})
	return out, err
}

func (b *SQLiteBackend) View(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer tx.Rollback()
	return fn(&sqliteTx{ctx: ctx, tx: tx, identity: string(identity)})
}

func (b *SQLiteBackend) Update(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx, identity: string(identity)}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		b.log.Error("Failed to commit sqlite transaction", "err", err, slog.String("identity", string(identity)))
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Available(ctx context.Context) bool {
	if err := b.sqlDB.PingContext(ctx); err != nil {
		b.log.Debug("SQLite backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *SQLiteBackend) Name() string {
	return fmt.Sprintf("sqlite-%s", filepath.Base(b.path))
}

func (b *SQLiteBackend) LocationURI() string {
	return b.locationURI
}

func (b *SQLiteBackend) Close() error {
	return b.sqlDB.Close()
}
