package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// VaultBackend implements a record store on a HashiCorp Vault KV v2 mount.
// Each identity is one secret holding its whole record document. Writes use
// check-and-set on the secret version, so a concurrent writer from another
// process makes the commit fail with ErrConflict instead of overwriting.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	locks       identityLocks
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault record store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "recovery")
//   - token: Vault token; empty falls back to VAULT_TOKEN
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) secretPath(identity interfaces.IdentityAddress) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/%s", b.mountPath, identity)
	}
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, identity)
}

// readDocument returns the identity's document and its KV version (0 if absent).
func (b *VaultBackend) readDocument(ctx context.Context, identity interfaces.IdentityAddress) (document, int64, error) {
	path := b.secretPath(identity)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return document{}, 0, nil
	}

	version, err := kvVersion(secret.Data["metadata"])
	if err != nil {
		return nil, 0, err
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Deleted secrets keep their metadata but carry no data.
		return document{}, version, nil
	}

	contentStr, ok := data["content"].(string)
	if !ok {
		b.log.Error("Invalid content format in Vault data", slog.String("path", path))
		return nil, 0, fmt.Errorf("invalid content format in Vault data")
	}

	raw, err := base64.StdEncoding.DecodeString(contentStr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}

	var doc document
	if err := DecodeRecord(raw, &doc); err != nil {
		return nil, 0, err
	}
	if doc == nil {
		doc = document{}
	}
	return doc, version, nil
}

func kvVersion(metadata interface{}) (int64, error) {
	m, ok := metadata.(map[string]interface{})
	if !ok {
		return 0, nil
	}
	switch v := m["version"].(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected Vault version type %T", v)
	}
}

func (b *VaultBackend) writeDocument(ctx context.Context, identity interfaces.IdentityAddress, doc document, version int64) error {
	start := time.Now()
	path := b.secretPath(identity)

	raw, err := EncodeRecord(doc)
	if err != nil {
		return err
	}

	secretData := map[string]interface{}{
		"options": map[string]interface{}{
			"cas": version,
		},
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(raw),
		},
	}

	_, err = b.client.Logical().WriteWithContext(ctx, path, secretData)
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusBadRequest && isCASMismatch(respErr) {
			b.log.Warn("Vault check-and-set conflict",
				slog.String("path", path),
				slog.Int64("version", version))
			return fmt.Errorf("%w: %v", interfaces.ErrConflict, err)
		}
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored records in Vault",
		slog.String("path", path),
		slog.Int("records", len(doc)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func isCASMismatch(respErr *api.ResponseError) bool {
	for _, e := range respErr.Errors {
		if strings.Contains(e, "check-and-set") {
			return true
		}
	}
	return false
}

func (b *VaultBackend) Get(ctx context.Context, identity interfaces.IdentityAddress, key string) ([]byte, error) {
	var out []byte
	err := b.View(ctx, identity, func(tx interfaces.RecordTx) error {
		v, err := tx.Get(key)
		out = v
		return err
	})
	return out, err
}

func (b *VaultBackend) View(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	doc, _, err := b.readDocument(ctx, identity)
	if err != nil {
		return err
	}
	return fn(newDocTx(doc, true))
}

func (b *VaultBackend) Update(ctx context.Context, identity interfaces.IdentityAddress, fn func(tx interfaces.RecordTx) error) error {
	lock := b.locks.get(identity)
	lock.Lock()
	defer lock.Unlock()

	doc, version, err := b.readDocument(ctx, identity)
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
	return b.writeDocument(ctx, identity, tx.commit(), version)
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) Close() error {
	return nil
}
