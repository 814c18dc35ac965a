package peer

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// Directory holds the identities this host is connected to and their peer public keys.
type Directory struct {
	mu    sync.RWMutex
	peers map[interfaces.IdentityAddress]directoryEntry
}

type directoryEntry struct {
	pem []byte
	key *ecdsa.PublicKey
}

type directoryFile struct {
	Peers []struct {
		Identity string `json:"identity"`
		PubKey   string `json:"pubkey"`
	} `json:"peers"`
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{peers: make(map[interfaces.IdentityAddress]directoryEntry)}
}

// LoadDirectory reads a directory from JSON of the form
// {"peers":[{"identity":"bob.me","pubkey":"-----BEGIN PUBLIC KEY-----..."}]}.
func LoadDirectory(r io.Reader) (*Directory, error) {
	var file directoryFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode peer directory: %w", err)
	}

	dir := NewDirectory()
	for _, p := range file.Peers {
		identity, err := interfaces.NewIdentityAddress(p.Identity)
		if err != nil {
			return nil, err
		}
		if err := dir.Add(identity, []byte(p.PubKey)); err != nil {
			return nil, fmt.Errorf("peer %s: %w", identity, err)
		}
	}
	return dir, nil
}

// LoadDirectoryFile reads a directory from a JSON file.
func LoadDirectoryFile(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadDirectory(f)
}

// Add registers or replaces the public key of a connected identity.
func (d *Directory) Add(identity interfaces.IdentityAddress, pubPEM []byte) error {
	key, err := cryptoutils.ParsePublicKey(pubPEM)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[identity] = directoryEntry{pem: pubPEM, key: key}
	return nil
}

// PublicKey returns the key of a connected identity.
func (d *Directory) PublicKey(identity interfaces.IdentityAddress) (*ecdsa.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.peers[identity]
	return entry.key, ok
}

// Connected reports whether identity is known to this host.
func (d *Directory) Connected(identity interfaces.IdentityAddress) bool {
	_, ok := d.PublicKey(identity)
	return ok
}

// Fingerprint returns the fingerprint of a connected identity's key.
func (d *Directory) Fingerprint(identity interfaces.IdentityAddress) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.peers[identity]
	if !ok {
		return "", false
	}
	return cryptoutils.Fingerprint(entry.pem), true
}

// Identities lists connected identities in order.
func (d *Directory) Identities() []interfaces.IdentityAddress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]interfaces.IdentityAddress, 0, len(d.peers))
	for id := range d.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
