// Package wallet manages the pool of signing actors and the encrypted store
// holding their keys.
package wallet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/domain"
)

const (
	keystoreVersion = 2
	saltSuffix      = ".salt"
	filePerm        = 0o600
)

// legacySalt is the fixed salt used by version-1 stores. It is only ever
// used to read such a store once, during migration.
var legacySalt = []byte("curvebot-keystore-v1-static-salt")

type storedEntry struct {
	EncryptedKey string    `json:"encrypted_key"`
	Label        string    `json:"label"`
	CreatedAt    time.Time `json:"created_at"`
}

type storeFile struct {
	Version         int                    `json:"version"`
	SaltFingerprint string                 `json:"salt_fingerprint,omitempty"`
	Entries         map[string]storedEntry `json:"entries"`
}

// KeyInfo is the non-secret metadata of a stored key.
type KeyInfo struct {
	Address   string    `json:"address"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Keystore is a file-backed map of address to sealed signing material. The
// salt lives beside the blob at <path>.salt.
type Keystore struct {
	mu      sync.Mutex
	path    string
	salt    []byte
	sealer  *crypto.Sealer
	entries map[string]storedEntry
	logger  *slog.Logger
}

// OpenKeystore opens or creates the store at path. A version-1 blob without
// a salt file is migrated to a fresh random salt. Any inconsistency between
// salt and blob fails with domain.ErrKeystoreIntegrity.
func OpenKeystore(path, passphrase string, logger *slog.Logger) (*Keystore, error) {
	logger = logger.With(slog.String("component", "keystore"))
	saltPath := path + saltSuffix

	blob, blobErr := os.ReadFile(path)
	salt, saltErr := os.ReadFile(saltPath)
	blobMissing := errors.Is(blobErr, fs.ErrNotExist)
	saltMissing := errors.Is(saltErr, fs.ErrNotExist)
	if blobErr != nil && !blobMissing {
		return nil, fmt.Errorf("keystore: read blob: %w", blobErr)
	}
	if saltErr != nil && !saltMissing {
		return nil, fmt.Errorf("keystore: read salt: %w", saltErr)
	}

	switch {
	case blobMissing && saltMissing:
		return createKeystore(path, passphrase, logger)
	case blobMissing:
		return nil, fmt.Errorf("keystore: salt present but blob missing: %w", domain.ErrKeystoreIntegrity)
	case saltMissing:
		return migrateLegacy(path, passphrase, blob, logger)
	}

	if len(salt) != crypto.SaltLen {
		return nil, fmt.Errorf("keystore: salt has %d bytes: %w", len(salt), domain.ErrKeystoreIntegrity)
	}
	var sf storeFile
	if err := json.Unmarshal(blob, &sf); err != nil {
		return nil, fmt.Errorf("keystore: blob unreadable: %w", domain.ErrKeystoreIntegrity)
	}
	if sf.Version != keystoreVersion || sf.SaltFingerprint != crypto.SaltFingerprint(salt) {
		return nil, fmt.Errorf("keystore: blob does not match salt: %w", domain.ErrKeystoreIntegrity)
	}
	sealer, err := crypto.NewSealer(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if sf.Entries == nil {
		sf.Entries = make(map[string]storedEntry)
	}
	logger.Info("keystore opened", slog.Int("keys", len(sf.Entries)))
	return &Keystore{path: path, salt: salt, sealer: sealer, entries: sf.Entries, logger: logger}, nil
}

func createKeystore(path, passphrase string, logger *slog.Logger) (*Keystore, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	sealer, err := crypto.NewSealer(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	ks := &Keystore{path: path, salt: salt, sealer: sealer, entries: make(map[string]storedEntry), logger: logger}
	if err := ks.persist(true); err != nil {
		return nil, err
	}
	logger.Info("keystore created")
	return ks, nil
}

// migrateLegacy re-encrypts a fixed-salt store under a new random salt. The
// salt is written before the blob; a crash in between leaves a salt that
// does not match the old blob, which the next open reports as an integrity
// failure.
func migrateLegacy(path, passphrase string, blob []byte, logger *slog.Logger) (*Keystore, error) {
	entries, err := parseLegacy(blob)
	if err != nil {
		return nil, err
	}
	old, err := crypto.NewSealer(passphrase, legacySalt)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	sealer, err := crypto.NewSealer(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	migrated := make(map[string]storedEntry, len(entries))
	for addr, e := range entries {
		sealed, err := base64.StdEncoding.DecodeString(e.EncryptedKey)
		if err != nil {
			return nil, fmt.Errorf("keystore: legacy entry %s corrupt: %w", addr, domain.ErrKeystoreIntegrity)
		}
		m, err := old.Open(sealed, []byte(addr))
		if err != nil {
			return nil, fmt.Errorf("keystore: legacy entry %s: %w", addr, domain.ErrDecrypt)
		}
		resealed, err := sealer.Seal(m, []byte(addr))
		m.Zero()
		if err != nil {
			return nil, fmt.Errorf("keystore: reseal %s: %w", addr, err)
		}
		e.EncryptedKey = base64.StdEncoding.EncodeToString(resealed)
		migrated[addr] = e
	}

	ks := &Keystore{path: path, salt: salt, sealer: sealer, entries: migrated, logger: logger}
	if err := ks.persist(true); err != nil {
		return nil, err
	}
	logger.Warn("keystore migrated from legacy salt", slog.Int("keys", len(migrated)))
	return ks, nil
}

// parseLegacy accepts both the versioned wrapper and a flat address map.
func parseLegacy(blob []byte) (map[string]storedEntry, error) {
	var sf storeFile
	if err := json.Unmarshal(blob, &sf); err == nil && sf.Entries != nil {
		if sf.Version >= keystoreVersion {
			return nil, fmt.Errorf("keystore: salt file missing for version %d blob: %w", sf.Version, domain.ErrKeystoreIntegrity)
		}
		return sf.Entries, nil
	}
	var flat map[string]storedEntry
	if err := json.Unmarshal(blob, &flat); err != nil {
		return nil, fmt.Errorf("keystore: legacy blob unreadable: %w", domain.ErrKeystoreIntegrity)
	}
	return flat, nil
}

func (k *Keystore) persist(withSalt bool) error {
	if withSalt {
		if err := writeFileAtomic(k.path+saltSuffix, k.salt, filePerm); err != nil {
			return fmt.Errorf("keystore: write salt: %w", err)
		}
	}
	data, err := json.MarshalIndent(storeFile{
		Version:         keystoreVersion,
		SaltFingerprint: crypto.SaltFingerprint(k.salt),
		Entries:         k.entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: encode: %w", err)
	}
	if err := writeFileAtomic(k.path, data, filePerm); err != nil {
		return fmt.Errorf("keystore: write blob: %w", err)
	}
	return nil
}

// Store seals material under address and persists the store.
func (k *Keystore) Store(address string, material crypto.Material, label string) error {
	address = normalizeAddress(address)
	sealed, err := k.sealer.Seal(material, []byte(address))
	if err != nil {
		return fmt.Errorf("keystore: seal %s: %w", address, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	created := time.Now().UTC()
	prev, existed := k.entries[address]
	if existed {
		created = prev.CreatedAt
	}
	k.entries[address] = storedEntry{
		EncryptedKey: base64.StdEncoding.EncodeToString(sealed),
		Label:        label,
		CreatedAt:    created,
	}
	if err := k.persist(false); err != nil {
		// Memory must keep matching the file on disk.
		if existed {
			k.entries[address] = prev
		} else {
			delete(k.entries, address)
		}
		return err
	}
	k.logger.Info("key stored", slog.String("address", address), slog.String("label", label))
	return nil
}

// Get decrypts the material for address. It returns false on any failure,
// including a wrong passphrase; callers must Zero the result.
func (k *Keystore) Get(address string) (crypto.Material, bool) {
	address = normalizeAddress(address)
	k.mu.Lock()
	e, ok := k.entries[address]
	k.mu.Unlock()
	if !ok {
		return nil, false
	}
	sealed, err := base64.StdEncoding.DecodeString(e.EncryptedKey)
	if err != nil {
		k.logger.Error("stored key corrupt", slog.String("address", address))
		return nil, false
	}
	m, err := k.sealer.Open(sealed, []byte(address))
	if err != nil {
		k.logger.Error("stored key could not be decrypted", slog.String("address", address))
		return nil, false
	}
	return m, true
}

// Remove deletes address from the store. It reports whether it existed.
func (k *Keystore) Remove(address string) (bool, error) {
	address = normalizeAddress(address)
	k.mu.Lock()
	defer k.mu.Unlock()
	prev, ok := k.entries[address]
	if !ok {
		return false, nil
	}
	delete(k.entries, address)
	if err := k.persist(false); err != nil {
		k.entries[address] = prev
		return false, err
	}
	return true, nil
}

// List returns the metadata of every stored key, sorted by address.
func (k *Keystore) List() []KeyInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]KeyInfo, 0, len(k.entries))
	for addr, e := range k.entries {
		out = append(out, KeyInfo{Address: addr, Label: e.Label, CreatedAt: e.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func normalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}
