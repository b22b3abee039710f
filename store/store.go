// Package store implements an encrypted, filesystem-backed blob store.
// One file per keyId holds an AES-256-GCM sealed JSON payload; the
// per-entry symmetric key is derived from the caller's password rather
// than shared across entries, so stealing the directory listing alone
// discloses nothing.
//
// The AES-GCM primitive is pkg/crypto's Encrypt/Decrypt (nonce-prefixed
// ciphertext). Key derivation from the caller-supplied password uses
// golang.org/x/crypto/pbkdf2 since the key material here starts as a
// caller-held password string rather than raw key bytes.
package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/cloudauth/oauthbroker/errs"
	"github.com/cloudauth/oauthbroker/pkg/crypto"
)

const (
	saltSize   = 16
	pbkdf2Iter = 4096
	keySize    = 32
)

// StoredEntry is the persisted, encrypted payload referenced by a V1
// AuthId.
type StoredEntry struct {
	ServiceId    string          `json:"service_id"`
	Expires      time.Time       `json:"expires"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Json         json.RawMessage `json:"json"`
}

// Store is a key(hex) -> StoredEntry blob store. Implementations must be
// safe for concurrent use by distinct keyIds; file locking isn't required
// because each AuthId is held by exactly one client.
type Store interface {
	// Create writes a brand-new entry. keyId must not already exist.
	Create(keyId, password string, entry StoredEntry) error
	// Get decrypts and returns the entry stored under keyId. Any failure
	// - missing file, corrupt data, wrong password - is reported with the
	// same kind, status and message (KindUnauthorized, 401, "Invalid
	// AuthId"), deliberately opaque.
	Get(keyId, password string) (StoredEntry, error)
	// Update overwrites keyId's contents, truncating any prior content.
	// Unlike Create it succeeds whether or not keyId previously existed.
	Update(keyId, password string, entry StoredEntry) error
	// Delete removes keyId. Deleting an absent key is not an error.
	Delete(keyId string) error
}

// FileStore is the on-disk Store implementation: one file per keyId in Dir.
type FileStore struct {
	Dir string
}

// NewFileStore returns a FileStore rooted at dir. dir is created if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob store directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (f *FileStore) path(keyId string) string {
	return filepath.Join(f.Dir, keyId)
}

func (f *FileStore) Create(keyId, password string, entry StoredEntry) error {
	if _, err := os.Stat(f.path(keyId)); err == nil {
		return errs.Internal(fmt.Errorf("key %q already exists", keyId), "Internal error, failed to store token")
	}
	return f.writeEntry(keyId, password, entry)
}

func (f *FileStore) Update(keyId, password string, entry StoredEntry) error {
	return f.writeEntry(keyId, password, entry)
}

func (f *FileStore) writeEntry(keyId, password string, entry StoredEntry) error {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return errs.Internal(err, "Internal error, failed to store token")
	}

	salt, err := crypto.RandBytes(saltSize)
	if err != nil {
		return errs.Internal(err, "Internal error, failed to store token")
	}
	key := deriveKey(password, salt)

	ciphertext, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return errs.Internal(err, "Internal error, failed to store token")
	}

	payload := append(append([]byte{}, salt...), ciphertext...)

	tmp := f.path(keyId) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return errs.Internal(err, "Internal error, failed to store token")
	}
	if err := os.Rename(tmp, f.path(keyId)); err != nil {
		return errs.Internal(err, "Internal error, failed to store token")
	}
	return nil
}

func (f *FileStore) Get(keyId, password string) (StoredEntry, error) {
	raw, err := os.ReadFile(f.path(keyId))
	if err != nil {
		// Missing file surfaces through the same opaque kind as a bad
		// password: the caller must not be able to distinguish "no such
		// key" from "wrong password".
		return StoredEntry{}, decryptingFailed(err)
	}
	if len(raw) < saltSize {
		return StoredEntry{}, decryptingFailed(fmt.Errorf("stored blob for %q too short", keyId))
	}

	salt, ciphertext := raw[:saltSize], raw[saltSize:]
	key := deriveKey(password, salt)

	plaintext, err := crypto.Decrypt(ciphertext, key)
	if err != nil {
		return StoredEntry{}, decryptingFailed(err)
	}

	var entry StoredEntry
	if err := json.Unmarshal(plaintext, &entry); err != nil {
		return StoredEntry{}, decryptingFailed(err)
	}
	return entry, nil
}

func (f *FileStore) Delete(keyId string) error {
	if err := os.Remove(f.path(keyId)); err != nil && !os.IsNotExist(err) {
		return errs.Internal(err, "Internal error, failed to revoke token")
	}
	return nil
}

func decryptingFailed(cause error) *errs.Error {
	return errs.Wrap(cause, errs.KindUnauthorized, 401, "Invalid AuthId")
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iter, keySize, sha256.New)
}
