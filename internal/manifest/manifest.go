// Package manifest implements the per-snapshot JSON manifest described in
// spec.md §3/§4.E/§6: backup type/id/time, a file listing, a fingerprint
// sealing everything but the `unprotected` sub-section, and an optional
// signature.
//
// Write path uses format.WriteAtomic's temp-then-rename idiom, wrapping the JSON as an uncompressed chunk envelope (so the same bit-rot
// detection chunkstore.Decode gives chunks applies to the manifest blob).
// Grounded on internal/format's write-then-rename convention; the JSON
// shape follows spec.md §6 directly.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"pbscore/internal/chunkstore"
	"pbscore/internal/digest"
	"pbscore/internal/format"
	"pbscore/internal/lock"
)

// BlobName is the fixed filename a manifest is stored under within a
// snapshot directory (spec.md §3/§6).
const BlobName = "index.json.blob"

// manifestLockTimeout bounds manifest lock acquisition (spec.md §4.D: "held
// briefly, bounded wait ≤ 5s").
const manifestLockTimeout = 5 * time.Second

var (
	ErrNotFound         = errors.New("manifest: not found")
	ErrNotSigned        = errors.New("manifest: not signed")
	ErrSignatureInvalid = errors.New("manifest: signature invalid")
)

// FileEntry describes one file within the backup (spec.md §6).
type FileEntry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Csum     string `json:"csum"`
}

// Unprotected holds the mutable sub-section spec.md §4.E allows to change
// after backup finish: encryption fingerprints and verification state.
// Everything else in Manifest is immutable once written.
type Unprotected struct {
	VerifyState  string            `json:"verify-state,omitempty"`
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
}

// Manifest is the decoded form of a snapshot's index.json.blob.
type Manifest struct {
	BackupType  string      `json:"backup-type"`
	BackupID    string      `json:"backup-id"`
	BackupTime  time.Time   `json:"backup-time"`
	Files       []FileEntry `json:"files"`
	Unprotected Unprotected `json:"unprotected"`
	Signature   string      `json:"signature,omitempty"`
}

// sealed carries exactly the fields the fingerprint covers: everything
// except Unprotected (mutable post-finalize) and Signature (computed over
// the fingerprint, not part of it).
type sealed struct {
	BackupType string      `json:"backup-type"`
	BackupID   string      `json:"backup-id"`
	BackupTime time.Time   `json:"backup-time"`
	Files      []FileEntry `json:"files"`
}

// Fingerprint computes the content digest over the manifest's canonical
// (sealed) form.
func (m *Manifest) Fingerprint() (digest.Digest, error) {
	data, err := json.Marshal(sealed{
		BackupType: m.BackupType,
		BackupID:   m.BackupID,
		BackupTime: m.BackupTime,
		Files:      m.Files,
	})
	if err != nil {
		return digest.Digest{}, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	return digest.Sum(data), nil
}

// Sign computes the fingerprint and HMAC-SHA256s it with key, storing the
// result in Signature. Key derivation/management is out of scope (see
// chunkstore's encrypted modes); callers supply the key material.
func (m *Manifest) Sign(key []byte) error {
	fp, err := m.Fingerprint()
	if err != nil {
		return err
	}
	m.Signature = hex.EncodeToString(mac(key, fp))
	return nil
}

// Verify recomputes the fingerprint and checks it against Signature.
func (m *Manifest) Verify(key []byte) error {
	if m.Signature == "" {
		return ErrNotSigned
	}
	fp, err := m.Fingerprint()
	if err != nil {
		return err
	}
	want := hex.EncodeToString(mac(key, fp))
	if !hmac.Equal([]byte(want), []byte(m.Signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

func mac(key []byte, fp digest.Digest) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(fp[:])
	return h.Sum(nil)
}

// Write serializes m, wraps it as an uncompressed chunk envelope (giving it
// the same CRC32 bit-rot protection as a regular chunk), and writes it
// atomically to path.
func Write(path string, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	envelope, err := chunkstore.Encode(chunkstore.ModeUncompressed, data, nil)
	if err != nil {
		return fmt.Errorf("manifest: encode envelope: %w", err)
	}
	if err := format.WriteAtomic(path, envelope, 0o644); err != nil {
		return fmt.Errorf("manifest: write: %w", err)
	}
	return nil
}

// Load reads, envelope-checks and deserializes the manifest at path. The
// fingerprint is always recomputed as part of loading (it must succeed to
// canonicalize), matching the supplemented verify-on-load behavior: a
// manifest that can't be canonicalized is rejected even before a caller
// asks to Verify a signature.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("manifest: read: %w", err)
	}

	_, payload, _, err := chunkstore.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode envelope: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}
	if _, err := m.Fingerprint(); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateUnprotected loads the manifest at manifestPath under the manifest
// lock at lockPath, applies mutate to its Unprotected section only, and
// writes the result back. Any other field changed by mutate is not
// persisted — Unprotected is the only post-finalize-mutable section
// (spec.md §4.E).
func UpdateUnprotected(manifestPath, lockPath string, mutate func(*Unprotected)) error {
	h, err := lock.AcquireExclusiveTimeout(lockPath, manifestLockTimeout)
	if err != nil {
		return err
	}
	defer h.Release()

	m, err := Load(manifestPath)
	if err != nil {
		return err
	}
	mutate(&m.Unprotected)
	return Write(manifestPath, m)
}
