package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleManifest() *Manifest {
	return &Manifest{
		BackupType: "host",
		BackupID:   "pve1",
		BackupTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Files: []FileEntry{
			{Filename: "drive-scsi0.img.fidx", Size: 1024, Csum: "abc123"},
		},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), BlobName)
	m := sampleManifest()

	if err := Write(path, m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.BackupType != m.BackupType || loaded.BackupID != m.BackupID {
		t.Fatalf("loaded manifest mismatch: %+v", loaded)
	}
	if len(loaded.Files) != 1 || loaded.Files[0].Filename != m.Files[0].Filename {
		t.Fatalf("file entries did not round-trip: %+v", loaded.Files)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), BlobName))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	m1 := sampleManifest()
	m2 := sampleManifest()

	fp1, err := m1.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := m2.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Fatal("identical sealed content produced different fingerprints")
	}

	m2.Files[0].Size = 9999
	fp3, err := m2.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if fp1 == fp3 {
		t.Fatal("changed content produced the same fingerprint")
	}
}

func TestFingerprintIgnoresUnprotectedAndSignature(t *testing.T) {
	m := sampleManifest()
	fp1, err := m.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}

	m.Unprotected.VerifyState = "ok"
	m.Signature = "deadbeef"
	fp2, err := m.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Fatal("fingerprint changed after mutating unprotected/signature fields")
	}
}

func TestSignAndVerify(t *testing.T) {
	m := sampleManifest()
	key := []byte("snapshot-key-material")

	if err := m.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if m.Signature == "" {
		t.Fatal("Sign did not set Signature")
	}
	if err := m.Verify(key); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	m := sampleManifest()
	if err := m.Sign([]byte("correct-key")); err != nil {
		t.Fatal(err)
	}
	if err := m.Verify([]byte("wrong-key")); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyUnsignedManifest(t *testing.T) {
	m := sampleManifest()
	if err := m.Verify([]byte("any-key")); !errors.Is(err, ErrNotSigned) {
		t.Fatalf("expected ErrNotSigned, got %v", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	m := sampleManifest()
	if err := m.Sign([]byte("k")); err != nil {
		t.Fatal(err)
	}
	m.Files[0].Size = 42 // tamper after signing
	if err := m.Verify([]byte("k")); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid after tampering, got %v", err)
	}
}

func TestUpdateUnprotectedPersistsOnlyUnprotectedSection(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, BlobName)
	lockPath := filepath.Join(dir, "manifest.lck")

	m := sampleManifest()
	if err := Write(manifestPath, m); err != nil {
		t.Fatal(err)
	}

	err := UpdateUnprotected(manifestPath, lockPath, func(u *Unprotected) {
		u.VerifyState = "verified"
		u.Fingerprints = map[string]string{"key1": "fp1"}
	})
	if err != nil {
		t.Fatalf("UpdateUnprotected: %v", err)
	}

	loaded, err := Load(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Unprotected.VerifyState != "verified" {
		t.Errorf("VerifyState = %q, want %q", loaded.Unprotected.VerifyState, "verified")
	}
	if loaded.Unprotected.Fingerprints["key1"] != "fp1" {
		t.Errorf("Fingerprints not persisted: %+v", loaded.Unprotected.Fingerprints)
	}
	if loaded.BackupID != m.BackupID {
		t.Errorf("sealed field mutated unexpectedly: %q", loaded.BackupID)
	}
}

func TestUpdateUnprotectedMissingManifest(t *testing.T) {
	dir := t.TempDir()
	err := UpdateUnprotected(filepath.Join(dir, BlobName), filepath.Join(dir, "manifest.lck"), func(u *Unprotected) {})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadDetectsEnvelopeCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), BlobName)
	m := sampleManifest()
	if err := Write(path, m); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading a corrupted manifest blob")
	}
}
